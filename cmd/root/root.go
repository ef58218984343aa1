// Package root assembles the folderindex command-line interface.
package root

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docker/folderindex/pkg/embed"
	"github.com/docker/folderindex/pkg/engine"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/logging"
	"github.com/docker/folderindex/pkg/parser"
	"github.com/docker/folderindex/pkg/paths"
	"github.com/docker/folderindex/pkg/settings"
	"github.com/docker/folderindex/pkg/taskregistry"
	"github.com/docker/folderindex/pkg/vectorstore"
)

type rootFlags struct {
	debugMode   bool
	dataDir     string
	logFilePath string
	logFile     io.Closer
}

// NewRootCmd builds the folderindex root command.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "folderindex",
		Short: "folderindex - local folder-to-vector indexing engine",
		Long:  "folderindex keeps agent knowledge folders indexed: it watches directories, embeds their documents and serves hybrid retrieval.",
		Example: `  folderindex add --agent assistant ~/notes
  folderindex sync --agent assistant
  folderindex search --agent assistant "quarterly roadmap"
  folderindex watch`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := flags.setupLogging(); err != nil {
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
					Level: flags.logLevel(),
				})))
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if flags.logFile != nil {
				if err := flags.logFile.Close(); err != nil {
					slog.Error("Failed to close log file", "error", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debugMode, "debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (default: ~/.folderindex)")
	cmd.PersistentFlags().StringVar(&flags.logFilePath, "log-file", "", "Path to log file (default: stderr, or <data-dir>/folderindex.log with --debug)")

	cmd.AddCommand(newAddCmd(&flags))
	cmd.AddCommand(newListCmd(&flags))
	cmd.AddCommand(newRemoveCmd(&flags))
	cmd.AddCommand(newPrimaryCmd(&flags))
	cmd.AddCommand(newSyncCmd(&flags))
	cmd.AddCommand(newReindexCmd(&flags))
	cmd.AddCommand(newRecoverCmd(&flags))
	cmd.AddCommand(newSearchCmd(&flags))
	cmd.AddCommand(newWatchCmd(&flags))

	return cmd
}

// Execute runs the CLI.
func Execute(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := NewRootCmd()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return err
	}
	return nil
}

func (f *rootFlags) logLevel() slog.Level {
	if f.debugMode {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (f *rootFlags) setupLogging() error {
	logPath := f.logFilePath
	if logPath == "" {
		if !f.debugMode {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: f.logLevel()})))
			return nil
		}
		// Debug logging is verbose; keep it out of the terminal by default.
		logPath = filepath.Join(f.resolveDataDir(), logging.DefaultLogName)
	}

	rotating, err := logging.NewRotatingFile(logPath)
	if err != nil {
		return err
	}
	f.logFile = rotating
	slog.SetDefault(slog.New(slog.NewTextHandler(rotating, &slog.HandlerOptions{Level: f.logLevel()})))
	return nil
}

func (f *rootFlags) resolveDataDir() string {
	if f.dataDir != "" {
		return f.dataDir
	}
	return paths.GetDataDir()
}

// app bundles the engine and its stores for one command invocation.
type app struct {
	engine   *engine.Service
	ledger   *ledger.Store
	vectors  *vectorstore.Store
	settings *settings.FileStore
}

// openApp wires the engine from the data directory: settings, ledger,
// vector store and the built-in embedding provider.
func (f *rootFlags) openApp() (*app, error) {
	dataDir := f.resolveDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := settings.NewFileStore(filepath.Join(paths.GetConfigDir(), "settings.yaml"))
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(filepath.Join(dataDir, "ledger.db"))
	if err != nil {
		return nil, err
	}

	vec, err := vectorstore.Open(filepath.Join(dataDir, "vectors.db"), st.HybridSearchEnabled())
	if err != nil {
		led.Close()
		return nil, err
	}

	embedder := embed.New(embed.HashProvider{Dim: embed.HashProviderDim})

	svc, err := engine.New(engine.Options{
		Ledger:   led,
		Vectors:  vec,
		Settings: st,
		Embedder: embedder,
		Parser:   parser.PlainText{},
		Tasks:    taskregistry.NewInProcess(),
	})
	if err != nil {
		led.Close()
		vec.Close()
		return nil, err
	}

	return &app{engine: svc, ledger: led, vectors: vec, settings: st}, nil
}

func (a *app) close() {
	_ = a.engine.Close()
	_ = a.vectors.Close()
	_ = a.ledger.Close()
}
