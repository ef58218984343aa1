// Package engine is the control plane of the folder indexing system: it
// owns per-folder sync runs, the file watchers, deferred work queues, the
// stale-folder scheduler, and crash recovery. One Service exists per
// process; every in-memory map below lives for the process lifetime and is
// rebuilt by recovery on startup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/folderindex/pkg/embed"
	"github.com/docker/folderindex/pkg/ledger"
	"github.com/docker/folderindex/pkg/parser"
	"github.com/docker/folderindex/pkg/settings"
	"github.com/docker/folderindex/pkg/taskregistry"
	"github.com/docker/folderindex/pkg/vectorstore"
)

// Trigger identifies who started a sync run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAuto      Trigger = "auto"
	TriggerTriggered Trigger = "triggered"
	TriggerScheduled Trigger = "scheduled"
)

// Tunables of the sync pipeline.
const (
	defaultConcurrency = 5
	localConcurrency   = 2
	staggerDelay       = 100 * time.Millisecond
	perFileTimeout     = 5 * time.Minute
	progressFlushEvery = 500 * time.Millisecond

	debounceDelay        = time.Second
	permErrorLimit       = 10
	emfileRetryLimit     = 3
	pollingFileThreshold = 500

	dupTakeoverWait = 500 * time.Millisecond

	staleSyncingAge = 30 * time.Minute
	defaultStaleAge = 6 * time.Hour
)

var emfileBackoff = []time.Duration{3 * time.Second, 10 * time.Second, 30 * time.Second}

// syncRun is one live sync: its cancellation handle plus the identity it
// holds in the ownership indexes.
type syncRun struct {
	folderID string
	path     string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Service is the engine singleton.
type Service struct {
	ledger   *ledger.Store
	vectors  *vectorstore.Store
	settings settings.Store
	embedder *embed.Embedder
	parser   parser.Parser
	tasks    taskregistry.Registry

	events *eventBus

	// mu guards every map below. Runs and watchers register themselves
	// under it so ownership checks and claims are atomic.
	mu             sync.Mutex
	syncingFolders map[string]*syncRun // folder_id -> run
	syncingPaths   map[string]*syncRun // normalized path -> run
	watchers       map[string]*folderWatcher
	watchingPaths  map[string]string // normalized path -> folder_id
	queues         map[string]map[string]bool
	deferred       map[string]map[string]bool
	chatRuns       map[string]int // agent_id -> active chat runs
	permErrors     map[string]int
	emfileRetries  map[string]int
	pollingMode    map[string]bool

	initialized     bool
	unsubscribeTask func()

	schedulerMu    sync.Mutex
	schedulerStop  chan struct{}
	schedulerDone  chan struct{}
	syncAllRunning bool
}

// Options wires the engine's collaborators.
type Options struct {
	Ledger   *ledger.Store
	Vectors  *vectorstore.Store
	Settings settings.Store
	Embedder *embed.Embedder
	Parser   parser.Parser
	Tasks    taskregistry.Registry
}

// New creates the engine service. Call Initialize before use.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Vectors == nil || opts.Settings == nil {
		return nil, fmt.Errorf("ledger, vectors and settings are required")
	}
	p := opts.Parser
	if p == nil {
		p = parser.PlainText{}
	}

	return &Service{
		ledger:         opts.Ledger,
		vectors:        opts.Vectors,
		settings:       opts.Settings,
		embedder:       opts.Embedder,
		parser:         p,
		tasks:          opts.Tasks,
		events:         newEventBus(),
		syncingFolders: make(map[string]*syncRun),
		syncingPaths:   make(map[string]*syncRun),
		watchers:       make(map[string]*folderWatcher),
		watchingPaths:  make(map[string]string),
		queues:         make(map[string]map[string]bool),
		deferred:       make(map[string]map[string]bool),
		chatRuns:       make(map[string]int),
		permErrors:     make(map[string]int),
		emfileRetries:  make(map[string]int),
		pollingMode:    make(map[string]bool),
	}, nil
}

// Initialize prepares the engine for use: stops residual watchers, runs
// recovery, restarts watchers for synced folders, and subscribes to the
// task registry. It is idempotent; repeated calls re-run the stop-all /
// start sequence.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	already := s.initialized
	s.initialized = true
	s.mu.Unlock()

	if already {
		slog.Debug("Engine already initialized, re-running startup sequence")
	}

	s.StopAllWatchers()

	if err := s.RecoverStuckSyncingFolders(ctx); err != nil {
		slog.Error("Recovery failed during initialization", "error", err)
	}

	s.pauseUnsafeFolders(ctx)
	s.restartWatchers(ctx)

	if s.tasks != nil && s.unsubscribeTask == nil {
		s.unsubscribeTask = s.tasks.Subscribe(s.onTaskEvent)
	}

	slog.Info("Engine initialized")
	return nil
}

// Subscribe registers an observer for folder-change events. The returned
// func unsubscribes.
func (s *Service) Subscribe(fn func(FolderEvent)) func() {
	return s.events.subscribe(fn)
}

// Close stops the scheduler, all watchers and outstanding sync runs.
func (s *Service) Close() error {
	s.StopBackgroundSync()

	s.mu.Lock()
	runs := make([]*syncRun, 0, len(s.syncingFolders))
	for _, run := range s.syncingFolders {
		runs = append(runs, run)
	}
	unsub := s.unsubscribeTask
	s.unsubscribeTask = nil
	s.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			slog.Warn("Sync run did not stop in time", "folder_id", run.folderID)
		}
	}

	s.StopAllWatchers()

	if unsub != nil {
		unsub()
	}
	return nil
}

// onTaskEvent tracks agent chat activity. While an agent is generating,
// watcher changes for its folders are deferred; on completion they are
// promoted and a batch kicks off.
func (s *Service) onTaskEvent(ev taskregistry.Event) {
	if ev.TaskType != taskregistry.TaskTypeChat {
		return
	}

	switch ev.Type {
	case taskregistry.TaskStarted:
		s.mu.Lock()
		s.chatRuns[ev.AgentID]++
		s.mu.Unlock()

	case taskregistry.TaskCompleted:
		s.mu.Lock()
		if s.chatRuns[ev.AgentID] > 0 {
			s.chatRuns[ev.AgentID]--
		}
		idle := s.chatRuns[ev.AgentID] == 0
		if idle {
			delete(s.chatRuns, ev.AgentID)
		}
		s.mu.Unlock()

		if idle {
			s.promoteDeferred(ev.AgentID)
		}
	}
}

// promoteDeferred moves every deferred path of the agent's folders into the
// ready queue and triggers a batch.
func (s *Service) promoteDeferred(agentID string) {
	s.mu.Lock()
	var touched []*folderWatcher
	for folderID, w := range s.watchers {
		if w.agentID != agentID {
			continue
		}
		pending := s.deferred[folderID]
		if len(pending) == 0 {
			continue
		}
		queue := s.queues[folderID]
		if queue == nil {
			queue = make(map[string]bool)
			s.queues[folderID] = queue
		}
		for path := range pending {
			queue[path] = true
		}
		delete(s.deferred, folderID)
		touched = append(touched, w)
	}
	s.mu.Unlock()

	for _, w := range touched {
		w.armDebounce()
	}
}
