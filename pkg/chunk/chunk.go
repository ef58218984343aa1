// Package chunk splits document text into the overlapping pieces that get
// embedded. Character mode slices rune windows; token mode slides a
// token window and carries line/offset provenance so retrieval can point
// back at the source region.
package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Chunk is one piece of a document. TokenCount, StartLine, EndLine and
// TokenOffset are only populated in token mode.
type Chunk struct {
	Index       int
	Text        string
	TokenCount  int
	StartLine   int
	EndLine     int
	TokenOffset int
}

// Preset names the built-in chunking configurations.
type Preset string

const (
	PresetBalanced Preset = "balanced"
	PresetSmall    Preset = "small"
	PresetLarge    Preset = "large"
	PresetCustom   Preset = "custom"
)

// Defaults used by the balanced preset and as fallbacks everywhere else.
const (
	DefaultSize    = 1500
	DefaultOverlap = 75

	DefaultWindowTokens = 400
	DefaultStrideTokens = 320

	DefaultMaxChunksPerFile = 256
)

// Config is a resolved chunking configuration.
type Config struct {
	Size             int
	Overlap          int
	MaxChunksPerFile int
}

// Resolve maps a preset plus optional per-folder overrides to a concrete
// configuration. Overlap is clamped to size-1.
func Resolve(preset Preset, sizeOverride, overlapOverride int) Config {
	cfg := Config{Size: DefaultSize, Overlap: DefaultOverlap, MaxChunksPerFile: DefaultMaxChunksPerFile}

	switch preset {
	case PresetSmall:
		cfg.Size, cfg.Overlap = 900, 180
	case PresetLarge:
		cfg.Size, cfg.Overlap = 2200, 300
	case PresetCustom:
		if sizeOverride > 0 {
			cfg.Size = sizeOverride
		}
		if overlapOverride >= 0 {
			cfg.Overlap = overlapOverride
		}
	case PresetBalanced:
	default:
	}

	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size - 1
	}
	return cfg
}

// SplitText splits text into overlapping character chunks. The number of
// chunks is bounded by cfg.MaxChunksPerFile when it is positive.
func SplitText(text string, cfg Config) []Chunk {
	size := cfg.Size
	if size <= 0 {
		size = DefaultSize
	}
	overlap := cfg.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}

	runes := []rune(text)
	totalLen := len(runes)
	if totalLen == 0 {
		return nil
	}

	var chunks []Chunk
	index := 0
	start := 0

	for start < totalLen {
		if cfg.MaxChunksPerFile > 0 && index >= cfg.MaxChunksPerFile {
			break
		}

		end := start + size
		if end > totalLen {
			end = totalLen
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			chunks = append(chunks, Chunk{Index: index, Text: piece})
			index++
		}

		if end >= totalLen {
			break
		}

		// Next chunk starts at the end of the previous one minus overlap.
		// Always make forward progress even for degenerate configs.
		nextStart := end - overlap
		if nextStart <= start {
			nextStart = start + 1
		}
		start = nextStart
	}

	return chunks
}

// TokenConfig configures token-window chunking.
type TokenConfig struct {
	WindowTokens     int
	StrideTokens     int
	MaxChunksPerFile int
}

type token struct {
	text string
	line int // 1-based line the token starts on
}

// SplitTokens slides a window of WindowTokens over the tokenization of the
// text, stepping by StrideTokens. Every chunk records the 1-based start and
// end lines of its tokens and the offset of its first token.
func SplitTokens(text string, cfg TokenConfig) []Chunk {
	window := cfg.WindowTokens
	if window <= 0 {
		window = DefaultWindowTokens
	}
	stride := cfg.StrideTokens
	if stride <= 0 || stride > window {
		stride = window
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var chunks []Chunk
	index := 0

	for offset := 0; offset < len(tokens); offset += stride {
		if cfg.MaxChunksPerFile > 0 && index >= cfg.MaxChunksPerFile {
			break
		}

		end := offset + window
		if end > len(tokens) {
			end = len(tokens)
		}
		slice := tokens[offset:end]

		parts := make([]string, len(slice))
		for i, t := range slice {
			parts[i] = t.text
		}

		chunks = append(chunks, Chunk{
			Index:       index,
			Text:        strings.Join(parts, " "),
			TokenCount:  len(slice),
			StartLine:   slice[0].line,
			EndLine:     slice[len(slice)-1].line,
			TokenOffset: offset,
		})
		index++

		if end >= len(tokens) {
			break
		}
	}

	return chunks
}

// tokenize splits on whitespace, tracking the 1-based line each token
// starts on.
func tokenize(text string) []token {
	var tokens []token
	line := 1
	start := -1
	startLine := 1

	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, token{text: text[start:end], line: startLine})
			start = -1
		}
	}

	for i, r := range text {
		switch r {
		case '\n':
			flush(i)
			line++
		case ' ', '\t', '\r', '\v', '\f':
			flush(i)
		default:
			if start < 0 {
				start = i
				startLine = line
			}
		}
	}
	flush(len(text))

	return tokens
}

// CountTokens returns the token count SplitTokens would see for the text.
func CountTokens(text string) int {
	return len(tokenize(text))
}

// FileMD5 returns the hex MD5 of a file's raw bytes. This is the content
// fingerprint stored in the file ledger.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BytesMD5 returns the hex MD5 of the given bytes.
func BytesMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
