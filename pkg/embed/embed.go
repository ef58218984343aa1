// Package embed wraps an embedding provider with batching, bounded
// concurrency, and unit-length normalization.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Batch sizes per provider locality. Local (on-device) models choke on
// large batches; remote APIs amortize better with bigger ones.
const (
	LocalBatchSize  = 16
	RemoteBatchSize = 64
)

// Provider is the embedding capability consumed by the engine.
type Provider interface {
	// EmbedMany embeds the given texts in order. The returned slice has one
	// vector per input.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// ID identifies the model, e.g. "openai/text-embedding-3-small".
	ID() string
	// IsLocal reports whether the model runs on-device.
	IsLocal() bool
}

// Embedder batches provider calls and normalizes every vector to unit
// length.
type Embedder struct {
	provider       Provider
	batchSize      int
	maxConcurrency int
	usageHandler   func(texts int)
}

// Option is a functional option for configuring the Embedder.
type Option func(*Embedder)

// WithBatchSize overrides the locality-derived batch size.
func WithBatchSize(size int) Option {
	return func(e *Embedder) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithMaxConcurrency sets the maximum concurrent batch requests (default 5).
func WithMaxConcurrency(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithUsageHandler sets a callback invoked after each batch with the number
// of texts embedded.
func WithUsageHandler(h func(texts int)) Option {
	return func(e *Embedder) {
		e.usageHandler = h
	}
}

// New creates an embedder for the provider. Batch size defaults to the
// provider's locality.
func New(p Provider, opts ...Option) *Embedder {
	e := &Embedder{
		provider:       p,
		batchSize:      RemoteBatchSize,
		maxConcurrency: 5,
	}
	if p.IsLocal() {
		e.batchSize = LocalBatchSize
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the underlying provider's model identifier.
func (e *Embedder) ID() string { return e.provider.ID() }

// IsLocal reports whether the underlying provider runs on-device.
func (e *Embedder) IsLocal() bool { return e.provider.IsLocal() }

// Embed embeds a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in provider-sized batches with bounded
// concurrency. Every returned vector is normalized to unit length.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	embeddings := make([][]float32, len(texts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)

	total := len(texts)
	for start := 0; start < total; start += e.batchSize {
		end := min(start+e.batchSize, total)

		g.Go(func() error {
			batch := texts[start:end]
			result, err := e.provider.EmbedMany(gctx, batch)
			if err != nil {
				return fmt.Errorf("embedding batch [%d:%d] failed: %w", start, end, err)
			}
			if len(result) != len(batch) {
				return fmt.Errorf("embedding count mismatch: got %d for %d texts", len(result), len(batch))
			}

			for i := range result {
				Normalize(result[i])
			}

			mu.Lock()
			copy(embeddings[start:end], result)
			mu.Unlock()

			if e.usageHandler != nil {
				e.usageHandler(len(batch))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("Batch embedding completed",
		"provider", e.provider.ID(),
		"texts", total,
		"batch_size", e.batchSize)

	return embeddings, nil
}

// Normalize scales vec to unit length in place. The zero vector is left
// untouched.
func Normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
