package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	batches [][]string
	local   bool
	fail    bool
}

func (f *fakeProvider) ID() string    { return "fake/embedder" }
func (f *fakeProvider) IsLocal() bool { return f.local }

func (f *fakeProvider) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.mu.Unlock()

	if f.fail {
		return nil, errors.New("rate limited")
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{3, 4} // length 5 before normalization
	}
	return out, nil
}

func TestEmbedBatch_Normalizes(t *testing.T) {
	t.Parallel()

	e := New(&fakeProvider{})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestEmbedBatch_LocalBatchSize(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{local: true}
	e := New(p, WithMaxConcurrency(1))

	texts := make([]string, LocalBatchSize+1)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}

	vecs, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vecs, len(texts))

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.batches, 2)
	for _, b := range p.batches {
		assert.LessOrEqual(t, len(b), LocalBatchSize)
	}
}

func TestEmbedBatch_PropagatesErrors(t *testing.T) {
	t.Parallel()

	e := New(&fakeProvider{fail: true})
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestEmbedBatch_Empty(t *testing.T) {
	t.Parallel()

	e := New(&fakeProvider{})
	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestEmbedBatch_UsageHandler(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	total := 0
	e := New(&fakeProvider{}, WithUsageHandler(func(n int) {
		mu.Lock()
		total += n
		mu.Unlock()
	}))

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 3, total)
	mu.Unlock()
}

func TestHashProvider(t *testing.T) {
	t.Parallel()

	p := HashProvider{Dim: 32}
	a, err := p.EmbedMany(context.Background(), []string{"hello world", "hello world"})
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, a[0], a[1])
	assert.Len(t, a[0], 32)
}
