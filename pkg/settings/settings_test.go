package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Defaults(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	assert.True(t, s.VectorDBEnabled())
	assert.True(t, s.VectorAutoSyncEnabled())
	assert.True(t, s.HybridSearchEnabled())
	assert.Equal(t, EmbeddingProviderRemote, s.EmbeddingProvider())
	assert.Equal(t, DefaultChunkSize, s.ChunkSize())
	assert.Equal(t, int64(DefaultMaxFileSizeBytes), s.MaxFileSizeBytes())
}

func TestStatic_IntervalFloor(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	s.SyncIntervalMin = 1
	assert.Equal(t, time.Duration(MinSyncIntervalMinutes)*time.Minute, s.VectorSyncInterval())
}

func TestFileStore_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	assert.True(t, fs.VectorDBEnabled())
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	fs.Update(func(s *Static) {
		s.VectorDB = false
		s.Provider = EmbeddingProviderLocal
		s.SyncIntervalMin = 30
	})
	require.NoError(t, fs.Save())

	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	assert.False(t, reloaded.VectorDBEnabled())
	assert.Equal(t, EmbeddingProviderLocal, reloaded.EmbeddingProvider())
	assert.Equal(t, 30*time.Minute, reloaded.VectorSyncInterval())
}

func TestFileStore_ParseError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vector_db_enabled: [unclosed"), 0o600))

	_, err := NewFileStore(path)
	assert.Error(t, err)
}
