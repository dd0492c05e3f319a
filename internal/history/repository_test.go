package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRecordAndListRecent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, Entry{
		Path: "/docs/a.pdf", Provider: "openai", Model: "gpt-4o-mini",
		Success: true, Pages: 3, ElapsedMS: 1200,
	}))
	require.NoError(t, repo.Record(ctx, Entry{
		Path: "/docs/b.pdf", Provider: "ollama",
		Success: false, Kind: "TIMEOUT", Error: "deadline exceeded",
	}))

	entries, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent first.
	assert.Equal(t, "/docs/b.pdf", entries[0].Path)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "TIMEOUT", entries[0].Kind)

	assert.Equal(t, "/docs/a.pdf", entries[1].Path)
	assert.True(t, entries[1].Success)
	assert.Equal(t, 3, entries[1].Pages)
	assert.EqualValues(t, 1200, entries[1].ElapsedMS)
	assert.False(t, entries[1].CreatedAt.IsZero())
}

func TestListRecentLimit(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Record(ctx, Entry{Path: "/docs/x.pdf", Provider: "openai", Success: true}))
	}
	entries, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
