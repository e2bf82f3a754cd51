package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dns/kestrel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadFeedContentRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := []byte("domain:ads.test\nfull:tracker.test\n")
	require.NoError(t, s.SaveFeedContent(ctx, "feed1", content, ""))

	loaded, ok, err := s.LoadFeedContent(ctx, "feed1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, content, loaded)
}

func TestLoadFeedContentMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadFeedContent(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveFeedContentOverwritesPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFeedContent(ctx, "feed1", []byte("v1"), ""))
	require.NoError(t, s.SaveFeedContent(ctx, "feed1", []byte("v2"), ""))

	loaded, ok, err := s.LoadFeedContent(ctx, "feed1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), loaded)
}

func TestHealthReportsConnectivity(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Health(context.Background()))
}
