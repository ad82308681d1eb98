package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Get(ctx, "jdoe")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Record(ctx, Entry{Username: "jdoe", SyncedAt: now}))
	require.NoError(t, store.Record(ctx, Entry{Username: "asmith", SyncedAt: now, Error: "sync asmith: groups.invite: boom"}))

	entry, err := store.Get(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, entry.OK())
	assert.True(t, entry.SyncedAt.Equal(now))

	require.NoError(t, store.Record(ctx, Entry{Username: "jdoe", SyncedAt: now.Add(time.Minute)}))
	entry, err = store.Get(ctx, "jdoe")
	require.NoError(t, err)
	assert.True(t, entry.SyncedAt.Equal(now.Add(time.Minute)))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "asmith", entries[0].Username)
	assert.False(t, entries[0].OK())
	assert.Equal(t, "jdoe", entries[1].Username)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := OpenBolt(path)
	require.NoError(t, err)
	testStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, Entry{Username: "jdoe", SyncedAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Record(ctx, Entry{Username: "failed", SyncedAt: now.Add(-time.Minute), Error: "boom"}))

	tests := []struct {
		username string
		maxAge   time.Duration
		want     bool
	}{
		{"jdoe", 5 * time.Minute, true},
		{"jdoe", 30 * time.Second, false},
		{"jdoe", 0, false},
		{"failed", 5 * time.Minute, false},
		{"unknown", 5 * time.Minute, false},
	}
	for _, tt := range tests {
		fresh, err := Fresh(ctx, store, tt.username, tt.maxAge, now)
		require.NoError(t, err)
		assert.Equal(t, tt.want, fresh, "%s within %s", tt.username, tt.maxAge)
	}
}
