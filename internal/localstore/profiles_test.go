package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/profilesync/internal/payload"
)

func newTestProfiles(store payload.LocalStore) (*Profiles, *time.Time) {
	p := NewProfiles(store)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	p.now = func() time.Time { return now }
	p.newID = func() string {
		seq++
		return fmt.Sprintf("p%d", seq)
	}
	return p, &now
}

func TestProfilesAddRenameDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	profiles, now := newTestProfiles(store)

	first, err := profiles.Add(ctx, " Default ")
	require.NoError(t, err)
	assert.Equal(t, payload.Profile{ID: "p1", Name: "Default"}, first)
	second, err := profiles.Add(ctx, "Default")
	require.NoError(t, err)
	assert.Equal(t, "Default (2)", second.Name)

	list, active, err := profiles.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "p1", active)

	*now = now.Add(time.Hour)
	renamed, err := profiles.Rename(ctx, "p2", "Work")
	require.NoError(t, err)
	assert.Equal(t, "Work", renamed.Name)
	data, err := store.ProfileData(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "2024-04-01T10:00:00.000Z", data.LastModified)

	_, err = profiles.Rename(ctx, "p2", "Default")
	require.NoError(t, err)
	list, _, err = profiles.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Default (2)", list[1].Name)

	_, err = profiles.Rename(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = profiles.Add(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, profiles.Delete(ctx, "p1"))
	list, active, err = profiles.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []payload.Profile{{ID: "p2", Name: "Default (2)"}}, list)
	assert.Equal(t, "p2", active)
	gone, err := store.ProfileData(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorIs(t, profiles.Delete(ctx, "p2"), ErrLastProfile)
	assert.ErrorIs(t, profiles.Delete(ctx, "p1"), ErrNotFound)
}

func TestProfilesSetActive(t *testing.T) {
	ctx := context.Background()
	profiles, _ := newTestProfiles(NewMemoryStore())
	_, err := profiles.Add(ctx, "Default")
	require.NoError(t, err)
	_, err = profiles.Add(ctx, "Work")
	require.NoError(t, err)

	require.NoError(t, profiles.SetActive(ctx, "p2"))
	_, active, err := profiles.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", active)
	assert.ErrorIs(t, profiles.SetActive(ctx, "p9"), ErrNotFound)
}

func TestWatcherReportsForeignWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mine, err := OpenFileStore(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)

	var mu sync.Mutex
	var changed []string
	watcher, err := NewWatcher(mine, WatcherOptions{OnChange: func(path string) {
		mu.Lock()
		defer mu.Unlock()
		changed = append(changed, filepath.Base(path))
	}})
	require.NoError(t, err)
	defer watcher.Close()
	go func() { _ = watcher.Run(ctx) }()

	require.NoError(t, mine.SetProfiles(ctx, []payload.Profile{{ID: "a", Name: "Mine"}}))

	theirs, err := OpenFileStore(mine.Root())
	require.NoError(t, err)
	require.NoError(t, theirs.SetProfileData(ctx, "b", payload.DefaultProfileData(time.Now())))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, name := range changed {
			if name == "b.json" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, changed, indexFileName)
}

func TestNewWatcherValidates(t *testing.T) {
	_, err := NewWatcher(nil, WatcherOptions{OnChange: func(string) {}})
	assert.ErrorIs(t, err, ErrInvalidInput)
	store, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = NewWatcher(store, WatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
