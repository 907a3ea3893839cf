// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexmon/signage-player-go/internal/model"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses []any // json.RawMessage or error, consumed in order; last repeats
	calls     int
}

func (f *fakeFetcher) push(r any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, r)
}

func (f *fakeFetcher) GetRaw(ctx context.Context, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return nil, &playererr.NetworkError{Op: "GET", URL: path}
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	switch v := r.(type) {
	case error:
		return nil, v
	case json.RawMessage:
		return v, nil
	case string:
		return json.RawMessage(v), nil
	default:
		panic("bad response")
	}
}

// fakeCache is an in-memory MediaCache with scriptable Add failures.
type fakeCache struct {
	mu     sync.Mutex
	stored map[string]string
	addErr map[string]error // keyed by mediaID; consumed once
	adds   []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{stored: map[string]string{}, addErr: map[string]error{}}
}

func (c *fakeCache) Add(ctx context.Context, mediaID, url, sha string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adds = append(c.adds, mediaID)
	if err, ok := c.addErr[mediaID]; ok {
		delete(c.addErr, mediaID)
		return "", err
	}
	path := "/cache/media/" + mediaID
	c.stored[mediaID] = path
	return path, nil
}

func (c *fakeCache) Prefetch(ctx context.Context, items []model.TimelineItem) error {
	for _, item := range items {
		if item.MediaID == "" || item.RemoteURL == "" {
			continue
		}
		if _, err := c.Add(ctx, item.MediaID, item.RemoteURL, item.SHA256); err != nil {
			if playererr.IsURLExpired(err) {
				return err
			}
		}
	}
	return nil
}

func (c *fakeCache) Get(mediaID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.stored[mediaID]
	return p, ok
}

type staticIdentity string

func (s staticIdentity) DeviceID() string { return string(s) }

func collectPlaylists(m *Manager) *[]model.PlaybackPlaylist {
	var mu sync.Mutex
	out := &[]model.PlaybackPlaylist{}
	m.PlaylistUpdated.Subscribe(func(p model.PlaybackPlaylist) {
		mu.Lock()
		defer mu.Unlock()
		*out = append(*out, p)
	})
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

const twoItemSnapshot = `{
	"schedule": {
		"id": "s1",
		"items": [
			{"id": "i1", "media_id": "m1", "media_url": "https://u/1.png", "display_ms": 5000},
			{"id": "i2", "media_id": "m2", "media_url": "https://u/2.mp4"}
		]
	}
}`

func TestRefreshEmitsNormalPlaylist(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot)
	cache := newFakeCache()

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeNormal, p.Mode)
	require.Len(t, p.Items, 2)
	require.Equal(t, "s1", p.ScheduleID)
	require.Equal(t, 10000, p.Items[1].DisplayMs)
	require.Equal(t, model.MediaVideo, p.Items[1].Type)
	for _, item := range p.Items {
		require.NotEmpty(t, item.LocalPath, "playlist item %s missing local media", item.ID)
	}
}

func TestRefreshPersistsRawSnapshot(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot)

	m := NewManager(fetcher, newFakeCache(), staticIdentity("dev-1"), dir)
	require.NoError(t, m.Refresh(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, LastSnapshotFile))
	require.NoError(t, err)
	require.JSONEq(t, twoItemSnapshot, string(data))
}

func TestEmergencyOverride(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(`{
		"emergency": {"active": true, "media_id": "em1", "media_url": "https://u/e.mp4"},
		"schedule": {"id": "s1", "items": [
			{"id": "i1", "media_id": "m1", "media_url": "https://u/1.png"}
		]}
	}`)
	cache := newFakeCache()

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeEmergency, p.Mode)
	require.Len(t, p.Items, 1)
	require.Equal(t, "em1", p.Items[0].MediaID)
}

func TestSnapshot404FallsBackOffline(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot)
	fetcher.push(&playererr.NotFoundError{URL: "/snapshot"})
	cache := newFakeCache()

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 2 })

	require.Equal(t, model.ModeNormal, (*playlists)[0].Mode)
	offline := (*playlists)[1]
	require.Equal(t, model.ModeOffline, offline.Mode)
	require.Len(t, offline.Items, 2, "offline playlist keeps cached items")
}

func TestSnapshot404WithoutHistoryIsEmpty(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(&playererr.NotFoundError{URL: "/snapshot"})

	m := NewManager(fetcher, newFakeCache(), staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeEmpty, p.Mode)
	require.Empty(t, p.Items)
}

func TestURLExpiredTriggersExactlyOneRefetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot) // first fetch: stale URLs
	fetcher.push(twoItemSnapshot) // refetched with fresh URLs
	cache := newFakeCache()
	cache.addErr["m1"] = &playererr.AuthError{StatusCode: 403, URL: "https://u/1.png", Reason: playererr.ReasonURLExpired}

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) >= 1 })

	require.Equal(t, 2, fetcher.calls, "expected exactly one refetch")
	p := (*playlists)[len(*playlists)-1]
	require.Equal(t, model.ModeNormal, p.Mode)
}

func TestURLExpiredTwiceInCycleDoesNotLoop(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot)
	fetcher.push(twoItemSnapshot)
	cache := newFakeCache()
	expired := &playererr.AuthError{StatusCode: 403, URL: "https://u/1.png", Reason: playererr.ReasonURLExpired}
	cache.addErr["m1"] = expired
	cache.addErr["m2"] = expired // second fetch also hits an expiry

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())

	err := m.Refresh(context.Background())
	require.Error(t, err, "second expiry in one cycle surfaces")
	require.Equal(t, 2, fetcher.calls, "no third fetch in the same cycle")
}

func TestUnpairedDeviceSkipsPolling(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := NewManager(fetcher, newFakeCache(), staticIdentity(""), t.TempDir())

	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, 0, fetcher.calls)
}

func TestRestoreFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LastSnapshotFile), []byte(twoItemSnapshot), 0600))

	cache := newFakeCache()
	cache.stored["m1"] = "/cache/media/m1"
	cache.stored["m2"] = "/cache/media/m2"

	m := NewManager(&fakeFetcher{}, cache, staticIdentity("dev-1"), dir)
	playlists := collectPlaylists(m)

	m.RestoreFromDisk()
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeOffline, p.Mode)
	require.Len(t, p.Items, 2)
}

func TestDroppedItemsWithoutCachedMedia(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(twoItemSnapshot)
	cache := newFakeCache()
	cache.addErr["m2"] = &playererr.NetworkError{Op: "GET", URL: "https://u/2.mp4"}

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeNormal, p.Mode)
	require.Len(t, p.Items, 1)
	require.Equal(t, "m1", p.Items[0].MediaID)
}

func TestDefaultItemUsedWhenScheduleEmpty(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.push(`{
		"schedule": {"id": "s1", "items": []},
		"default": {"media_id": "dm1", "media_url": "https://u/d.png"}
	}`)
	cache := newFakeCache()

	m := NewManager(fetcher, cache, staticIdentity("dev-1"), t.TempDir())
	playlists := collectPlaylists(m)

	require.NoError(t, m.Refresh(context.Background()))
	waitFor(t, func() bool { return len(*playlists) == 1 })

	p := (*playlists)[0]
	require.Equal(t, model.ModeDefault, p.Mode)
	require.Len(t, p.Items, 1)
	require.Equal(t, "dm1", p.Items[0].MediaID)
}
