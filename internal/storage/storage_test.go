package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/maildispatch/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSequence(t *testing.T) {
	s := NewSequence()
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())

	s.Observe(10)
	assert.Equal(t, int64(11), s.Next())

	s.Observe(3)
	assert.Equal(t, int64(12), s.Next(), "observing a smaller id never rewinds")

	s.Restore(100)
	assert.Equal(t, int64(100), s.Peek())

	s.Rebase(50)
	assert.Equal(t, int64(100), s.Next())
	s.Rebase(500)
	assert.Equal(t, int64(501), s.Next())
}

func TestSequenceConcurrent(t *testing.T) {
	s := NewSequence()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := s.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "groups.db")

	type rec struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	in := []rec{{1, "a"}, {2, "b"}}
	require.NoError(t, WriteSnapshot(path, 3, in))

	var out []rec
	next, err := ReadSnapshot(path, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
	assert.Equal(t, in, out)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadSnapshotMissing(t *testing.T) {
	var out []int
	_, err := ReadSnapshot(filepath.Join(t.TempDir(), "none.db"), &out)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestReadSnapshotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var out []int
	_, err := ReadSnapshot(path, &out)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoSnapshot))
}

func TestPolicy(t *testing.T) {
	policy, err := PolicyFromPairs([][]int64{{900, 1}, {300, 10}, {60, 10000}})
	require.NoError(t, err)

	assert.False(t, policy.Due(time.Hour, 0), "nothing to save")
	assert.True(t, policy.Due(901*time.Second, 1))
	assert.False(t, policy.Due(299*time.Second, 10))
	assert.True(t, policy.Due(300*time.Second, 10))
	assert.True(t, policy.Due(60*time.Second, 10000))
	assert.False(t, policy.Due(59*time.Second, 1000000))

	_, err = PolicyFromPairs([][]int64{{1, 2, 3}})
	assert.Error(t, err)
}

type fakeCollection struct {
	name    string
	tracker Tracker
	saves   int
	fail    bool
	loaded  bool
}

func (f *fakeCollection) Name() string      { return f.name }
func (f *fakeCollection) Changes() *Tracker { return &f.tracker }

func (f *fakeCollection) Save(path string) error {
	if f.fail {
		return errors.New("disk full")
	}
	f.saves++
	return WriteSnapshot(path, 1, []int{f.saves})
}

func (f *fakeCollection) Load(path string) error {
	var recs []int
	if _, err := ReadSnapshot(path, &recs); err != nil {
		return err
	}
	f.loaded = true
	return nil
}

type countingObserver struct {
	saved, failed int
}

func (o *countingObserver) SnapshotSaved(string, time.Duration) { o.saved++ }
func (o *countingObserver) SnapshotFailed(string)               { o.failed++ }

func TestSyncerTick(t *testing.T) {
	dir := t.TempDir()
	busy := &fakeCollection{name: "tos"}
	idle := &fakeCollection{name: "groups"}
	broken := &fakeCollection{name: "messages", fail: true}

	s := NewSyncer(dir, SyncPolicy{{MinElapsed: time.Minute, MinChanges: 1}}, time.Minute, testLogger(), busy, idle, broken)
	obs := &countingObserver{}
	s.SetObserver(obs)

	busy.tracker.Mark()
	broken.tracker.Mark()

	// too early
	s.Tick(time.Now())
	assert.Equal(t, 0, busy.saves)

	later := time.Now().Add(2 * time.Minute)
	s.Tick(later)
	assert.Equal(t, 1, busy.saves)
	assert.Equal(t, 0, idle.saves)
	assert.Equal(t, int64(0), busy.tracker.Pending())
	assert.Equal(t, int64(1), busy.tracker.Total())
	assert.Equal(t, int64(1), broken.tracker.Pending(), "failed save keeps pending changes")
	assert.Equal(t, 1, obs.saved)
	assert.Equal(t, 1, obs.failed)

	// just saved; needs another full interval
	busy.tracker.Mark()
	s.Tick(later.Add(time.Second))
	assert.Equal(t, 1, busy.saves)

	assert.FileExists(t, filepath.Join(dir, "tos.db"))
	assert.NoFileExists(t, filepath.Join(dir, "groups.db"))
}

func TestSyncerFlushAndLoad(t *testing.T) {
	dir := t.TempDir()
	a := &fakeCollection{name: "a"}
	b := &fakeCollection{name: "b"}

	s := NewSyncer(dir, nil, 0, testLogger(), a, b)
	require.NoError(t, s.LoadAll(), "missing snapshots are fine")
	assert.False(t, a.loaded)

	require.NoError(t, s.FlushAll())
	assert.Equal(t, 1, a.saves)
	assert.Equal(t, 1, b.saves)

	a2 := &fakeCollection{name: "a"}
	require.NoError(t, NewSyncer(dir, nil, 0, testLogger(), a2).LoadAll())
	assert.True(t, a2.loaded)

	b.fail = true
	assert.Error(t, s.FlushAll())
}

func TestSyncerRunStops(t *testing.T) {
	s := NewSyncer(t.TempDir(), nil, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
}

func TestBodyStorePath(t *testing.T) {
	b := NewBodyStore("/data", nil, 0, testLogger())

	assert.Equal(t, filepath.Join("/data", "bodies", "1", "1", "m_1_t"), b.Path(1, PartText))
	assert.Equal(t, filepath.Join("/data", "bodies", "1", "1", "m_1000_h"), b.Path(1000, PartHTML))
	assert.Equal(t, filepath.Join("/data", "bodies", "1", "2", "m_1001_t"), b.Path(1001, PartText))
	assert.Equal(t, filepath.Join("/data", "bodies", "2", "101", "m_100001_t"), b.Path(100001, PartText))
}

func TestBodyStoreWithCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(cache.Config{})
	require.NoError(t, mem.Connect())
	defer mem.Close()

	b := NewBodyStore(t.TempDir(), mem, time.Minute, testLogger())
	require.NoError(t, b.Put(ctx, 7, "plain", "<b>rich</b>"))

	text, html, err := b.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)
	assert.Equal(t, "<b>rich</b>", html)
	assert.Equal(t, 2, mem.Len())

	// cached value survives the file going away
	require.NoError(t, os.Remove(b.Path(7, PartText)))
	text, _, err = b.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "plain", text)

	// rewriting invalidates
	require.NoError(t, b.Put(ctx, 7, "new", ""))
	text, html, err = b.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "new", text)
	assert.Equal(t, "<b>rich</b>", html)

	require.NoError(t, b.Delete(ctx, 7))
	text, html, err = b.Get(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, html)

	assert.Error(t, b.Put(ctx, 0, "x", ""))
}
