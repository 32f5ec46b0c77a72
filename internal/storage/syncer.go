package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Collection is an in-memory record set that is persisted as a whole.
type Collection interface {
	// Name identifies the collection and its snapshot file
	Name() string

	// Save writes a full snapshot of the collection to path
	Save(path string) error

	// Load replaces the collection with the snapshot at path. A missing
	// snapshot must leave the collection empty and return ErrNoSnapshot.
	Load(path string) error

	// Changes returns the change tracker of the collection
	Changes() *Tracker
}

// Tracker counts mutations since the last successful save
type Tracker struct {
	pending atomic.Int64
	total   atomic.Int64
}

// Mark records one mutation
func (t *Tracker) Mark() {
	t.pending.Add(1)
	t.total.Add(1)
}

// Pending returns the number of mutations since the last save
func (t *Tracker) Pending() int64 {
	return t.pending.Load()
}

// Total returns the number of mutations since startup
func (t *Tracker) Total() int64 {
	return t.total.Load()
}

// settle forgets n pending changes; changes made while saving stay pending.
func (t *Tracker) settle(n int64) {
	t.pending.Add(-n)
}

// Threshold triggers a save once at least MinElapsed has passed since the
// last save and at least MinChanges mutations are pending.
type Threshold struct {
	MinElapsed time.Duration
	MinChanges int64
}

// SyncPolicy is evaluated in order; the first satisfied threshold wins.
type SyncPolicy []Threshold

// PolicyFromPairs builds a policy from [seconds, changes] pairs
func PolicyFromPairs(pairs [][]int64) (SyncPolicy, error) {
	policy := make(SyncPolicy, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("sync threshold %d: expected [seconds, changes], got %v", i, p)
		}
		policy = append(policy, Threshold{
			MinElapsed: time.Duration(p[0]) * time.Second,
			MinChanges: p[1],
		})
	}
	return policy, nil
}

// Due reports whether a collection should be saved
func (p SyncPolicy) Due(elapsed time.Duration, changes int64) bool {
	for _, th := range p {
		if changes >= th.MinChanges && elapsed >= th.MinElapsed {
			return true
		}
	}
	return false
}

// SyncObserver is notified about snapshot writes
type SyncObserver interface {
	SnapshotSaved(collection string, duration time.Duration)
	SnapshotFailed(collection string)
}

type tracked struct {
	col      Collection
	lastSync time.Time
}

// Syncer periodically persists collections according to a SyncPolicy
type Syncer struct {
	dir      string
	policy   SyncPolicy
	interval time.Duration
	logger   *slog.Logger
	observer SyncObserver

	mu   sync.Mutex
	cols []*tracked
}

// NewSyncer creates a syncer writing snapshots into dir
func NewSyncer(dir string, policy SyncPolicy, interval time.Duration, logger *slog.Logger, cols ...Collection) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Syncer{
		dir:      dir,
		policy:   policy,
		interval: interval,
		logger:   logger.With("component", "storage-sync"),
	}
	now := time.Now()
	for _, c := range cols {
		s.cols = append(s.cols, &tracked{col: c, lastSync: now})
	}
	return s
}

// SetObserver installs an observer for snapshot writes
func (s *Syncer) SetObserver(o SyncObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Path returns the snapshot file of a collection
func (s *Syncer) Path(c Collection) string {
	return filepath.Join(s.dir, c.Name()+".db")
}

// LoadAll loads every collection from its snapshot. Missing snapshots are
// not an error.
func (s *Syncer) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.cols {
		path := s.Path(t.col)
		if err := t.col.Load(path); err != nil {
			if errors.Is(err, ErrNoSnapshot) {
				s.logger.Info("no snapshot, starting empty", "collection", t.col.Name())
				continue
			}
			return fmt.Errorf("failed to load %s: %w", t.col.Name(), err)
		}
		s.logger.Info("snapshot loaded", "collection", t.col.Name(), "path", path)
	}
	return nil
}

// Tick saves every collection whose threshold is satisfied at now
func (s *Syncer) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.cols {
		changes := t.col.Changes().Pending()
		if !s.policy.Due(now.Sub(t.lastSync), changes) {
			continue
		}
		if err := s.save(t, changes); err != nil {
			s.logger.Error("snapshot save failed", "collection", t.col.Name(), "error", err)
			continue
		}
		t.lastSync = now
	}
}

// FlushAll saves every collection unconditionally
func (s *Syncer) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	now := time.Now()
	for _, t := range s.cols {
		if err := s.save(t, t.col.Changes().Pending()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.col.Name(), err))
			continue
		}
		t.lastSync = now
	}
	return errors.Join(errs...)
}

func (s *Syncer) save(t *tracked, changes int64) error {
	start := time.Now()
	err := t.col.Save(s.Path(t.col))
	if err != nil {
		if s.observer != nil {
			s.observer.SnapshotFailed(t.col.Name())
		}
		return err
	}

	t.col.Changes().settle(changes)
	if s.observer != nil {
		s.observer.SnapshotSaved(t.col.Name(), time.Since(start))
	}
	s.logger.Debug("snapshot saved",
		"collection", t.col.Name(),
		"changes", changes,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Run ticks until ctx is cancelled. It does not flush on exit; callers
// invoke FlushAll once writers have stopped.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
