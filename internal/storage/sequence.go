package storage

import "sync/atomic"

// Sequence hands out monotonically increasing ids starting at 1
type Sequence struct {
	next atomic.Int64
}

// NewSequence returns a sequence whose first id is 1
func NewSequence() *Sequence {
	s := &Sequence{}
	s.next.Store(1)
	return s
}

// Next returns a fresh id
func (s *Sequence) Next() int64 {
	return s.next.Add(1) - 1
}

// Peek returns the id the next call to Next will hand out
func (s *Sequence) Peek() int64 {
	return s.next.Load()
}

// Observe bumps the sequence past an externally supplied id so that later
// Next calls never collide with it.
func (s *Sequence) Observe(id int64) {
	s.Restore(id + 1)
}

// Restore raises the next id to at least next. It never moves the
// sequence backwards.
func (s *Sequence) Restore(next int64) {
	for {
		cur := s.next.Load()
		if next <= cur {
			return
		}
		if s.next.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Rebase is used after a load: the next id becomes
// max(maxLoaded, current-1) + 1.
func (s *Sequence) Rebase(maxLoaded int64) {
	s.Observe(maxLoaded)
}
