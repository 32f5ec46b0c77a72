package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/maildispatch/internal/storage"
)

// MessageStore owns message records and their bodies
type MessageStore struct {
	mu      sync.RWMutex
	ids     *storage.Sequence
	data    map[int64]*Message
	bodies  *storage.BodyStore
	changes storage.Tracker
	now     func() time.Time
}

// NewMessageStore creates an empty store. bodies may be nil when message
// bodies are not needed, e.g. in tests.
func NewMessageStore(bodies *storage.BodyStore) *MessageStore {
	return &MessageStore{
		ids:    storage.NewSequence(),
		data:   make(map[int64]*Message),
		bodies: bodies,
		now:    time.Now,
	}
}

// Get returns a copy of a message
func (s *MessageStore) Get(id int64) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Add stores a message and returns its id. A zero id is assigned from the
// sequence; a supplied id replaces any existing record.
func (s *MessageStore) Add(m *Message) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == 0 {
		m.ID = s.ids.Next()
	} else {
		s.ids.Observe(m.ID)
	}
	if m.Time == 0 {
		m.Time = s.now().Unix()
	}

	s.data[m.ID] = m.clone()
	s.changes.Mark()
	return m.ID
}

// Create stores a message together with its bodies
func (s *MessageStore) Create(ctx context.Context, m *Message, text, html string) (int64, error) {
	id := s.Add(m)
	if s.bodies == nil || (text == "" && html == "") {
		return id, nil
	}
	if err := s.bodies.Put(ctx, id, text, html); err != nil {
		s.Delete(ctx, id)
		return 0, fmt.Errorf("failed to store message body: %w", err)
	}
	return id, nil
}

// Delete removes a message and its bodies
func (s *MessageStore) Delete(ctx context.Context, id int64) bool {
	s.mu.Lock()
	_, ok := s.data[id]
	delete(s.data, id)
	if ok {
		s.changes.Mark()
	}
	s.mu.Unlock()

	if ok && s.bodies != nil {
		// orphaned body files are harmless; the error is not surfaced
		_ = s.bodies.Delete(ctx, id)
	}
	return ok
}

// DeleteIdle removes a message only while no entry references it
func (s *MessageStore) DeleteIdle(ctx context.Context, id int64) bool {
	s.mu.Lock()
	m, ok := s.data[id]
	if !ok || m.Tos > 0 {
		s.mu.Unlock()
		return false
	}
	delete(s.data, id)
	s.changes.Mark()
	s.mu.Unlock()

	if s.bodies != nil {
		_ = s.bodies.Delete(ctx, id)
	}
	return true
}

// Body returns the text and html parts of a message
func (s *MessageStore) Body(ctx context.Context, id int64) (text, html string, err error) {
	if s.bodies == nil {
		return "", "", nil
	}
	return s.bodies.Get(ctx, id)
}

// AdjustTos changes the outstanding entry count of a message
func (s *MessageStore) AdjustTos(id int64, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data[id]
	if !ok {
		return false
	}
	m.Tos = max(m.Tos+delta, 0)
	s.changes.Mark()
	return true
}

// Touch records a send attempt at when
func (s *MessageStore) Touch(id int64, when time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.data[id]
	if !ok {
		return false
	}
	last := when.Unix()
	m.Last = &last
	s.changes.Mark()
	return true
}

// Range calls fn with a copy of every message until fn returns false
func (s *MessageStore) Range(fn func(*Message) bool) {
	s.mu.RLock()
	snapshot := make([]*Message, 0, len(s.data))
	for _, m := range s.data {
		snapshot = append(snapshot, m.clone())
	}
	s.mu.RUnlock()

	for _, m := range snapshot {
		if !fn(m) {
			return
		}
	}
}

// Len returns the number of messages
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Name implements storage.Collection
func (s *MessageStore) Name() string { return "messages" }

// Changes implements storage.Collection
func (s *MessageStore) Changes() *storage.Tracker { return &s.changes }

// Save implements storage.Collection
func (s *MessageStore) Save(path string) error {
	s.mu.RLock()
	records := make([]*Message, 0, len(s.data))
	for _, m := range s.data {
		records = append(records, m.clone())
	}
	next := s.ids.Peek()
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return storage.WriteSnapshot(path, next, records)
}

// Load implements storage.Collection
func (s *MessageStore) Load(path string) error {
	var records []*Message
	next, err := storage.ReadSnapshot(path, &records)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[int64]*Message, len(records))
	var maxID int64
	for _, m := range records {
		if m == nil || m.ID == 0 {
			continue
		}
		s.data[m.ID] = m
		maxID = max(maxID, m.ID)
	}
	s.ids.Restore(next)
	s.ids.Rebase(maxID)
	return nil
}
