package queue

import (
	"github.com/busybox42/maildispatch/internal/storage"
)

// Store wires the message store, entry queue and group registry together.
// Locks are always taken in the order entries, groups, messages.
type Store struct {
	Messages *MessageStore
	Entries  *EntryQueue
	Groups   *GroupRegistry
}

// NewStore creates the three collections. bodies may be nil.
func NewStore(opts Options, bodies *storage.BodyStore) *Store {
	s := &Store{
		Messages: NewMessageStore(bodies),
		Entries:  NewEntryQueue(opts),
	}
	s.Groups = NewGroupRegistry(s.Entries)
	s.Entries.onDiscard = s.discard
	return s
}

// discard settles the counters of an entry removed without delivery. It
// runs with the entry queue locked.
func (s *Store) discard(e *Entry) {
	if e.Group != nil {
		s.Groups.Adjust(*e.Group, GroupDelta{Wait: -1})
	}
	s.Messages.AdjustTos(e.Message, -1)
}

// Enqueue admits a new entry: it is inserted into the queue and the
// outstanding counters of its message and group are raised.
func (s *Store) Enqueue(e *Entry) (int64, error) {
	if e.Retries < 0 {
		e.Retries = 0
	}
	return s.Entries.insert(e, func(e *Entry) {
		if e.Group != nil {
			s.Groups.Adjust(*e.Group, GroupDelta{All: 1, Wait: 1})
		}
		s.Messages.AdjustTos(e.Message, 1)
	})
}

// Collections returns the persisted collections for a storage.Syncer
func (s *Store) Collections() []storage.Collection {
	return []storage.Collection{s.Messages, s.Entries, s.Groups}
}
