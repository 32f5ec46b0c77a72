package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/maildispatch/internal/storage"
)

// GroupRegistry owns group records. Status changes are applied to the
// entry queue before they become visible.
type GroupRegistry struct {
	mu      sync.RWMutex
	ids     *storage.Sequence
	data    map[int64]*Group
	queue   *EntryQueue
	changes storage.Tracker
	now     func() time.Time
}

// NewGroupRegistry creates a registry bound to queue. The queue resolves
// group status through the registry from then on.
func NewGroupRegistry(queue *EntryQueue) *GroupRegistry {
	r := &GroupRegistry{
		ids:   storage.NewSequence(),
		data:  make(map[int64]*Group),
		queue: queue,
		now:   time.Now,
	}
	queue.mu.Lock()
	queue.status = r.Status
	queue.mu.Unlock()
	return r
}

// Get returns a copy of a group
func (r *GroupRegistry) Get(id int64) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.data[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Status returns the status of a group
func (r *GroupRegistry) Status(id int64) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.data[id]
	if !ok {
		return "", false
	}
	return g.Status, true
}

// Add stores a group and returns its id. A zero id is assigned from the
// sequence; an empty status defaults to active.
func (r *GroupRegistry) Add(g *Group) (int64, error) {
	if g.Status == "" {
		g.Status = StatusActive
	}
	if _, err := ParseStatus(string(g.Status)); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g.ID == 0 {
		g.ID = r.ids.Next()
	} else {
		r.ids.Observe(g.ID)
	}
	if g.Time == 0 {
		g.Time = r.now().Unix()
	}

	c := *g
	r.data[g.ID] = &c
	r.changes.Mark()
	return g.ID, nil
}

// Ensure returns the group with id, creating an active one if needed
func (r *GroupRegistry) Ensure(id int64) (Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.data[id]; ok {
		return *g, false
	}

	g := &Group{ID: id, Status: StatusActive, Time: r.now().Unix()}
	r.ids.Observe(id)
	r.data[id] = g
	r.changes.Mark()
	return *g, true
}

// Adjust applies a counter delta; counters never drop below zero
func (r *GroupRegistry) Adjust(id int64, d GroupDelta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.data[id]
	if !ok {
		return false
	}
	g.All = max(g.All+d.All, 0)
	g.Wait = max(g.Wait+d.Wait, 0)
	g.Sending = max(g.Sending+d.Sending, 0)
	g.Sent = max(g.Sent+d.Sent, 0)
	g.Errors = max(g.Errors+d.Errors, 0)
	r.changes.Mark()
	return true
}

// SetStatus changes the status of a group. The entry queue stays locked
// from the reprioritization until the new status is committed, so no
// entry is ever routed with a status that does not match its priority.
// Setting the current status is a no-op.
func (r *GroupRegistry) SetStatus(id int64, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	r.queue.mu.Lock()
	defer r.queue.mu.Unlock()

	current, ok := r.Status(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	if current == status {
		return nil
	}

	removed := r.queue.reprioritizeLocked(id, status)
	for _, e := range removed {
		if r.queue.onDiscard != nil {
			r.queue.onDiscard(e)
		}
	}

	r.mu.Lock()
	if g, ok := r.data[id]; ok {
		g.Status = status
	}
	r.changes.Mark()
	r.mu.Unlock()
	return nil
}

// All returns copies of every group ordered by id
func (r *GroupRegistry) All() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.data))
	for _, g := range r.data {
		out = append(out, *g)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Name implements storage.Collection
func (r *GroupRegistry) Name() string { return "groups" }

// Changes implements storage.Collection
func (r *GroupRegistry) Changes() *storage.Tracker { return &r.changes }

// Save implements storage.Collection
func (r *GroupRegistry) Save(path string) error {
	groups := r.All()
	return storage.WriteSnapshot(path, r.ids.Peek(), groups)
}

// Load implements storage.Collection
func (r *GroupRegistry) Load(path string) error {
	var records []Group
	next, err := storage.ReadSnapshot(path, &records)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = make(map[int64]*Group, len(records))
	var maxID int64
	for i := range records {
		g := records[i]
		if g.ID == 0 {
			continue
		}
		if g.Status == "" {
			g.Status = StatusActive
		}
		r.data[g.ID] = &g
		maxID = max(maxID, g.ID)
	}
	r.ids.Restore(next)
	r.ids.Rebase(maxID)
	return nil
}
