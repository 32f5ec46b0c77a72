package queue

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/maildispatch/internal/storage"
)

// RotateBatch bounds how many delayed entries one RotateDelayed call moves
const RotateBatch = 10000

// Options configures the priority banding of the entry queue
type Options struct {
	// MaxPriority is the highest priority Pop will hand out
	MaxPriority int
	// PauseOffset is added to the priority of a paused group's entries. It
	// must be greater than MaxPriority.
	PauseOffset int
}

// DefaultOptions returns the stock priority banding
func DefaultOptions() Options {
	return Options{MaxPriority: 1000, PauseOffset: 1000000}
}

// statusLookup resolves the current status of a group
type statusLookup func(id int64) (Status, bool)

// EntryQueue holds pending entries in three tiers: a FIFO for entries
// without priority, a min-heap on effective priority, and a min-heap on
// activation time for delayed entries. Each live entry sits in exactly
// one tier.
type EntryQueue struct {
	mu    sync.Mutex
	opts  Options
	ids   *storage.Sequence
	order uint64

	fifo    fifo
	prio    itemHeap
	delayed itemHeap

	status    statusLookup
	onDiscard func(*Entry)
	changes   storage.Tracker
	now       func() time.Time
}

// NewEntryQueue creates an empty queue. Group status is treated as active
// until the queue is attached to a GroupRegistry.
func NewEntryQueue(opts Options) *EntryQueue {
	return &EntryQueue{
		opts: opts,
		ids:  storage.NewSequence(),
		now:  time.Now,
	}
}

// groupStatus must be called with q.mu held
func (q *EntryQueue) groupStatus(e *Entry) Status {
	if e.Group == nil || q.status == nil {
		return StatusActive
	}
	if st, ok := q.status(*e.Group); ok {
		return st
	}
	return StatusActive
}

func (q *EntryQueue) nextSeq() uint64 {
	q.order++
	return q.order
}

// Insert places an entry into its tier and returns its id. Entries
// without an id get a fresh one; supplied ids advance the id sequence.
func (q *EntryQueue) Insert(e *Entry) (int64, error) {
	return q.insert(e, nil)
}

func (q *EntryQueue) insert(e *Entry, admitted func(*Entry)) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := q.groupStatus(e)
	if status == StatusInactive {
		return 0, fmt.Errorf("%w: %d", ErrGroupInactive, e.GroupID())
	}

	if e.ID == 0 {
		e.ID = q.ids.Next()
	} else {
		q.ids.Observe(e.ID)
	}
	now := q.now()
	if e.Time == 0 {
		e.Time = now.Unix()
	}

	it := &item{Seq: q.nextSeq(), Entry: e}
	if e.After != nil && *e.After > now.Unix() {
		it.Key = *e.After
		heap.Push(&q.delayed, it)
	} else {
		q.place(it, status)
	}

	if admitted != nil {
		admitted(e)
	}
	q.changes.Mark()
	return e.ID, nil
}

// place routes a non-delayed item by its effective priority
func (q *EntryQueue) place(it *item, status Status) {
	key := int64(it.Entry.Priority)
	if status == StatusPaused {
		key += int64(q.opts.PauseOffset)
	}
	if key > 0 {
		it.Key = key
		heap.Push(&q.prio, it)
		return
	}
	it.Key = 0
	q.fifo.push(it)
}

// Pop removes and returns the next deliverable entry. The priority tier
// wins over the FIFO tier when its head is within MaxPriority.
func (q *EntryQueue) Pop() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it *item
	if q.prio.Len() > 0 && q.prio[0].Key <= int64(q.opts.MaxPriority) {
		it = heap.Pop(&q.prio).(*item)
	} else if q.fifo.Len() > 0 {
		it = q.fifo.pop()
	}
	if it == nil {
		return nil, false
	}

	q.changes.Mark()
	return it.Entry, true
}

// RotateDelayed moves delayed entries whose activation time has passed
// into the live tiers, re-checking their group status. It moves at most
// RotateBatch entries and returns how many left the delay tier.
func (q *EntryQueue) RotateDelayed(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Unix()
	rotated := 0
	for rotated < RotateBatch && q.delayed.Len() > 0 {
		head := q.delayed[0]
		if head.Key > cutoff {
			break
		}

		it := heap.Pop(&q.delayed).(*item)
		if it != head {
			heap.Push(&q.delayed, it)
			break
		}
		rotated++
		q.changes.Mark()

		status := q.groupStatus(it.Entry)
		if status == StatusInactive {
			if q.onDiscard != nil {
				q.onDiscard(it.Entry)
			}
			continue
		}
		// the FIFO stays ordered by seq, so a rotated entry takes a fresh one
		it.Seq = q.nextSeq()
		q.place(it, status)
	}
	return rotated
}

// ReprioritizeForGroup applies a group status change to the entries of the
// group in the priority and FIFO tiers and returns the entries removed by
// a change to inactive. Delayed entries are handled when they rotate.
func (q *EntryQueue) ReprioritizeForGroup(groupID int64, status Status) ([]*Entry, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reprioritizeLocked(groupID, status), nil
}

// reprioritizeLocked partitions both tiers in one pass and swaps in the
// rebuilt tiers. The heap is never mutated while being walked.
func (q *EntryQueue) reprioritizeLocked(groupID int64, status Status) []*Entry {
	maxPrio := int64(q.opts.MaxPriority)
	offset := int64(q.opts.PauseOffset)

	var (
		keepHeap = make(itemHeap, 0, len(q.prio))
		toFIFO   []*item
		removed  []*Entry
		changed  bool
	)

	for _, it := range q.prio {
		if !it.Entry.inGroup(groupID) {
			keepHeap = append(keepHeap, it)
			continue
		}
		switch status {
		case StatusActive:
			if it.Key > maxPrio {
				it.Key -= offset
				changed = true
			}
			if it.Key <= 0 {
				it.Key = 0
				toFIFO = append(toFIFO, it)
				continue
			}
			keepHeap = append(keepHeap, it)
		case StatusPaused:
			if it.Key <= maxPrio {
				it.Key += offset
				changed = true
			}
			keepHeap = append(keepHeap, it)
		case StatusInactive:
			removed = append(removed, it.Entry)
		}
	}

	var keepFIFO []*item
	for _, it := range q.fifo.slice() {
		if !it.Entry.inGroup(groupID) {
			keepFIFO = append(keepFIFO, it)
			continue
		}
		switch status {
		case StatusActive:
			keepFIFO = append(keepFIFO, it)
		case StatusPaused:
			if key := offset + int64(it.Entry.Priority); key > 0 {
				it.Key = key
				keepHeap = append(keepHeap, it)
				changed = true
			} else {
				keepFIFO = append(keepFIFO, it)
			}
		case StatusInactive:
			removed = append(removed, it.Entry)
		}
	}

	// Entries returning from the paused band rejoin the FIFO at the
	// position their insertion order gives them.
	if len(toFIFO) > 0 {
		sort.Slice(toFIFO, func(i, j int) bool { return toFIFO[i].Seq < toFIFO[j].Seq })
		keepFIFO = mergeBySeq(keepFIFO, toFIFO)
	}

	heap.Init(&keepHeap)
	q.prio = keepHeap
	q.fifo.reset(keepFIFO)

	// any rebanded key must reach the next snapshot, or a reload would
	// hand out entries of a paused group
	if changed || len(removed) > 0 || len(toFIFO) > 0 {
		q.changes.Mark()
	}
	return removed
}

func mergeBySeq(a, b []*item) []*item {
	out := make([]*item, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Seq <= b[j].Seq {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Len returns the number of entries in all tiers
func (q *EntryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Len() + q.prio.Len() + q.delayed.Len()
}

// TierStats describes the depth of each tier
type TierStats struct {
	FIFO     int `json:"fifo"`
	Priority int `json:"priority"`
	Paused   int `json:"paused"`
	Delayed  int `json:"delayed"`
}

// Stats returns the current tier depths. Paused counts the priority tier
// entries parked above MaxPriority.
func (q *EntryQueue) Stats() TierStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := TierStats{
		FIFO:    q.fifo.Len(),
		Delayed: q.delayed.Len(),
	}
	for _, it := range q.prio {
		if it.Key > int64(q.opts.MaxPriority) {
			st.Paused++
		} else {
			st.Priority++
		}
	}
	return st
}

// entriesSnapshot keeps the tiers apart so heaps can be rebuilt on load
type entriesSnapshot struct {
	FIFO     []item `json:"fifo"`
	Priority []item `json:"priority"`
	Delayed  []item `json:"delayed"`
}

// Name implements storage.Collection
func (q *EntryQueue) Name() string { return "tos" }

// Changes implements storage.Collection
func (q *EntryQueue) Changes() *storage.Tracker { return &q.changes }

func copyItems(src []*item) []item {
	out := make([]item, len(src))
	for i, it := range src {
		e := *it.Entry
		out[i] = item{Key: it.Key, Seq: it.Seq, Entry: &e}
	}
	return out
}

// Save implements storage.Collection
func (q *EntryQueue) Save(path string) error {
	q.mu.Lock()
	snap := entriesSnapshot{
		FIFO:     copyItems(q.fifo.slice()),
		Priority: copyItems(q.prio),
		Delayed:  copyItems(q.delayed),
	}
	next := q.ids.Peek()
	q.mu.Unlock()

	return storage.WriteSnapshot(path, next, snap)
}

// Load implements storage.Collection
func (q *EntryQueue) Load(path string) error {
	var snap entriesSnapshot
	next, err := storage.ReadSnapshot(path, &snap)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var maxID int64
	var maxSeq uint64
	restore := func(src []item) []*item {
		out := make([]*item, 0, len(src))
		for i := range src {
			it := src[i]
			if it.Entry == nil {
				continue
			}
			maxID = max(maxID, it.Entry.ID)
			maxSeq = max(maxSeq, it.Seq)
			out = append(out, &it)
		}
		return out
	}

	fifoItems := restore(snap.FIFO)
	q.prio = itemHeap(restore(snap.Priority))
	q.delayed = itemHeap(restore(snap.Delayed))
	heap.Init(&q.prio)
	heap.Init(&q.delayed)
	q.fifo.reset(fifoItems)

	q.ids.Restore(next)
	q.ids.Rebase(maxID)
	q.order = max(q.order, maxSeq)
	return nil
}
