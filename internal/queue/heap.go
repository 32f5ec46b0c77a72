package queue

// item is an entry placed in a tier. key is the effective priority in the
// priority tier and the activation time in the delay tier; seq breaks ties
// in insertion order.
type item struct {
	Key   int64  `json:"key"`
	Seq   uint64 `json:"seq"`
	Entry *Entry `json:"entry"`
}

// itemHeap is a min-heap on (Key, Seq) for container/heap
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Key != h[j].Key {
		return h[i].Key < h[j].Key
	}
	return h[i].Seq < h[j].Seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(*item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// fifo is a first-in first-out list of items
type fifo struct {
	items []*item
	head  int
}

func (f *fifo) Len() int { return len(f.items) - f.head }

func (f *fifo) push(it *item) {
	f.items = append(f.items, it)
}

func (f *fifo) pop() *item {
	if f.Len() == 0 {
		return nil
	}
	it := f.items[f.head]
	f.items[f.head] = nil
	f.head++
	// release the consumed prefix once it dominates the backing array
	if f.head > 1024 && f.head*2 > len(f.items) {
		f.items = append([]*item(nil), f.items[f.head:]...)
		f.head = 0
	}
	return it
}

func (f *fifo) slice() []*item {
	return f.items[f.head:]
}

func (f *fifo) reset(items []*item) {
	f.items = items
	f.head = 0
}
