package playback

// segmentHeap implements [container/heap.Interface] as a min-heap of segments
// ordered by id, so the lowest id that is ready to play is always on top.
type segmentHeap []*segment

func (h segmentHeap) Len() int { return len(h) }

func (h segmentHeap) Less(i, j int) bool { return h[i].id < h[j].id }

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(*segment))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// peek returns the segment with the lowest id without removing it.
func (h segmentHeap) peek() *segment {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
