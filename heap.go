package urlfetch

// waitingHeap is a container/heap of domainQueues ordered by
// (nextEligibleAt, waitSeq) ascending, realizing the waiting set of spec
// §3/§4.4: "ordered by next_eligible_at ascending (a min-heap suffices)",
// ties "broken by earliest insertion into the waiting set". A queue is
// never pushed twice: the Scheduler checks heapIndex first and calls
// heap.Fix on an already-resident entry instead.
type waitingHeap []*domainQueue

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	if h[i].nextEligibleAt.Equal(h[j].nextEligibleAt) {
		return h[i].waitSeq < h[j].waitSeq
	}
	return h[i].nextEligibleAt.Before(h[j].nextEligibleAt)
}

func (h waitingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *waitingHeap) Push(x interface{}) {
	q := x.(*domainQueue)
	q.heapIndex = len(*h)
	*h = append(*h, q)
}

func (h *waitingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.heapIndex = -1
	*h = old[:n-1]
	return q
}
