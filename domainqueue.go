package urlfetch

import "time"

// domainQueue is a FIFO of pending Items for one domain, annotated with the
// scheduling state spec §3/§4.3 require. It has no lock of its own: every
// field is touched exclusively from inside the Scheduler's critical
// section, following the plain FIFO idiom (enqueue/dequeue over a backing
// slice) but specialized with the domain bookkeeping a plain queue
// doesn't carry.
type domainQueue struct {
	domain string
	items  []Item

	inFlight        int
	nextEligibleAt  time.Time
	lastCompletedAt time.Time

	// arrivalSeq is the order this domain first appeared; it drives the
	// FIFO-over-arrival-order ready-set policy (spec §4.4).
	arrivalSeq uint64

	// heapIndex is maintained by container/heap for O(log n) removal and
	// lets the Scheduler tell whether this queue is already resident in the
	// waiting heap (heapIndex >= 0) so a reschedule calls heap.Fix instead
	// of pushing a duplicate entry; -1 when not in the heap.
	heapIndex int

	// waitSeq is stamped with a monotonic counter every time the queue is
	// pushed into the waiting heap; it is the tiebreaker when several
	// domains become eligible at the same instant (spec §4.4: "ties broken
	// by earliest insertion into the waiting set").
	waitSeq uint64

	// inReady mirrors whether this queue currently has an entry in the
	// Scheduler's ready slice, guarding against ever pushing it twice.
	inReady bool
}

func newDomainQueue(domain string, arrivalSeq uint64, now time.Time) *domainQueue {
	return &domainQueue{
		domain:         domain,
		nextEligibleAt: now,
		arrivalSeq:     arrivalSeq,
		heapIndex:      -1,
	}
}

func (q *domainQueue) enqueue(item Item) {
	q.items = append(q.items, item)
}

// dequeue pops the head item. The caller (the Scheduler) is responsible for
// transitioning the queue between the ready and waiting sets afterwards
// (spec §4.3).
func (q *domainQueue) dequeue() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

func (q *domainQueue) empty() bool {
	return len(q.items) == 0
}

func (q *domainQueue) onDispatch() {
	q.inFlight++
}

// onComplete records a completion and computes the next eligible dispatch
// instant for this domain (spec §4.3). The throttle duration must already
// be resolved by the caller (evaluated outside any scheduler lock).
func (q *domainQueue) onComplete(now time.Time, throttle time.Duration) {
	q.inFlight--
	q.lastCompletedAt = now
	q.nextEligibleAt = now.Add(throttle)
}

// hasCapacity reports whether the queue may take on another in-flight job.
// The empty-string "no-domain" queue (spec §3: items that cannot be parsed
// or have no URL) is exempt from parallelism entirely — it is "dispatched
// immediately, unthrottled, through a special unconstrained path".
func (q *domainQueue) hasCapacity(parallelism int) bool {
	if q.domain == "" {
		return true
	}
	return q.inFlight < parallelism
}

func (q *domainQueue) garbageCollectable() bool {
	return q.empty() && q.inFlight == 0
}
