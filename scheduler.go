package urlfetch

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultBufferSize is spec §4.5's staging cap default.
const defaultBufferSize = 25

// dispatchJob is what Scheduler.next hands back to a worker: a specific
// Item plus the DomainQueue it came from, so the worker can report the
// completion back against the right queue.
type dispatchJob struct {
	queue        *domainQueue
	item         Item
	dispatchedAt time.Time
}

// Scheduler is the work-dispatch kernel of spec §4.4: the only component
// with global visibility over domain state. Every field below is touched
// exclusively from inside mu's critical section, following the teacher's
// single-shared-state convention (crawler.go keeps one *WebCrawler guarding
// its own settings) generalized to the many-domains case this spec needs.
//
// There is no sync.Cond here: timeout-plus-cancellation-plus-broadcast is
// composed instead with a "wake channel" that gets closed and replaced
// under the lock whenever state changes a blocked caller might care about.
// A waiter captures the current channel reference while holding the lock,
// releases the lock, then selects on it alongside a throttle-expiry timer
// and the caller's context.
type Scheduler struct {
	mu sync.Mutex

	clock clock.Clock

	domains     map[string]*domainQueue
	ready       []*domainQueue
	readyHead   int
	waiting     waitingHeap
	staging     *stagingBuffer
	parallelism int

	arrivalSeq     uint64
	waitSeqCounter uint64

	inputExhausted bool
	closed         bool

	wake chan struct{}

	metrics *Metrics
	logger  *log.Logger
}

// SchedulerConfig configures a Scheduler (spec §4.5's buffer_size and the
// per-domain parallelism cap named throughout §4.3/§4.4).
type SchedulerConfig struct {
	BufferSize  int
	Parallelism int
	Clock       clock.Clock
	Metrics     *Metrics
	Logger      *log.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scheduler{
		clock:       cfg.Clock,
		domains:     make(map[string]*domainQueue),
		staging:     newStagingBuffer(cfg.BufferSize),
		parallelism: cfg.Parallelism,
		wake:        make(chan struct{}),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// broadcastLocked wakes every goroutine currently blocked in next or admit.
// Must be called with mu held.
func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// admit appends item to staging, applying spec §4.2's admission rule. It
// blocks until there is room, the item's domain is new to the scheduler, or
// ctx is done / the scheduler is closed — realizing "the input iterator is
// paused (blocking read) until a completion frees slot(s)" (spec §4.2) one
// layer up: the physical read already happened (item is in hand), so the
// "pause" is this call withholding it from staging.
func (s *Scheduler) admit(ctx context.Context, item Item) bool {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		_, known := s.domains[item.Domain]
		// A domain with an item already staged is known too, so only the
		// first item of a new domain may pass the cap.
		for i := 0; !known && i < s.staging.len(); i++ {
			known = s.staging.items[i].Domain == item.Domain
		}
		if item.Domain == "" || s.staging.admits(known) {
			s.staging.push(item)
			s.broadcastLocked()
			s.mu.Unlock()
			return true
		}
		wakeCh := s.wake
		s.mu.Unlock()

		select {
		case <-wakeCh:
		case <-ctx.Done():
			return false
		}
	}
}

// markInputExhausted records that the input sequence has no more items.
// Called once by the engine's puller goroutine when its source is drained.
func (s *Scheduler) markInputExhausted() {
	s.mu.Lock()
	s.inputExhausted = true
	s.broadcastLocked()
	s.mu.Unlock()
}

// shutdown forces every blocked next/admit call to return immediately,
// without waiting for the natural drain-to-empty condition. Used for
// caller-initiated cancellation (spec §5).
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.broadcastLocked()
	s.mu.Unlock()
}

// stagingLen reports the current staging occupancy (spec §4.2's
// buffer_size accounting). Exposed for tests asserting the staging bound
// is actually respected under load, not just at the stagingBuffer unit
// level.
func (s *Scheduler) stagingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging.len()
}

// next implements spec §4.4's next_job(): return the next eligible
// (DomainQueue, Item) pair, or ok=false for "shutdown".
func (s *Scheduler) next(ctx context.Context) (dispatchJob, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return dispatchJob{}, false
		}
		if job, ok := s.tryDispatchLocked(); ok {
			s.mu.Unlock()
			return job, true
		}
		if s.isDoneLocked() {
			s.mu.Unlock()
			return dispatchJob{}, false
		}
		wait := s.nextWaitLocked()
		wakeCh := s.wake
		s.mu.Unlock()

		timer := s.clock.Timer(wait)
		select {
		case <-wakeCh:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return dispatchJob{}, false
		}
		timer.Stop()
	}
}

// isDoneLocked is spec §4.4 step 5's shutdown condition: input exhausted,
// staging empty, every DomainQueue empty and idle. A garbage-collected
// DomainQueue is removed from domains entirely (see complete), so an empty
// domains map already implies "all queues empty and in_flight == 0
// everywhere".
func (s *Scheduler) isDoneLocked() bool {
	return s.inputExhausted && s.staging.len() == 0 && len(s.domains) == 0
}

// nextWaitLocked is the timeout for step 4's condition-variable wait: the
// next throttle expiry, or a generous fallback when nothing is time-gated
// (real wakeups in that case come from the wake channel, not the clock).
func (s *Scheduler) nextWaitLocked() time.Duration {
	if len(s.waiting) == 0 {
		return 5 * time.Minute
	}
	d := s.waiting[0].nextEligibleAt.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// tryDispatchLocked runs steps 1-3 of spec §4.4's algorithm as one loop:
// pop ready work if any exists; otherwise promote whatever time/staging
// lets through and retry; stop once neither promotion makes progress.
func (s *Scheduler) tryDispatchLocked() (dispatchJob, bool) {
	for {
		if job, ok := s.popReadyLocked(); ok {
			return job, true
		}
		promotedWaiting := s.promoteWaitingLocked()
		promotedStaging := s.promoteStagingLocked()
		if !promotedWaiting && !promotedStaging {
			return dispatchJob{}, false
		}
	}
}

// popReadyLocked is step 1: FIFO over domain-arrival-order, approximating
// input order without compromising throughput (spec §4.4 Fairness).
func (s *Scheduler) popReadyLocked() (dispatchJob, bool) {
	for s.readyHead < len(s.ready) {
		q := s.ready[s.readyHead]
		s.ready[s.readyHead] = nil
		s.readyHead++
		q.inReady = false
		if s.metrics != nil {
			s.metrics.ReadyDomains.Set(float64(len(s.ready) - s.readyHead))
		}

		item, ok := q.dequeue()
		if !ok {
			// Emptied by the time its turn came (shouldn't normally happen
			// since a queue only enters ready non-empty, but harmless).
			continue
		}
		q.onDispatch()
		if s.metrics != nil {
			s.metrics.Dispatches.Inc()
			s.metrics.InFlightJobs.Inc()
		}
		if !q.empty() && q.hasCapacity(s.parallelism) {
			s.pushReadyLocked(q)
		}
		s.compactReadyLocked()
		return dispatchJob{queue: q, item: item, dispatchedAt: s.clock.Now()}, true
	}
	s.compactReadyLocked()
	return dispatchJob{}, false
}

func (s *Scheduler) compactReadyLocked() {
	if s.readyHead == len(s.ready) {
		s.ready = s.ready[:0]
		s.readyHead = 0
	}
}

func (s *Scheduler) pushReadyLocked(q *domainQueue) {
	if q.inReady {
		return
	}
	q.inReady = true
	s.ready = append(s.ready, q)
	if s.metrics != nil {
		s.metrics.ReadyDomains.Set(float64(len(s.ready) - s.readyHead))
	}
}

// promoteWaitingLocked is step 2: pop every domain whose throttle has
// expired and re-validate it before moving it to ready (spec §4.4 step 2's
// "subject to their own parallelism caps").
func (s *Scheduler) promoteWaitingLocked() bool {
	now := s.clock.Now()
	promoted := false
	for len(s.waiting) > 0 && !s.waiting[0].nextEligibleAt.After(now) {
		q := heap.Pop(&s.waiting).(*domainQueue)
		if s.metrics != nil {
			s.metrics.WaitingDomains.Set(float64(len(s.waiting)))
		}
		if q.garbageCollectable() {
			delete(s.domains, q.domain)
			continue
		}
		if !q.empty() && q.hasCapacity(s.parallelism) {
			s.pushReadyLocked(q)
			promoted = true
		}
		// Otherwise still at capacity: dormant, left out of both sets until
		// the in-flight completion that is actually blocking it runs.
	}
	return promoted
}

// promoteStagingLocked is step 3: drain every staged item into its
// DomainQueue, creating queues as needed, then let the caller retry step 1.
func (s *Scheduler) promoteStagingLocked() bool {
	items := s.staging.drain()
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		q, exists := s.domains[item.Domain]
		if !exists {
			s.arrivalSeq++
			q = newDomainQueue(item.Domain, s.arrivalSeq, s.clock.Now())
			s.domains[item.Domain] = q
		}
		q.enqueue(item)
		if !q.inReady && q.heapIndex < 0 && q.hasCapacity(s.parallelism) {
			s.pushReadyLocked(q)
		}
	}
	s.broadcastLocked() // staging just freed up; wake any blocked admit call
	return true
}

// pushWaitingLocked inserts or reschedules q in the waiting heap, keyed by
// its current nextEligibleAt (spec §4.4's "ordered by next_eligible_at
// ascending"; ties "broken by earliest insertion into the waiting set").
func (s *Scheduler) pushWaitingLocked(q *domainQueue) {
	s.waitSeqCounter++
	q.waitSeq = s.waitSeqCounter
	if q.heapIndex >= 0 {
		heap.Fix(&s.waiting, q.heapIndex)
	} else {
		heap.Push(&s.waiting, q)
	}
	if s.metrics != nil {
		s.metrics.WaitingDomains.Set(float64(len(s.waiting)))
	}
}

// complete implements DomainQueue.on_complete plus its reinsertion policy
// (spec §4.3): the throttle value must already be resolved by the caller,
// outside any lock the scheduler holds (evaluated on the completing
// worker, per spec §4.3/§4.4's "must not evaluate user callables that
// could block").
func (s *Scheduler) complete(q *domainQueue, completedAt time.Time, throttle time.Duration) {
	s.mu.Lock()
	q.onComplete(completedAt, throttle)
	if q.inFlight < 0 {
		// A completion with no matching dispatch: the one fatal path spec §7
		// names. Log the violated invariant and stop admitting further work
		// rather than let the scheduler's state silently corrupt.
		s.logInvariant("domain queue in_flight went negative for domain %q", q.domain)
		s.closed = true
	}
	if s.metrics != nil {
		s.metrics.InFlightJobs.Dec()
		s.metrics.ThrottleWait.Observe(throttle.Seconds())
	}

	if q.garbageCollectable() {
		delete(s.domains, q.domain)
	} else if !q.empty() && q.hasCapacity(s.parallelism) {
		if !q.nextEligibleAt.After(completedAt) {
			s.pushReadyLocked(q)
		} else {
			s.pushWaitingLocked(q)
		}
	}
	// Still at capacity (other in-flight jobs on the same domain): leave it
	// dormant; whichever of those completions finishes last reassesses it.

	s.broadcastLocked()
	s.mu.Unlock()
}

// logInvariant reports the one class of engine-fatal failure spec §7
// names: a broken scheduler invariant, as opposed to the many per-item
// failures that always resolve to a tagged Result instead.
func (s *Scheduler) logInvariant(format string, args ...interface{}) {
	err := &invariantViolation{invariant: fmt.Sprintf(format, args...)}
	if s.logger != nil {
		s.logger.Print(err.Error())
	}
}
