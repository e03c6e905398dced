package urlfetch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultWorkers is spec §4.5's "fixed pool of threads worker threads
// (default 25)".
const defaultWorkers = 25

// WorkerPool is spec §4.5: a fixed, symmetric pool of goroutines with no
// domain affinity, grounded on the teacher's crawlPage goroutine-plus-
// semaphore idiom (crawler/crawler.go) and generalized from "N goroutines
// bounded by a buffered channel semaphore, fetching one root domain" to "N
// long-lived workers pulling from one shared Scheduler across many
// domains at once".
type WorkerPool struct {
	scheduler *Scheduler
	policy    Policy
	throttle  Throttle
	limiter   *RateLimiter
	results   *ResultStream
	clock     clock.Clock
	workers   int
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers  int
	Policy   Policy
	Throttle Throttle
	Limiter  *RateLimiter
	Results  *ResultStream
	Clock    clock.Clock
}

func newWorkerPool(scheduler *Scheduler, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Throttle == nil {
		cfg.Throttle = ConstantThrottle(defaultThrottle)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &WorkerPool{
		scheduler: scheduler,
		policy:    cfg.Policy,
		throttle:  cfg.Throttle,
		limiter:   cfg.Limiter,
		results:   cfg.Results,
		clock:     cfg.Clock,
		workers:   cfg.Workers,
	}
}

// run starts the fixed pool and blocks until every worker has exited
// (either the scheduler reported shutdown or pullCtx was canceled).
//
// pullCtx governs pulling new work (scheduler.next, the rate limiter's
// Wait); execCtx governs the Policy call for work already pulled. The two
// are deliberately not the same context, see Engine.Run.
func (p *WorkerPool) run(pullCtx, execCtx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			p.loop(pullCtx, execCtx)
		}()
	}
	wg.Wait()
}

// loop is one worker: call scheduler.next; on shutdown, exit; otherwise
// invoke the configured Policy, recover()-wrapped so a Policy panic never
// takes the engine down with it (spec §4.5, spec §7); regardless of
// outcome call scheduler.complete and publish a Result.
func (p *WorkerPool) loop(pullCtx, execCtx context.Context) {
	for {
		job, ok := p.scheduler.next(pullCtx)
		if !ok {
			return
		}

		if err := p.limiter.Wait(pullCtx); err != nil {
			// Context canceled while waiting on the global safety valve: put
			// the job's single terminal Result out and stop, same as any
			// other worker exit path.
			p.complete(job, Result{URL: job.item.URL, Item: job.item, Error: newItemError(ErrPolicyPanic, err)})
			return
		}

		result := p.execute(execCtx, job.item)
		p.complete(job, result)
	}
}

// execute runs the Policy with panic recovery (spec §7's resolved open
// question: a Policy panic becomes a policy_panic ItemError, never an
// engine crash).
func (p *WorkerPool) execute(ctx context.Context, item Item) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{URL: item.URL, Item: item, Error: recoveredPanic(r)}
		}
	}()
	return p.policy.Execute(ctx, item)
}

// complete resolves the throttle outside any scheduler lock (spec §4.3/
// §4.4: "the throttle callback is evaluated on the completing worker, not
// here"), reports the completion to the scheduler, stamps the Result's
// dispatch/completion timestamps, and publishes it.
func (p *WorkerPool) complete(job dispatchJob, result Result) {
	completedAt := p.clock.Now()
	var delay time.Duration
	if job.queue != nil && job.queue.domain != "" {
		var panicErr *ItemError
		delay, panicErr = p.resolveThrottle(job.queue.domain, job.item)
		if panicErr != nil {
			// Spec's resolved open question: a throttle function that
			// panics surfaces as policy_panic for this item, with a
			// default throttle of 0 applied to the domain's next dispatch.
			result = Result{Error: panicErr}
		}
	}
	if job.queue != nil {
		p.scheduler.complete(job.queue, completedAt, delay)
	}

	result.URL = job.item.URL
	result.Item = job.item
	result.Dispatched = job.dispatchedAt
	result.Completed = completedAt
	p.results.publish(result)
}

// resolveThrottle evaluates the configured Throttle with panic recovery
// (spec §9's resolved open question for a raising throttle function).
func (p *WorkerPool) resolveThrottle(domain string, item Item) (delay time.Duration, panicErr *ItemError) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = recoveredPanic(r)
		}
	}()
	return p.throttle.Delay(domain, item), nil
}
