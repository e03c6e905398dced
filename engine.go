package urlfetch

import (
	"context"
	"log"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/codepr/urlfetch/env"
	"github.com/codepr/urlfetch/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultParallelism  = 4
	defaultUserAgent    = "Mozilla/5.0 (compatible; urlfetch/1.0; +https://github.com/codepr/urlfetch)"
	defaultResultBuffer = 0
)

// Config assembles an Engine (SPEC_FULL's ambient configuration surface,
// the same option-bag-with-defaults shape as the teacher's
// CrawlerSettings).
type Config struct {
	// BufferSize is the DomainBuffer's cap (spec §4.2), default 25.
	BufferSize int
	// Parallelism is the per-domain in-flight cap (spec §4.3), default 4.
	Parallelism int
	// Workers is the WorkerPool size (spec §4.5), default 25.
	Workers int
	// Policy is the per-item behavior a worker invokes. Defaults to a
	// FetchPolicy over the default rehttp-backed Transport.
	Policy Policy
	// Throttle computes the post-completion delay per domain (spec §4.3).
	// Defaults to a 200ms ConstantThrottle.
	Throttle Throttle
	// KeyFunc extracts a URL from a caller item (spec §6). Defaults to
	// treating the item itself as a URL string.
	KeyFunc KeyFunc
	// RatePerSec and RateBurst configure the optional engine-wide safety
	// valve (SPEC_FULL §4.5.1). RatePerSec <= 0 disables it.
	RatePerSec float64
	RateBurst  int
	// Sink optionally forwards every Result, JSON-marshaled, to an
	// external messaging.Producer alongside the in-process channel.
	Sink messaging.Producer
	// ResultBuffer sizes the output channel; 0 is synchronous (default).
	ResultBuffer int
	// Registerer, when non-nil, registers the scheduler's Prometheus
	// metrics (SPEC_FULL §4.4.1).
	Registerer prometheus.Registerer
	// Logger receives ambient log lines and the one engine-fatal
	// invariant-violation message (spec §7). Defaults to
	// log.New(os.Stderr, "urlfetch: ", log.LstdFlags).
	Logger *log.Logger
	// Clock abstracts time for deterministic tests; defaults to the real
	// wall clock.
	Clock clock.Clock
}

// Engine is the assembled work-dispatch kernel plus its WorkerPool and
// ResultStream (spec §2's system overview): the single entry point callers
// use to run a batch of items through a Policy.
type Engine struct {
	scheduler *Scheduler
	pool      *WorkerPool
	results   *ResultStream
	keyFunc   KeyFunc
	logger    *log.Logger
	clock     clock.Clock
	cancel    context.CancelFunc
}

// New assembles an Engine from cfg, applying the defaults named above.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "urlfetch: ", log.LstdFlags)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	if cfg.Throttle == nil {
		cfg.Throttle = ConstantThrottle(defaultThrottle)
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Policy == nil {
		cfg.Policy = &FetchPolicy{
			Transport:      NewTransport(defaultTransportOptions()),
			GuessExtension: true,
			GuessEncoding:  true,
			Logger:         cfg.Logger,
		}
	}

	metrics := NewMetrics(cfg.Registerer)
	scheduler := NewScheduler(SchedulerConfig{
		BufferSize:  cfg.BufferSize,
		Parallelism: cfg.Parallelism,
		Clock:       cfg.Clock,
		Metrics:     metrics,
		Logger:      cfg.Logger,
	})
	results := newResultStream(cfg.ResultBuffer, cfg.Sink, cfg.Logger)
	pool := newWorkerPool(scheduler, WorkerPoolConfig{
		Workers:  cfg.Workers,
		Policy:   cfg.Policy,
		Throttle: cfg.Throttle,
		Limiter:  NewRateLimiter(cfg.RatePerSec, cfg.RateBurst),
		Results:  results,
		Clock:    cfg.Clock,
	})

	return &Engine{
		scheduler: scheduler,
		pool:      pool,
		results:   results,
		keyFunc:   cfg.KeyFunc,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
}

// ConfigFromEnv builds a Config by reading process environment variables,
// the direct generalization of the teacher's crawler.go:NewFromEnv /
// env.GetEnv convention.
func ConfigFromEnv() Config {
	return Config{
		BufferSize:  env.GetEnvAsInt("URLFETCH_BUFFER_SIZE", defaultBufferSize),
		Parallelism: env.GetEnvAsInt("URLFETCH_PARALLELISM", defaultParallelism),
		Workers:     env.GetEnvAsInt("URLFETCH_WORKERS", defaultWorkers),
		RatePerSec:  float64(env.GetEnvAsInt("URLFETCH_RATE_PER_SEC", 0)),
		RateBurst:   env.GetEnvAsInt("URLFETCH_RATE_BURST", 0),
	}
}

// Run drives input (a caller-supplied, possibly-infinite lazy sequence,
// spec §5's input contract) through the engine and returns the
// ResultStream's read side. It returns immediately; the returned channel
// closes once input is exhausted and every admitted item has a Result, or
// ctx is canceled.
//
// Two distinct contexts are threaded from here on: pullCtx, canceled by
// Stop, governs only pulling new work (the puller's input read and a
// worker's wait on scheduler.next/the rate limiter); ctx itself, untouched
// by Stop, is what reaches Policy.Execute. This keeps spec §5's "in-flight
// requests are not forcibly aborted" true of Stop: a job already handed to
// a worker runs to completion and still publishes its Result, even though
// no further work is pulled after Stop is called.
func (e *Engine) Run(ctx context.Context, input <-chan interface{}) <-chan Result {
	pullCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.pull(pullCtx, input)
	go func() {
		e.pool.run(pullCtx, ctx)
		e.results.close()
	}()
	return e.results.Results()
}

// Stop forces every blocked worker and the puller to return immediately,
// without waiting for input to drain (spec §4.8's cancellation: "no result
// is produced for items still in staging at that moment"). The puller in
// particular needs its own cancellation signal rather than relying on
// scheduler shutdown alone: otherwise it would keep draining input,
// discarding every item via a scheduler that refuses to admit it, for as
// long as the caller kept feeding the channel.
func (e *Engine) Stop() {
	e.scheduler.shutdown()
	if e.cancel != nil {
		e.cancel()
	}
}

// pull is the puller goroutine SPEC_FULL §4.2 grounds the DomainBuffer's
// admission rule on: it owns reading from input and is the only thing
// that ever blocks trying to admit an item into staging.
func (e *Engine) pull(ctx context.Context, input <-chan interface{}) {
	defer e.scheduler.markInputExhausted()
	for {
		select {
		case raw, ok := <-input:
			if !ok {
				return
			}
			e.admitRaw(ctx, raw)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) admitRaw(ctx context.Context, raw interface{}) {
	item, itemErr := e.extractKey(raw)
	if itemErr != nil {
		now := e.clock.Now()
		e.results.publish(Result{Item: item, Error: itemErr, Dispatched: now, Completed: now})
		return
	}
	e.scheduler.admit(ctx, item)
}

// extractKey runs the configured KeyFunc and derives the item's domain,
// recovering a panic into a policy_panic ItemError exactly as a Policy
// panic is recovered in the WorkerPool (spec §7, item.go's KeyFunc doc).
func (e *Engine) extractKey(raw interface{}) (item Item, itemErr *ItemError) {
	item = Item{RawValue: raw}
	defer func() {
		if r := recover(); r != nil {
			itemErr = recoveredPanic(r)
		}
	}()

	rawURL, err := e.keyFunc(raw)
	if err != nil {
		if ie, ok := err.(*ItemError); ok {
			itemErr = ie
		} else {
			itemErr = newItemError(ErrPolicyPanic, err)
		}
		return
	}
	item.URL = rawURL
	item.Domain = cleanDomain(rawURL)
	return
}
