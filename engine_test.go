package urlfetch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubTransport lets the engine-level tests exercise the full dispatch
// kernel without touching the network, mirroring how the teacher's own
// crawler tests swap in a fake fetcher.Fetcher.
type stubTransport struct {
	fn func(ctx context.Context, req Request) (Response, error)
}

func (s stubTransport) Perform(ctx context.Context, req Request) (Response, error) {
	return s.fn(ctx, req)
}

func okTransport() stubTransport {
	return stubTransport{fn: func(ctx context.Context, req Request) (Response, error) {
		return Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}}
}

// TestEngineThrottlesDispatchesOnTheSameDomain is the S1-style scenario
// from spec.md §8: two items on the same domain under domain_parallelism=1
// must have their dispatch times separated by at least the configured
// throttle, while an unrelated domain is unaffected.
func TestEngineThrottlesDispatchesOnTheSameDomain(t *testing.T) {
	engine := New(Config{
		Workers:     2,
		Parallelism: 1,
		Throttle:    ConstantThrottle(100 * time.Millisecond),
		Policy:      &FetchPolicy{Transport: okTransport()},
	})

	input := make(chan interface{}, 3)
	input <- "https://a.example/1"
	input <- "https://a.example/2"
	input <- "https://b.example/1"
	close(input)

	results := engine.Run(context.Background(), input)

	dispatched := map[string]time.Time{}
	var got int
	for r := range results {
		got++
		dispatched[r.URL] = r.Dispatched
	}

	require.Equal(t, 3, got)
	first := dispatched["https://a.example/1"]
	second := dispatched["https://a.example/2"]
	require.False(t, first.IsZero())
	require.False(t, second.IsZero())
	require.GreaterOrEqual(t, second.Sub(first), 100*time.Millisecond,
		"second dispatch on the same domain must wait out the throttle from the first")
}

// TestEngineBoundsStagingUnderHighFanoutToOneDomain is S4-style: a large
// batch addressed to a single domain must drain completely (proving the
// DomainBuffer's backpressure on the puller never deadlocks or drops
// items) while staging occupancy, sampled concurrently, never exceeds the
// configured BufferSize (testable property 6) plus the one item the
// no-domain/new-domain admission rule may transiently let through.
func TestEngineBoundsStagingUnderHighFanoutToOneDomain(t *testing.T) {
	const total = 500
	const bufferSize = 5
	engine := New(Config{
		Workers:     8,
		Parallelism: 4,
		BufferSize:  bufferSize,
		Throttle:    ConstantThrottle(0),
		Policy:      &FetchPolicy{Transport: okTransport()},
	})

	input := make(chan interface{}, total)
	for i := 0; i < total; i++ {
		input <- fmt.Sprintf("https://bulk.example/%d", i)
	}
	close(input)

	results := engine.Run(context.Background(), input)

	var maxSeen int32
	stopSampling := make(chan struct{})
	var samplerDone sync.WaitGroup
	samplerDone.Add(1)
	go func() {
		defer samplerDone.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := int32(engine.scheduler.stagingLen()); n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
			case <-stopSampling:
				return
			}
		}
	}()

	var got int
	for r := range results {
		require.Nil(t, r.Error)
		got++
	}
	close(stopSampling)
	samplerDone.Wait()

	require.Equal(t, total, got)
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), bufferSize+1,
		"staging occupancy should stay bounded by BufferSize (plus at most the one item the domain's first admission let through) even under a 500-item single-domain fan-out")
}

// TestEngineRecoversKeyFuncPanicsWithoutStalling is the S5-style scenario:
// a KeyFunc that panics on every third item must not stall or crash the
// engine; every other item still completes normally.
func TestEngineRecoversKeyFuncPanicsWithoutStalling(t *testing.T) {
	var n int32
	keyFunc := func(raw interface{}) (string, error) {
		if atomic.AddInt32(&n, 1)%3 == 0 {
			panic("boom")
		}
		return raw.(string), nil
	}

	engine := New(Config{
		Workers:     4,
		Parallelism: 4,
		KeyFunc:     keyFunc,
		Throttle:    ConstantThrottle(0),
		Policy:      &FetchPolicy{Transport: okTransport()},
	})

	input := make(chan interface{}, 6)
	for i := 0; i < 6; i++ {
		input <- fmt.Sprintf("https://example.com/%d", i)
	}
	close(input)

	results := engine.Run(context.Background(), input)

	var panics, ok int
	for r := range results {
		switch {
		case r.Error != nil && r.Error.Kind == ErrPolicyPanic:
			panics++
		case r.Error == nil:
			ok++
		}
	}
	require.Equal(t, 2, panics, "every third item's KeyFunc panic should be recovered into a policy_panic result")
	require.Equal(t, 4, ok)
}

// TestEngineStopShutsDownPromptly is the S6-style scenario: a consumer
// that stops reading results and calls Stop must see the engine shut down
// within a bounded delay, rather than continuing to drain input forever.
func TestEngineStopShutsDownPromptly(t *testing.T) {
	slowTransport := stubTransport{fn: func(ctx context.Context, req Request) (Response, error) {
		time.Sleep(2 * time.Millisecond)
		return Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}}

	engine := New(Config{
		Workers:     4,
		Parallelism: 4,
		Throttle:    ConstantThrottle(0),
		Policy:      &FetchPolicy{Transport: slowTransport},
	})

	input := make(chan interface{})
	go func() {
		for i := 0; ; i++ {
			select {
			case input <- fmt.Sprintf("https://stop.example/%d", i):
			case <-time.After(time.Second):
				close(input)
				return
			}
		}
	}()

	results := engine.Run(context.Background(), input)

	var count int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range results {
			count++
			if count == 3 {
				engine.Stop()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down within a bounded delay after Stop")
	}

	require.GreaterOrEqual(t, count, 3)
}

// TestEngineStopDoesNotAbortInFlightRequest is the concrete regression
// scenario for spec.md §5's "in-flight requests are not forcibly aborted;
// mid-flight results are still published": a single worker dispatches one
// job against a transport that takes 200ms to respond; Stop is called
// 50ms later, well before the transport returns. The job must still run
// to completion and publish its real result, not a context-canceled
// error.
func TestEngineStopDoesNotAbortInFlightRequest(t *testing.T) {
	slowTransport := stubTransport{fn: func(ctx context.Context, req Request) (Response, error) {
		time.Sleep(200 * time.Millisecond)
		return Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	}}

	engine := New(Config{
		Workers:     1,
		Parallelism: 1,
		Throttle:    ConstantThrottle(0),
		Policy:      &FetchPolicy{Transport: slowTransport},
	})

	input := make(chan interface{}, 1)
	input <- "https://inflight.example/1"
	close(input)

	results := engine.Run(context.Background(), input)
	time.AfterFunc(50*time.Millisecond, engine.Stop)

	select {
	case r, ok := <-results:
		require.True(t, ok)
		require.Nil(t, r.Error, "Stop must not abort a job already dispatched to a worker")
		require.NotNil(t, r.Response)
		require.Equal(t, 200, r.Response.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("the in-flight job's result never arrived after Stop")
	}

	_, ok := <-results
	require.False(t, ok, "results channel should close once the sole in-flight job finishes")
}
