package urlfetch

import (
	"encoding/json"
	"log"

	"github.com/codepr/urlfetch/messaging"
)

// ResultStream is spec §4.8's output channel: workers publish into it, the
// caller iterates lazily, emission order is completion order rather than
// input order. It generalizes the teacher's messaging.ChannelQueue (a
// []byte-typed ProducerConsumerCloser) to a typed Result channel, and
// layers an optional messaging.Producer sink on top for callers that also
// want results forwarded to an external queue exactly as WebCrawler does
// with its own messaging.Producer in crawler.go.
type ResultStream struct {
	out    chan Result
	sink   messaging.Producer
	logger *log.Logger
}

func newResultStream(bufferSize int, sink messaging.Producer, logger *log.Logger) *ResultStream {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &ResultStream{out: make(chan Result, bufferSize), sink: sink, logger: logger}
}

// Results returns the consumer-facing read side. The channel closes once
// the engine has fully shut down.
func (rs *ResultStream) Results() <-chan Result {
	return rs.out
}

// publish delivers one terminal Result (spec §3: "An Item has exactly one
// terminal result regardless of outcome"). The optional sink is best
// effort: a marshal or produce failure is logged, never dropped onto the
// consumer as an engine error, since the sink is an enrichment and the
// in-process channel is the contract callers actually depend on.
func (rs *ResultStream) publish(r Result) {
	if rs.sink != nil {
		if data, err := json.Marshal(resultWireFormat(r)); err != nil {
			rs.logf("marshal result for %s failed: %v", r.URL, err)
		} else if err := rs.sink.Produce(data); err != nil {
			rs.logf("sink produce for %s failed: %v", r.URL, err)
		}
	}
	rs.out <- r
}

func (rs *ResultStream) close() {
	close(rs.out)
}

func (rs *ResultStream) logf(format string, args ...interface{}) {
	if rs.logger != nil {
		rs.logger.Printf("resultstream: "+format, args...)
	}
}

// resultWireFormat drops RawValue (caller-defined, not generally
// serializable) from the sink payload, keeping everything else a Result
// reports.
func resultWireFormat(r Result) interface{} {
	return struct {
		URL        string          `json:"url"`
		Error      *ItemError      `json:"error,omitempty"`
		Response   *FetchResponse  `json:"response,omitempty"`
		Meta       *Meta           `json:"meta,omitempty"`
		Stack      []RedirectStep  `json:"stack,omitempty"`
		Dispatched int64           `json:"dispatched_unix_ms"`
		Completed  int64           `json:"completed_unix_ms"`
	}{
		URL:        r.URL,
		Error:      r.Error,
		Response:   r.Response,
		Meta:       r.Meta,
		Stack:      r.Stack,
		Dispatched: r.Dispatched.UnixMilli(),
		Completed:  r.Completed.UnixMilli(),
	}
}
