package urlfetch

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// defaultThrottle is spec §4.3's default: 0.2 seconds between consecutive
// completions on the same domain.
const defaultThrottle = 200 * time.Millisecond

// Throttle computes the delay to apply after a completion, before the next
// dispatch is eligible for a given domain (spec §4.3). It is always
// evaluated outside any scheduler lock, on the completing worker, so a slow
// or blocking caller implementation never stalls the scheduler.
type Throttle interface {
	Delay(domain string, item Item) time.Duration
}

// ConstantThrottle is the "float" half of spec §4.3's "float or callable".
type ConstantThrottle time.Duration

func (c ConstantThrottle) Delay(string, Item) time.Duration { return time.Duration(c) }

// FuncThrottle is the "callable" half of spec §4.3. Panics from fn are the
// caller's responsibility to avoid; the WorkerPool is what actually catches
// them (spec §9's resolved open question), not this type.
type FuncThrottle func(domain string, item Item) time.Duration

func (f FuncThrottle) Delay(domain string, item Item) time.Duration { return f(domain, item) }

// RobotsAwareThrottle wraps another Throttle and raises its value to a
// domain's published robots.txt Crawl-delay when one exists, taking the
// maximum of the two (never less polite than the wrapped throttle).
//
// This is the teacher's crawler/crawlingrules.go CrawlDelay/GetRobotsTxtGroup
// pair, adapted from "politeness delay for the one root domain currently
// being crawled" into "a pluggable per-domain throttle floor for the
// dispatch kernel" — the fetch happens through the Transport passed to
// NewRobotsAwareThrottle, and a failed or missing robots.txt silently
// degrades to the wrapped Throttle rather than blocking dispatch.
type RobotsAwareThrottle struct {
	wrapped   Throttle
	transport Transport
	userAgent string

	mu     sync.RWMutex
	groups map[string]*robotstxt.Group // domain -> parsed group (nil = checked, none found)
}

// NewRobotsAwareThrottle builds a RobotsAwareThrottle. transport is used to
// fetch each domain's /robots.txt the first time that domain is seen.
func NewRobotsAwareThrottle(wrapped Throttle, transport Transport, userAgent string) *RobotsAwareThrottle {
	if wrapped == nil {
		wrapped = ConstantThrottle(defaultThrottle)
	}
	return &RobotsAwareThrottle{
		wrapped:   wrapped,
		transport: transport,
		userAgent: userAgent,
		groups:    make(map[string]*robotstxt.Group),
	}
}

func (r *RobotsAwareThrottle) Delay(domain string, item Item) time.Duration {
	base := r.wrapped.Delay(domain, item)
	group := r.groupFor(domain, item.URL)
	if group == nil || group.CrawlDelay <= 0 {
		return base
	}
	return time.Duration(math.Max(float64(base), float64(group.CrawlDelay)))
}

func (r *RobotsAwareThrottle) groupFor(domain, itemURL string) *robotstxt.Group {
	r.mu.RLock()
	group, seen := r.groups[domain]
	r.mu.RUnlock()
	if seen {
		return group
	}

	group = r.fetchGroup(domain, itemURL)

	r.mu.Lock()
	r.groups[domain] = group
	r.mu.Unlock()
	return group
}

func (r *RobotsAwareThrottle) fetchGroup(domain, itemURL string) *robotstxt.Group {
	base, err := robotsBaseURL(domain, itemURL)
	if err != nil || r.transport == nil {
		return nil
	}
	resp, err := r.transport.Perform(context.Background(), Request{Method: http.MethodGet, URL: base + "/robots.txt"})
	if err != nil || resp.StatusCode == http.StatusNotFound || resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	data, err := robotstxt.FromResponse(&http.Response{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Header:     resp.Header,
	})
	if err != nil {
		return nil
	}
	return data.FindGroup(r.userAgent)
}

func robotsBaseURL(domain, itemURL string) (string, error) {
	if itemURL != "" {
		if u, err := url.Parse(itemURL); err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host, nil
		}
	}
	if domain == "" {
		return "", errEmptyDomain
	}
	return "https://" + domain, nil
}
