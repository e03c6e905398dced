package urlfetch

import (
	"errors"
	"time"
)

// Item is the unit of work flowing through the engine (spec §3). RawValue
// is the caller's opaque payload; URL and Domain are derived once, at
// admission time, and cached on the Item to avoid recomputation (spec §9).
// Domain == "" is the no-domain sentinel: items that have no URL or whose
// URL could not be parsed travel the unconstrained, unthrottled path.
type Item struct {
	RawValue interface{}
	URL      string
	Domain   string
}

// KeyFunc extracts a raw URL string from a caller-supplied item. The
// default treats the item itself as the URL (spec §6: "if no extractor is
// given, each item is itself a URL string"). A KeyFunc that panics or
// errors is caught per-item and surfaced as a policy_panic Result (spec §7)
// without ever touching a domain queue; a returned *ItemError keeps its own
// kind instead (defaultKeyFunc's invalid_url for a non-string item).
type KeyFunc func(raw interface{}) (string, error)

func defaultKeyFunc(raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", &ItemError{Kind: ErrInvalidURL, Err: errNotAString}
	}
	return s, nil
}

var errNotAString = errors.New("item is not a URL string and no key extractor was configured")

// RequestOverride is the per-item shape produced by a RequestArgsFunc
// (spec §4.6's request_args option, given a concrete Go shape in SPEC_FULL
// §9.1). A nil field means "use the policy's default for this field".
type RequestOverride struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// RequestArgsFunc computes per-call request arguments from an Item. Like
// KeyFunc and Throttle, a panic here is caught and surfaced as
// policy_panic (spec §7).
type RequestArgsFunc func(item Item) (RequestOverride, error)

// Result is the terminal outcome for exactly one admitted Item (spec §3).
// Order of emission on ResultStream is completion order, not input order.
type Result struct {
	URL   string
	Item  Item
	Error *ItemError

	// Fetch-policy payload.
	Response *FetchResponse
	Meta     *Meta

	// Resolve-policy payload.
	Stack []RedirectStep

	// Dispatched is the instant the worker began this job and Completed is
	// when it finished; both are populated regardless of outcome, useful
	// for asserting the testable properties in spec §8.
	Dispatched time.Time
	Completed  time.Time
}

// Meta is the fetch policy's response classification (spec §4.6).
type Meta struct {
	MIME     string
	Ext      string
	Encoding string
}

// RedirectStep is one hop in a resolve policy's redirect stack (spec §4.7).
type RedirectStep struct {
	From   string
	To     string
	Status int
	Kind   string // "location", "refresh-header", "meta-refresh", "hit"
}
