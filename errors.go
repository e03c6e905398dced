package urlfetch

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errEmptyDomain = errors.New("urlfetch: empty domain")

// ErrorKind tags the boundary error kinds surfaced by the engine (spec §6).
// Every per-item failure carries exactly one of these, never a bare error,
// so callers can branch on outcome without string matching.
type ErrorKind string

const (
	ErrMissingURL        ErrorKind = "missing_url"
	ErrInvalidURL        ErrorKind = "invalid_url"
	ErrDNS               ErrorKind = "dns"
	ErrConnect           ErrorKind = "connect"
	ErrTLS               ErrorKind = "tls"
	ErrTimeout           ErrorKind = "timeout"
	ErrRead              ErrorKind = "read"
	ErrDecode            ErrorKind = "decode"
	ErrTooManyRedirects  ErrorKind = "too_many_redirects"
	ErrRedirectCycle     ErrorKind = "redirect_cycle"
	ErrBadRedirectTarget ErrorKind = "bad_redirect_target"
	ErrPolicyPanic       ErrorKind = "policy_panic"
)

// ItemError is the per-item error value the engine ever surfaces (spec §7):
// never engine-terminating, always tagged, always wrapping the underlying
// cause when one exists.
type ItemError struct {
	Kind ErrorKind
	Err  error
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

func newItemError(kind ErrorKind, err error) *ItemError {
	return &ItemError{Kind: kind, Err: err}
}

// MarshalJSON flattens the wrapped error to a string so an ItemError
// survives the round trip through a ResultStream's optional sink (spec
// §4.8) instead of marshaling to "{}" the way a bare error interface would.
func (e *ItemError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Kind    ErrorKind `json:"kind"`
		Message string    `json:"message,omitempty"`
	}{Kind: e.Kind, Message: msg})
}

// recoveredPanic turns a recovered Policy panic into a policy_panic
// ItemError, preserving the original message (spec §7).
func recoveredPanic(r interface{}) *ItemError {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	return newItemError(ErrPolicyPanic, err)
}

// invariantViolation is the one fatal path (spec §7): an internal
// scheduler invariant broken. It is never surfaced as an ItemError —
// it terminates the engine and is logged with the violated invariant named.
type invariantViolation struct {
	invariant string
}

func (e *invariantViolation) Error() string {
	return fmt.Sprintf("urlfetch: invariant violated: %s", e.invariant)
}
