package urlfetch

import "context"

// Policy is the pluggable per-job behavior a WorkerPool invokes for every
// dispatched Item (spec §4.5/§4.6/§4.7): either Fetch or Resolve. Execute
// must never itself decide retry/continuation — any such decision belongs
// to the caller inspecting the returned Result.
type Policy interface {
	Execute(ctx context.Context, item Item) Result
}
