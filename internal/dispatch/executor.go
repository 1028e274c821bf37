package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Options configures executors and dispatchers
type Options struct {
	// Kind labels observer events (KindRequest when empty)
	Kind string
	// CaptureTiming attaches a timing window to every outcome
	CaptureTiming bool
	// Observer receives progress events; nil means no-op
	Observer Observer
	// NewTransactionID overrides the UUID generator (tests)
	NewTransactionID func() string
}

func (o Options) withDefaults() Options {
	if o.Kind == "" {
		o.Kind = KindRequest
	}
	o.Observer = observerOrNop(o.Observer)
	if o.NewTransactionID == nil {
		o.NewTransactionID = uuid.NewString
	}
	return o
}

// Executor runs single requests against a backend and never returns their errors
type Executor[Req, Resp any] struct {
	backend Backend[Req, Resp]
	opts    Options
}

// NewExecutor creates a new Executor
func NewExecutor[Req, Resp any](backend Backend[Req, Resp], opts Options) *Executor[Req, Resp] {
	return &Executor[Req, Resp]{
		backend: backend,
		opts:    opts.withDefaults(),
	}
}

// Execute runs req and converts every failure into a failed Outcome.
// index is the request's submission position and is copied onto the outcome.
func (e *Executor[Req, Resp]) Execute(ctx context.Context, index int, req Req, ref ReferenceFunc[Req]) Outcome[Resp] {
	out := Outcome[Resp]{
		Index:         index,
		TransactionID: e.opts.NewTransactionID(),
	}

	// The reference is resolved before the call so a broken selector never
	// leaves an executed request reported as failed.
	reference, err := resolveReference(req, ref)
	if err != nil {
		out.Error = err
	} else {
		out.Reference = reference
		out.Response, out.Timing, out.Error = e.call(ctx, out.TransactionID, req)
	}

	out.Success = out.Error == nil
	out.ErrorMessage = errorMessage(out.Error)
	if !out.Success {
		var zero Resp
		out.Response = zero
	}

	ev := Event{
		Kind:          e.opts.Kind,
		Index:         index,
		Reference:     out.Reference,
		TransactionID: out.TransactionID,
		Success:       out.Success,
		Err:           out.Error,
	}
	if out.Timing != nil {
		ev.Elapsed = out.Timing.Elapsed
	}
	e.opts.Observer.OnOutcome(ev)

	return out
}

// call holds a session for the duration of one backend call. Timing covers
// the call only, not acquisition.
func (e *Executor[Req, Resp]) call(ctx context.Context, txID string, req Req) (resp Resp, timing *Timing, err error) {
	session, err := e.backend.AcquireSession(ctx)
	if err != nil {
		return resp, nil, fmt.Errorf("acquire session: %w", err)
	}
	defer e.backend.ReleaseSession(session)

	start := time.Now()
	resp, err = safeExecute(ctx, session, txID, req)
	if e.opts.CaptureTiming {
		end := time.Now()
		timing = &Timing{Start: start, End: end, Elapsed: end.Sub(start)}
	}
	return resp, timing, err
}

// safeExecute turns a panicking backend call into an error
func safeExecute[Req, Resp any](ctx context.Context, s Session[Req, Resp], txID string, req Req) (resp Resp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return s.Execute(ctx, txID, req)
}

// resolveReference applies ref to the original request; nil ref yields ""
func resolveReference[Req any](req Req, ref ReferenceFunc[Req]) (reference string, err error) {
	if ref == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrReference, r)
		}
	}()
	reference, err = ref(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReference, err)
	}
	return reference, nil
}
