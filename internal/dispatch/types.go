// Package dispatch fans independent backend requests out to a bounded pool of
// workers and gathers one outcome per request into a report.
//
// Requests can also be folded into fixed-size composite calls. Composite
// outcomes are correlated back onto the original requests in submission order,
// including the case where a whole composite call fails.
package dispatch

import (
	"context"
	"time"
)

// DefaultConcurrency is used when a non-positive concurrency limit is given
const DefaultConcurrency = 10

// Session is a backend handle owned by exactly one worker at a time
type Session[Req, Resp any] interface {
	// Execute runs one request. txID is generated by the engine and should be
	// attached to the outgoing request so the backend can echo it.
	Execute(ctx context.Context, txID string, req Req) (Resp, error)
}

// Backend hands out sessions. Every acquired session is released exactly once.
type Backend[Req, Resp any] interface {
	AcquireSession(ctx context.Context) (Session[Req, Resp], error)
	ReleaseSession(s Session[Req, Resp])
}

// ReferenceFunc extracts the caller's correlation key from an original request
type ReferenceFunc[Req any] func(req Req) (string, error)

// Timing is the wall-clock window around a backend call
type Timing struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Elapsed time.Duration `json:"elapsed"`
}

// Outcome is the normalized result of executing one request
type Outcome[Resp any] struct {
	// Index is the position of the request in the submitted sequence
	Index         int
	Success       bool
	Response      Resp
	Error         error
	ErrorMessage  string
	Reference     string
	Timing        *Timing
	TransactionID string
}

// Report aggregates the outcomes of one dispatch run
type Report[Resp any] struct {
	Total     int
	Succeeded int
	Failed    int
	Start     time.Time
	End       time.Time
	Outcomes  []Outcome[Resp]
}

// Duration returns the wall-clock length of the run
func (r *Report[Resp]) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// tally recomputes the success and failure counts from the outcome set.
// It runs once, after every worker has finished.
func (r *Report[Resp]) tally() {
	r.Succeeded, r.Failed = 0, 0
	for i := range r.Outcomes {
		if r.Outcomes[i].Success {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}

// Composite bundles an ordered sub-list of requests into one backend call
type Composite[Req any] struct {
	// Index is the submission position of the composite
	Index int
	// Offset is the flat index of the first request in Requests
	Offset          int
	Requests        []Req
	ContinueOnError bool
	// ReturnResponses is always true; correlation needs per-item results
	ReturnResponses bool
}

// Len returns the number of requests in the composite
func (c Composite[Req]) Len() int {
	return len(c.Requests)
}

// ItemResult is one slot of a composite response
type ItemResult[Resp any] struct {
	Response Resp
	Fault    error
}

// Failed reports whether the slot carries a fault
func (r ItemResult[Resp]) Failed() bool {
	return r.Fault != nil
}

// CompositeResponse mirrors the order of the composite's requests. It may be
// shorter than the composite when ContinueOnError was false and an item failed.
type CompositeResponse[Resp any] struct {
	Items []ItemResult[Resp]
}

// BatchReport is the per-item report reconstructed from a batched run
type BatchReport[Resp any] struct {
	Report[Resp]
	BatchSize int
	// Batches holds one outcome per composite call, in submission order
	Batches []Outcome[CompositeResponse[Resp]]
}
