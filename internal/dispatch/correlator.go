package dispatch

import (
	"fmt"
	"sort"
	"strconv"
)

// Correlate rebuilds one outcome per original request from composite outcomes.
//
// Composite outcomes arrive in completion order; they are restored to
// submission order by Outcome.Index before the walk, because every item is
// matched to its original request by position. Composite k covers originals
// [k*batchSize, (k+1)*batchSize). When a composite failed as a whole, every
// request in its span fails with a *CompositeError carrying the cause.
func Correlate[Req, Resp any](batches *Report[CompositeResponse[Resp]], originals []Req, batchSize int, ref ReferenceFunc[Req]) (*BatchReport[Resp], error) {
	if batches == nil {
		return nil, fmt.Errorf("%w: batch report", ErrNilRequests)
	}
	if originals == nil {
		return nil, ErrNilRequests
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}

	ordered := make([]Outcome[CompositeResponse[Resp]], len(batches.Outcomes))
	copy(ordered, batches.Outcomes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})

	n := len(originals)
	report := &BatchReport[Resp]{
		Report: Report[Resp]{
			Total:    n,
			Start:    batches.Start,
			End:      batches.End,
			Outcomes: make([]Outcome[Resp], 0, n),
		},
		BatchSize: batchSize,
		Batches:   ordered,
	}

	c := correlation[Req, Resp]{originals: originals, ref: ref, report: report}
	next := 0
	for k := 0; k < batchCount(n, batchSize); k++ {
		end := min(c.cursor+batchSize, n)

		// Skip stray or duplicate entries below k
		for next < len(ordered) && ordered[next].Index < k {
			next++
		}
		if next >= len(ordered) || ordered[next].Index != k {
			c.failSpan(end, &CompositeError{Batch: k, Err: ErrMissingBatch}, nil)
			continue
		}
		batch := ordered[next]
		next++

		if !batch.Success {
			c.failSpan(end, &CompositeError{Batch: k, Err: batch.Error}, &batch)
			continue
		}
		c.unpack(end, &batch)
	}

	report.tally()
	return report, nil
}

// correlation carries the running cursor into the original request sequence
type correlation[Req, Resp any] struct {
	originals []Req
	ref       ReferenceFunc[Req]
	report    *BatchReport[Resp]
	cursor    int
}

// unpack pairs each item of a successful composite with its original request.
// Items missing at the tail were never attempted; surplus items are ignored.
func (c *correlation[Req, Resp]) unpack(end int, batch *Outcome[CompositeResponse[Resp]]) {
	items := batch.Response.Items
	for pos := 0; c.cursor < end; pos++ {
		var item ItemResult[Resp]
		if pos < len(items) {
			item = items[pos]
		} else {
			item.Fault = ErrNotAttempted
		}
		c.emit(pos, batch, item.Response, item.Fault)
	}
}

// failSpan marks every remaining request of the composite as failed with err
func (c *correlation[Req, Resp]) failSpan(end int, err error, batch *Outcome[CompositeResponse[Resp]]) {
	var zero Resp
	for pos := 0; c.cursor < end; pos++ {
		c.emit(pos, batch, zero, err)
	}
}

// emit appends the outcome of the original request at the cursor and advances it
func (c *correlation[Req, Resp]) emit(pos int, batch *Outcome[CompositeResponse[Resp]], resp Resp, fault error) {
	out := Outcome[Resp]{Index: c.cursor}

	reference, err := resolveReference(c.originals[c.cursor], c.ref)
	out.Reference = reference
	if fault == nil {
		fault = err
	}

	if batch != nil {
		out.TransactionID = batch.TransactionID + "/" + strconv.Itoa(pos)
		if batch.Timing != nil {
			timing := *batch.Timing
			out.Timing = &timing
		}
	}

	if fault != nil {
		out.Error = fault
		out.ErrorMessage = fault.Error()
	} else {
		out.Success = true
		out.Response = resp
	}

	c.report.Outcomes = append(c.report.Outcomes, out)
	c.cursor++
}
