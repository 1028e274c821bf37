package dispatch

import (
	"context"
	"fmt"
)

// Partition splits reqs into composites of batchSize requests, preserving order.
// Request i lands in composite i/batchSize at position i%batchSize.
func Partition[Req any](reqs []Req, batchSize int, continueOnError bool) ([]Composite[Req], error) {
	if reqs == nil {
		return nil, ErrNilRequests
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}

	composites := make([]Composite[Req], 0, batchCount(len(reqs), batchSize))
	for offset := 0; offset < len(reqs); offset += batchSize {
		end := min(offset+batchSize, len(reqs))
		composites = append(composites, Composite[Req]{
			Index:           len(composites),
			Offset:          offset,
			Requests:        reqs[offset:end:end],
			ContinueOnError: continueOnError,
			ReturnResponses: true,
		})
	}
	return composites, nil
}

// batchCount returns how many composites n requests occupy
func batchCount(n, batchSize int) int {
	return (n + batchSize - 1) / batchSize
}

// BatchLabel is the synthetic reference of a composite call
func BatchLabel(index int) string {
	return fmt.Sprintf("batch-%d", index)
}

func batchReference[Req any](c Composite[Req]) (string, error) {
	return BatchLabel(c.Index), nil
}

// BatchDispatcher executes composites concurrently, one worker slot per composite
type BatchDispatcher[Req, Resp any] struct {
	dispatcher *Dispatcher[Composite[Req], CompositeResponse[Resp]]
	opts       Options
}

// NewBatchDispatcher creates a new BatchDispatcher over a composite backend
func NewBatchDispatcher[Req, Resp any](backend Backend[Composite[Req], CompositeResponse[Resp]], opts Options) *BatchDispatcher[Req, Resp] {
	if opts.Kind == "" {
		opts.Kind = KindBatch
	}
	opts = opts.withDefaults()
	return &BatchDispatcher[Req, Resp]{
		dispatcher: NewDispatcher(backend, opts),
		opts:       opts,
	}
}

// DispatchBatches partitions reqs and runs the composites. The returned report
// holds one outcome per composite and is meant to be fed to Correlate.
func (b *BatchDispatcher[Req, Resp]) DispatchBatches(ctx context.Context, reqs []Req, batchSize, limit int, continueOnError bool) (*Report[CompositeResponse[Resp]], []Composite[Req], error) {
	composites, err := Partition(reqs, batchSize, continueOnError)
	if err != nil {
		return nil, nil, err
	}

	report, err := b.dispatcher.DispatchAll(ctx, composites, limit, batchReference[Req])
	if err != nil {
		return nil, nil, err
	}
	return report, composites, nil
}

// Run dispatches reqs in composites and correlates the composite outcomes
// back onto the original requests
func (b *BatchDispatcher[Req, Resp]) Run(ctx context.Context, reqs []Req, batchSize, limit int, ref ReferenceFunc[Req], continueOnError bool) (*BatchReport[Resp], error) {
	batches, _, err := b.DispatchBatches(ctx, reqs, batchSize, limit, continueOnError)
	if err != nil {
		return nil, err
	}

	report, err := Correlate(batches, reqs, batchSize, ref)
	if err != nil {
		return nil, err
	}

	b.opts.Observer.OnComplete(Summary{
		Kind:      KindItem,
		Total:     report.Total,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Duration:  report.Duration(),
	})
	return report, nil
}
