package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs a request list across a fixed number of workers
type Dispatcher[Req, Resp any] struct {
	executor *Executor[Req, Resp]
	opts     Options
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher[Req, Resp any](backend Backend[Req, Resp], opts Options) *Dispatcher[Req, Resp] {
	opts = opts.withDefaults()
	return &Dispatcher[Req, Resp]{
		executor: NewExecutor(backend, opts),
		opts:     opts,
	}
}

// NormalizeConcurrency coerces a non-positive limit to DefaultConcurrency
func NormalizeConcurrency(limit int) int {
	if limit <= 0 {
		return DefaultConcurrency
	}
	return limit
}

// DispatchAll executes every request and returns once all of them finished.
// Outcomes are in completion order; Outcome.Index gives the submission position.
// Per-request failures are reported in the outcomes, never returned.
func (d *Dispatcher[Req, Resp]) DispatchAll(ctx context.Context, reqs []Req, limit int, ref ReferenceFunc[Req]) (*Report[Resp], error) {
	if reqs == nil {
		return nil, ErrNilRequests
	}

	limit = NormalizeConcurrency(limit)
	workers := min(limit, len(reqs))

	report := &Report[Resp]{
		Total:    len(reqs),
		Start:    time.Now(),
		Outcomes: make([]Outcome[Resp], 0, len(reqs)),
	}

	d.opts.Observer.OnStart(RunInfo{
		Kind:    d.opts.Kind,
		Total:   len(reqs),
		Workers: workers,
		Start:   report.Start,
	})

	if len(reqs) == 0 {
		report.End = report.Start
		d.complete(report)
		return report, nil
	}

	queue := make(chan int, len(reqs))
	for i := range reqs {
		queue <- i
	}
	close(queue)

	outcomes := make(chan Outcome[Resp], workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				outcomes <- d.executor.Execute(ctx, i, reqs[i], ref)
			}
			return nil
		})
	}

	go func() {
		// Workers never return errors; Wait only marks the end of the round
		_ = g.Wait()
		close(outcomes)
	}()

	for out := range outcomes {
		report.Outcomes = append(report.Outcomes, out)
	}
	report.End = time.Now()

	d.complete(report)
	return report, nil
}

// complete folds the counts and emits the summary event
func (d *Dispatcher[Req, Resp]) complete(report *Report[Resp]) {
	report.tally()
	d.opts.Observer.OnComplete(Summary{
		Kind:      d.opts.Kind,
		Total:     report.Total,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Duration:  report.Duration(),
	})
}
