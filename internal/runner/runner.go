// Package runner wires the dispatch engine to the upstream pool and renders
// each run as a report.
package runner

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rpcfanout/internal/config"
	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/jsonrpc"
	"rpcfanout/internal/report"
	"rpcfanout/internal/upstream"
)

// Saver persists rendered reports
type Saver interface {
	Save(ctx context.Context, summary *report.Summary) error
}

// Options are the knobs of one run
type Options struct {
	Concurrency     int
	BatchSize       int
	ContinueOnError bool
	CaptureTiming   bool
	Reference       string
	OrderByIndex    bool
}

// OptionsFromConfig converts the dispatch section of the config file
func OptionsFromConfig(d config.DispatchConfig) Options {
	return Options{
		Concurrency:     d.Concurrency,
		BatchSize:       d.BatchSize,
		ContinueOnError: d.ShouldContinueOnError(),
		CaptureTiming:   d.CaptureTiming,
		Reference:       d.Reference,
		OrderByIndex:    d.OrderByIndex,
	}
}

// Runner executes request sets against a pool
type Runner struct {
	pool     *upstream.Pool
	observer dispatch.Observer
	saver    Saver
	logger   zerolog.Logger
}

// New creates a new Runner. observer may be nil.
func New(pool *upstream.Pool, observer dispatch.Observer, logger zerolog.Logger) *Runner {
	return &Runner{
		pool:     pool,
		observer: observer,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// SetSaver enables persisting every report
func (r *Runner) SetSaver(s Saver) {
	r.saver = s
}

// Run dispatches reqs and returns the rendered report. Only invalid options
// are returned as errors; request failures are part of the report.
func (r *Runner) Run(ctx context.Context, reqs []*jsonrpc.Request, opts Options) (*report.Summary, error) {
	ref, err := ParseReference(opts.Reference)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	dopts := dispatch.Options{
		CaptureTiming: opts.CaptureTiming,
		Observer:      r.observer,
	}

	r.logger.Debug().
		Str("runId", runID).
		Int("requests", len(reqs)).
		Int("concurrency", opts.Concurrency).
		Int("batchSize", opts.BatchSize).
		Msg("run starting")

	var summary *report.Summary
	if opts.BatchSize > 0 {
		bd := dispatch.NewBatchDispatcher[*jsonrpc.Request, *jsonrpc.Response](r.pool.Composite(), dopts)
		br, err := bd.Run(ctx, reqs, opts.BatchSize, opts.Concurrency, ref, opts.ContinueOnError)
		if err != nil {
			return nil, err
		}
		summary = report.FromBatchReport(runID, br)
	} else {
		d := dispatch.NewDispatcher[*jsonrpc.Request, *jsonrpc.Response](r.pool, dopts)
		rep, err := d.DispatchAll(ctx, reqs, opts.Concurrency, ref)
		if err != nil {
			return nil, err
		}
		summary = report.FromReport(runID, rep)
	}
	if opts.OrderByIndex {
		summary.SortByIndex()
	}

	if r.saver != nil {
		if err := r.saver.Save(ctx, summary); err != nil {
			r.logger.Warn().Err(err).Str("runId", runID).Msg("failed to store report")
		}
	}
	return summary, nil
}

// ParseReference builds the reference selector for spec: none, id, method or
// param:<n>
func ParseReference(spec string) (dispatch.ReferenceFunc[*jsonrpc.Request], error) {
	if err := config.ValidateReference(spec); err != nil {
		return nil, err
	}

	switch spec {
	case "none":
		return nil, nil
	case "id":
		return func(req *jsonrpc.Request) (string, error) {
			return req.ID.String(), nil
		}, nil
	case "method":
		return func(req *jsonrpc.Request) (string, error) {
			return req.Method, nil
		}, nil
	}

	n, _ := strconv.Atoi(strings.TrimPrefix(spec, "param:"))
	return func(req *jsonrpc.Request) (string, error) {
		return req.ParamString(n)
	}, nil
}
