package logging

import (
	"github.com/rs/zerolog"

	"rpcfanout/internal/dispatch"
)

// Observer logs dispatch progress: runs at info, successes at debug and
// failures at warn
type Observer struct {
	logger zerolog.Logger
}

// NewObserver creates an Observer
func NewObserver(logger zerolog.Logger) *Observer {
	return &Observer{logger: logger.With().Str("component", "dispatch").Logger()}
}

// OnStart implements dispatch.Observer
func (o *Observer) OnStart(info dispatch.RunInfo) {
	o.logger.Info().
		Str("kind", info.Kind).
		Int("total", info.Total).
		Int("workers", info.Workers).
		Msg("dispatch started")
}

// OnOutcome implements dispatch.Observer
func (o *Observer) OnOutcome(ev dispatch.Event) {
	var e *zerolog.Event
	if ev.Success {
		e = o.logger.Debug()
	} else {
		e = o.logger.Warn().Err(ev.Err)
	}
	if ev.Elapsed > 0 {
		e = e.Dur("elapsed", ev.Elapsed)
	}
	e.Str("kind", ev.Kind).
		Int("index", ev.Index).
		Str("reference", ev.Reference).
		Str("tx", ev.TransactionID).
		Bool("success", ev.Success).
		Msg("request finished")
}

// OnComplete implements dispatch.Observer
func (o *Observer) OnComplete(sum dispatch.Summary) {
	o.logger.Info().
		Str("kind", sum.Kind).
		Int("total", sum.Total).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("dispatch complete")
}
