// Package metrics exports dispatch progress as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rpcfanout/internal/dispatch"
)

// Observer records dispatch events. It implements dispatch.Observer.
type Observer struct {
	runsTotal       *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	runDuration     *prometheus.HistogramVec
	inflightRuns    *prometheus.GaugeVec
	workers         *prometheus.GaugeVec
}

// NewObserver registers the dispatch metrics with reg under namespace
func NewObserver(namespace string, reg prometheus.Registerer) *Observer {
	factory := promauto.With(reg)

	return &Observer{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of dispatch runs",
			},
			[]string{"kind"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Total number of request outcomes",
			},
			[]string{"kind", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Backend call duration in seconds, recorded when timing capture is on",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Dispatch run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
		inflightRuns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_runs",
				Help:      "Dispatch runs currently executing",
			},
			[]string{"kind"},
		),
		workers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers",
				Help:      "Worker count of the most recent run",
			},
			[]string{"kind"},
		),
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// OnStart implements dispatch.Observer
func (o *Observer) OnStart(info dispatch.RunInfo) {
	o.runsTotal.WithLabelValues(info.Kind).Inc()
	o.inflightRuns.WithLabelValues(info.Kind).Inc()
	o.workers.WithLabelValues(info.Kind).Set(float64(info.Workers))
}

// OnOutcome implements dispatch.Observer
func (o *Observer) OnOutcome(ev dispatch.Event) {
	o.outcomesTotal.WithLabelValues(ev.Kind, statusLabel(ev.Success)).Inc()
	if ev.Elapsed > 0 {
		o.requestDuration.WithLabelValues(ev.Kind).Observe(ev.Elapsed.Seconds())
	}
}

// OnComplete implements dispatch.Observer. The item summary of a batched run
// has no matching OnStart and only counts its outcomes.
func (o *Observer) OnComplete(sum dispatch.Summary) {
	if sum.Kind == dispatch.KindItem {
		o.outcomesTotal.WithLabelValues(sum.Kind, statusLabel(true)).Add(float64(sum.Succeeded))
		o.outcomesTotal.WithLabelValues(sum.Kind, statusLabel(false)).Add(float64(sum.Failed))
		return
	}
	o.inflightRuns.WithLabelValues(sum.Kind).Dec()
	o.runDuration.WithLabelValues(sum.Kind).Observe(sum.Duration.Seconds())
}
