package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcfanout/internal/dispatch"
)

func TestObserver_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver("test", reg)

	obs.OnStart(dispatch.RunInfo{Kind: dispatch.KindRequest, Total: 3, Workers: 2})
	obs.OnOutcome(dispatch.Event{Kind: dispatch.KindRequest, Success: true, Elapsed: 10 * time.Millisecond})
	obs.OnOutcome(dispatch.Event{Kind: dispatch.KindRequest, Success: true})
	obs.OnOutcome(dispatch.Event{Kind: dispatch.KindRequest, Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.runsTotal.WithLabelValues(dispatch.KindRequest)))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.inflightRuns.WithLabelValues(dispatch.KindRequest)))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.workers.WithLabelValues(dispatch.KindRequest)))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindRequest, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindRequest, "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(obs.requestDuration))

	obs.OnComplete(dispatch.Summary{Kind: dispatch.KindRequest, Total: 3, Succeeded: 2, Failed: 1, Duration: time.Second})
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.inflightRuns.WithLabelValues(dispatch.KindRequest)))
}

func TestObserver_ItemSummaryCountsOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver("test", reg)

	obs.OnComplete(dispatch.Summary{Kind: dispatch.KindItem, Total: 7, Succeeded: 3, Failed: 4})

	assert.Equal(t, 3.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindItem, "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindItem, "failure")))
	assert.Equal(t, 0, testutil.CollectAndCount(obs.runDuration))
}

type okBackend struct{}

type okSession struct{}

func (okBackend) AcquireSession(context.Context) (dispatch.Session[int, int], error) {
	return okSession{}, nil
}

func (okBackend) ReleaseSession(dispatch.Session[int, int]) {}

func (okSession) Execute(_ context.Context, _ string, req int) (int, error) {
	if req%2 == 1 {
		return 0, errors.New("odd")
	}
	return req, nil
}

func TestObserver_WiredIntoDispatcher(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver("test", reg)

	d := dispatch.NewDispatcher[int, int](okBackend{}, dispatch.Options{Observer: obs})
	report, err := d.DispatchAll(context.Background(), []int{0, 1, 2, 3, 4}, 2, nil)
	require.NoError(t, err)
	require.Equal(t, 3, report.Succeeded)

	assert.Equal(t, 3.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindRequest, "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.outcomesTotal.WithLabelValues(dispatch.KindRequest, "failure")))

	n, err := testutil.GatherAndCount(reg, "test_runs_total", "test_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
