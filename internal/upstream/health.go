package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rpcfanout/internal/jsonrpc"
)

const healthProbeTimeout = 10 * time.Second

// HealthMonitor probes upstreams periodically in serve mode. An upstream
// answering the probe with any JSON-RPC reply is healthy.
type HealthMonitor struct {
	upstreams         []*Upstream
	method            string
	checkInterval     time.Duration
	statusLogInterval time.Duration
	logger            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a new HealthMonitor
func NewHealthMonitor(upstreams []*Upstream, method string, checkInterval time.Duration, statusLogInterval time.Duration, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		upstreams:         upstreams,
		method:            method,
		checkInterval:     checkInterval,
		statusLogInterval: statusLogInterval,
		logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start begins health monitoring
func (hm *HealthMonitor) Start() {
	if hm.checkInterval > 0 {
		for _, u := range hm.upstreams {
			hm.wg.Add(1)
			go hm.monitor(u)
		}
	}

	if hm.statusLogInterval > 0 {
		hm.wg.Add(1)
		go hm.logStatus()
	}
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

func (hm *HealthMonitor) monitor(u *Upstream) {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	hm.check(u)

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.check(u)
		}
	}
}

// check probes u once and updates its health flag
func (hm *HealthMonitor) check(u *Upstream) {
	ctx, cancel := context.WithTimeout(hm.ctx, healthProbeTimeout)
	defer cancel()

	err := hm.probe(ctx, u)
	if hm.ctx.Err() != nil {
		return
	}

	healthy := err == nil
	if !u.status.SetHealthy(healthy) {
		return
	}
	if healthy {
		hm.logger.Info().Str("upstream", u.Name()).Msg("upstream recovered, marking healthy")
	} else {
		hm.logger.Warn().Str("upstream", u.Name()).Err(err).Msg("health probe failed, marking unhealthy")
	}
}

// probe sends the health method over the upstream's session transport
func (hm *HealthMonitor) probe(ctx context.Context, u *Upstream) error {
	req, err := jsonrpc.NewRequest(hm.method, nil, jsonrpc.NewIDString("health"))
	if err != nil {
		return err
	}

	if !u.UsesWS() {
		_, err = u.ExecuteHTTP(ctx, req)
		return err
	}

	c, err := dialWS(ctx, u.wsURL, u)
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = c.SendRequest(ctx, req)
	return err
}

// logStatus periodically logs the status and request counts of all upstreams
func (hm *HealthMonitor) logStatus() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.logCurrentStatus()
		}
	}
}

// logCurrentStatus logs health per role and resets the request counters
func (hm *HealthMonitor) logCurrentStatus() {
	var healthyMain, unhealthyMain, healthyFallback, unhealthyFallback []string
	var totalRequests uint64

	requests := zerolog.Dict()
	for _, u := range hm.upstreams {
		count := u.status.SwapRequestCount()
		totalRequests += count
		requests = requests.Uint64(u.Name(), count)

		switch {
		case u.IsMain() && u.Available():
			healthyMain = append(healthyMain, u.Name())
		case u.IsMain():
			unhealthyMain = append(unhealthyMain, u.Name())
		case u.Available():
			healthyFallback = append(healthyFallback, u.Name())
		default:
			unhealthyFallback = append(unhealthyFallback, u.Name())
		}
	}

	hm.logger.Info().
		Strs("healthyMain", healthyMain).
		Strs("unhealthyMain", unhealthyMain).
		Strs("healthyFallback", healthyFallback).
		Strs("unhealthyFallback", unhealthyFallback).
		Uint64("totalRequests", totalRequests).
		Dict("requests", requests).
		Dur("interval", hm.statusLogInterval).
		Msg("upstreams status")
}
