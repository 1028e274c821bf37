package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rpcfanout/internal/cache"
	"rpcfanout/internal/config"
	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/jsonrpc"
)

func TestSession_ExecuteCarriesTransactionID(t *testing.T) {
	srv := newRPCServer(t)
	p := newTestPool(t, testConfig(config.UpstreamConfig{Name: "a", RPCURL: srv.URL}))

	ctx := context.Background()
	s, err := p.AcquireSession(ctx)
	if err != nil {
		t.Fatalf("AcquireSession: %v", err)
	}
	defer p.ReleaseSession(s)

	req := mustRequest(t, "eth_getBalance", 7)
	resp, err := s.Execute(ctx, "tx-1", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resp.ID.String(); got != "tx-1" {
		t.Errorf("response id = %s, want tx-1", got)
	}
	if ids := srv.ids(); len(ids) != 1 || ids[0] != "tx-1" {
		t.Errorf("upstream saw ids %v, want [tx-1]", ids)
	}
	if got := req.ID.String(); got != "7" {
		t.Errorf("original request id changed to %s", got)
	}
}

func TestSession_RPCErrorIsReturnedAsError(t *testing.T) {
	srv := newRPCServer(t)
	p := newTestPool(t, testConfig(config.UpstreamConfig{Name: "a", RPCURL: srv.URL}))

	ctx := context.Background()
	s, err := p.AcquireSession(ctx)
	if err != nil {
		t.Fatalf("AcquireSession: %v", err)
	}
	defer p.ReleaseSession(s)

	_, err = s.Execute(ctx, "tx-1", mustRequest(t, "fail", 1))
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeServerError {
		t.Errorf("error = %v, want wrapped rpc error %d", err, jsonrpc.CodeServerError)
	}
}

func TestSession_TransportErrorOpensBreaker(t *testing.T) {
	srv := newRPCServer(t)
	url := srv.URL
	srv.Close()

	cfg := testConfig(config.UpstreamConfig{Name: "a", RPCURL: url})
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: 60000, HalfOpenMaxRequests: 1}
	p := newTestPool(t, cfg)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		s, err := p.AcquireSession(ctx)
		if err != nil {
			t.Fatalf("AcquireSession %d: %v", i, err)
		}
		if _, err := s.Execute(ctx, "tx", mustRequest(t, "eth_chainId", 1)); err == nil {
			t.Errorf("call %d: expected transport error", i)
		}
		p.ReleaseSession(s)
	}

	if _, err := p.AcquireSession(ctx); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("AcquireSession after breaker opened = %v, want ErrNoUpstream", err)
	}
	snap := p.Snapshot()
	if snap[0].Breaker != "open" || snap[0].Failures != 2 {
		t.Errorf("snapshot = %+v, want open breaker with 2 failures", snap[0])
	}
}

func TestPool_HalfOpenUpstreamTakesLimitedSessions(t *testing.T) {
	srv := newRPCServer(t)
	cfg := testConfig(config.UpstreamConfig{Name: "a", RPCURL: srv.URL})
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: 1000, HalfOpenMaxRequests: 1}
	p := newTestPool(t, cfg)

	now := time.Unix(0, 0)
	u := p.upstreams[0]
	u.breaker.now = func() time.Time { return now }
	u.breaker.RecordFailure()
	now = now.Add(time.Second)

	ctx := context.Background()
	first, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire trial session: %v", err)
	}
	if _, err := p.acquire(ctx); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("second acquire = %v, want ErrNoUpstream while the trial is out", err)
	}

	p.release(first)
	s, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if _, err := s.Execute(ctx, "tx", mustRequest(t, "eth_chainId", 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	p.release(s)

	if got := u.breaker.State(); got != "closed" {
		t.Errorf("breaker = %s, want closed after a successful trial", got)
	}
}

func TestPool_AcquireSkipsUnreachableWebSocket(t *testing.T) {
	srv := newRPCServer(t)
	p := newTestPool(t, testConfig(
		config.UpstreamConfig{Name: "dead", WSURL: "ws://127.0.0.1:1", Weight: 5},
		config.UpstreamConfig{Name: "http", RPCURL: srv.URL},
	))

	s, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.release(s)
	if s.Upstream().Name() != "http" {
		t.Errorf("session bound to %s, want http", s.Upstream().Name())
	}
}

func TestPool_NoHealthyUpstream(t *testing.T) {
	srv := newRPCServer(t)
	p := newTestPool(t, testConfig(
		config.UpstreamConfig{Name: "a", RPCURL: srv.URL},
		config.UpstreamConfig{Name: "b", RPCURL: srv.URL, Role: config.RoleFallback},
	))
	for _, u := range p.upstreams {
		u.status.SetHealthy(false)
	}

	if _, err := p.AcquireSession(context.Background()); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("err = %v, want ErrNoUpstream", err)
	}
}

func TestPool_PrefersMainOverFallback(t *testing.T) {
	main := newRPCServer(t)
	fallback := newRPCServer(t)
	p := newTestPool(t, testConfig(
		config.UpstreamConfig{Name: "main", RPCURL: main.URL},
		config.UpstreamConfig{Name: "fallback", RPCURL: fallback.URL, Role: config.RoleFallback},
	))

	for i := 0; i < 3; i++ {
		s, err := p.acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if s.Upstream().Name() != "main" {
			t.Errorf("acquire %d bound to %s", i, s.Upstream().Name())
		}
		p.release(s)
	}

	p.upstreams[0].status.SetHealthy(false)
	s, err := p.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Upstream().Name() != "fallback" {
		t.Errorf("bound to %s, want fallback", s.Upstream().Name())
	}
}

func TestPool_BalancerFromConfig(t *testing.T) {
	srv := newRPCServer(t)
	upstreams := []config.UpstreamConfig{
		{Name: "heavy", RPCURL: srv.URL, Weight: 3},
		{Name: "light", RPCURL: srv.URL, Weight: 1},
	}

	pick := func(strategy string) map[string]int {
		cfg := testConfig(upstreams...)
		cfg.Balancer = strategy
		p := newTestPool(t, cfg)

		counts := make(map[string]int)
		for i := 0; i < 8; i++ {
			s, err := p.acquire(context.Background())
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			counts[s.Upstream().Name()]++
			p.release(s)
		}
		return counts
	}

	if got := pick(config.BalancerWeighted); got["heavy"] != 6 || got["light"] != 2 {
		t.Errorf("weighted picks = %v, want heavy 6 light 2", got)
	}
	if got := pick(config.BalancerRoundRobin); got["heavy"] != 4 || got["light"] != 4 {
		t.Errorf("round robin picks = %v, want 4 each", got)
	}
}

func TestPool_WebSocketSessionIsReused(t *testing.T) {
	srv, conns := newWSServer(t)
	p := newTestPool(t, testConfig(config.UpstreamConfig{Name: "ws", WSURL: wsURL(srv)}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s, err := p.AcquireSession(ctx)
		if err != nil {
			t.Fatalf("AcquireSession: %v", err)
		}
		resp, err := s.Execute(ctx, "tx", mustRequest(t, "eth_chainId", 1))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if string(resp.Result) != `"eth_chainId"` {
			t.Errorf("result = %s", resp.Result)
		}
		p.ReleaseSession(s)
	}

	if n := conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	if idle := p.Snapshot()[0].IdleSessions; idle != 1 {
		t.Errorf("idle sessions = %d, want 1", idle)
	}
}

func TestPool_IdleSessionsAreCapped(t *testing.T) {
	srv, _ := newWSServer(t)
	cfg := testConfig(config.UpstreamConfig{Name: "ws", WSURL: wsURL(srv)})
	cfg.MaxIdleSessions = 1
	p := newTestPool(t, cfg)

	ctx := context.Background()
	a, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.release(a)
	p.release(b)

	if !b.broken() {
		t.Error("session released beyond the idle cap should be closed")
	}
	if idle := p.Snapshot()[0].IdleSessions; idle != 1 {
		t.Errorf("idle sessions = %d, want 1", idle)
	}
}

func TestPool_CacheServesRepeatedCall(t *testing.T) {
	srv := newRPCServer(t)
	cfg := testConfig(config.UpstreamConfig{Name: "a", RPCURL: srv.URL})
	cfg.Cache = &config.CacheConfig{Enabled: true, TTL: 60, Size: 10, Methods: []string{"eth_chainId"}}
	p := newTestPool(t, cfg)

	mc, err := cache.NewMemoryCache(10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()
	p.SetCache(mc)

	ctx := context.Background()
	s, err := p.AcquireSession(ctx)
	if err != nil {
		t.Fatalf("AcquireSession: %v", err)
	}
	defer p.ReleaseSession(s)

	if _, err := s.Execute(ctx, "tx-1", mustRequest(t, "eth_chainId", 1)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	resp, err := s.Execute(ctx, "tx-2", mustRequest(t, "eth_chainId", 2))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if n := srv.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if resp.ID.String() != "tx-2" {
		t.Errorf("cached response id = %s, want tx-2", resp.ID.String())
	}
	if _, err := s.Execute(ctx, "tx-3", mustRequest(t, "eth_getBalance", 3)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("uncacheable method was not sent upstream, calls = %d", n)
	}
}

func TestHealthMonitor_CheckUpdatesHealth(t *testing.T) {
	srv := newRPCServer(t)
	u := NewUpstream(Config{Name: "a", RPCURL: srv.URL, Weight: 1, RequestTimeout: time.Second, Logger: zerolog.Nop()})
	hm := NewHealthMonitor([]*Upstream{u}, "net_version", time.Minute, 0, zerolog.Nop())
	defer hm.Stop()

	hm.check(u)
	if !u.IsHealthy() {
		t.Fatal("reachable upstream should be healthy")
	}

	srv.Close()
	hm.check(u)
	if u.IsHealthy() {
		t.Error("unreachable upstream should be unhealthy")
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if !cb.AllowRequest() {
		t.Fatal("breaker opened below threshold")
	}
	cb.RecordFailure()
	if cb.AllowRequest() {
		t.Fatal("breaker should be open")
	}

	now = now.Add(time.Second)
	if !cb.AllowRequest() || cb.State() != "half-open" {
		t.Fatalf("state = %s, want half-open after recovery timeout", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsLimitedTrials(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if _, ok := cb.Admit(); ok {
		t.Fatal("open breaker admitted a session")
	}

	now = now.Add(time.Second)
	token, ok := cb.Admit()
	if !ok || token == 0 {
		t.Fatalf("Admit = %d, %v, want a trial token", token, ok)
	}
	if _, ok := cb.Admit(); ok {
		t.Error("second trial admitted while the first is in flight")
	}
	if cb.AllowRequest() {
		t.Error("upstream selectable with no trial slot left")
	}

	cb.Release(token)
	token, ok = cb.Admit()
	if !ok {
		t.Fatal("released trial slot was not reusable")
	}
	cb.RecordSuccess()
	cb.Release(token)
	if cb.State() != "closed" {
		t.Errorf("state = %s, want closed", cb.State())
	}
	if token, ok := cb.Admit(); !ok || token != 0 {
		t.Errorf("closed breaker Admit = %d, %v, want 0, true", token, ok)
	}
}

func TestCircuitBreaker_StaleTokenIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	now = now.Add(time.Second)
	stale, _ := cb.Admit()
	cb.RecordFailure()

	now = now.Add(time.Second)
	if _, ok := cb.Admit(); !ok {
		t.Fatal("new half-open period should admit a trial")
	}
	cb.Release(stale)
	if _, ok := cb.Admit(); ok {
		t.Error("stale token freed a slot of the new half-open period")
	}
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if !cb.AllowRequest() || cb.State() != "disabled" {
		t.Errorf("disabled breaker blocked requests, state %s", cb.State())
	}
}

var _ dispatch.Backend[*jsonrpc.Request, *jsonrpc.Response] = (*Pool)(nil)
var _ dispatch.Backend[Batch, BatchResponse] = (*CompositeBackend)(nil)
