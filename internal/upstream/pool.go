package upstream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"rpcfanout/internal/balancer"
	"rpcfanout/internal/cache"
	"rpcfanout/internal/config"
	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/jsonrpc"
)

// DefaultPoolName namespaces cache keys of the configured pool
const DefaultPoolName = "default"

// Pool represents the group of upstreams requests are dispatched to.
// It is the dispatch.Backend for single requests; Composite returns the
// backend for composites.
type Pool struct {
	name      string
	upstreams []*Upstream
	selector  balancer.Selector[*Upstream]
	cache     cache.Cache
	policy    *cache.Policy
	maxIdle   int
	monitor   *HealthMonitor
	logger    zerolog.Logger

	mu   sync.Mutex
	idle map[string][]*wsConn
}

// NewPool creates a new Pool from the configuration
func NewPool(cfg *config.Config, logger zerolog.Logger) *Pool {
	poolLogger := logger.With().Str("pool", DefaultPoolName).Logger()

	upstreams := make([]*Upstream, 0, len(cfg.Upstreams))
	for _, upCfg := range cfg.Upstreams {
		upstreams = append(upstreams, NewUpstreamFromConfig(upCfg, cfg, poolLogger))
	}

	p := &Pool{
		name:      DefaultPoolName,
		upstreams: upstreams,
		cache:     cache.NewNoopCache(),
		maxIdle:   cfg.MaxIdleSessions,
		logger:    poolLogger,
		idle:      make(map[string][]*wsConn),
	}
	p.SetSelector(newSelector(cfg.Balancer, p))
	p.monitor = NewHealthMonitor(
		upstreams,
		cfg.HealthCheckMethod,
		cfg.GetHealthCheckIntervalDuration(),
		cfg.GetStatusLogIntervalDuration(),
		poolLogger,
	)

	if cfg.IsCacheEnabled() {
		p.policy = cache.NewPolicy(cfg.Cache.Methods, cfg.Cache.DisabledMethods)
	}
	return p
}

// newSelector builds the configured balancing strategy over the pool
func newSelector(strategy string, p *Pool) balancer.Selector[*Upstream] {
	if strategy == config.BalancerRoundRobin {
		return balancer.NewRoundRobin[*Upstream](p)
	}
	return balancer.NewWeightedRoundRobin[*Upstream](p)
}

// SetSelector replaces the upstream selector
func (p *Pool) SetSelector(s balancer.Selector[*Upstream]) {
	p.selector = s
}

// SetCache installs the response cache. Only methods accepted by the pool's
// cache policy are looked up or stored.
func (p *Pool) SetCache(c cache.Cache) {
	p.cache = c
}

// Start starts the health monitor
func (p *Pool) Start() {
	p.monitor.Start()
	p.logger.Info().
		Int("upstreams", len(p.upstreams)).
		Msg("pool started")
}

// Stop stops the health monitor and closes idle sessions
func (p *Pool) Stop() {
	p.monitor.Stop()

	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]*wsConn)
	p.mu.Unlock()

	for _, conns := range idle {
		for _, c := range conns {
			c.Close()
		}
	}
	for _, u := range p.upstreams {
		u.Close()
	}
	p.logger.Info().Msg("pool stopped")
}

// GetHealthyMain returns available main upstreams
func (p *Pool) GetHealthyMain() []*Upstream {
	result := make([]*Upstream, 0)
	for _, u := range p.upstreams {
		if u.IsMain() && u.Available() {
			result = append(result, u)
		}
	}
	return result
}

// GetHealthyFallback returns available fallback upstreams
func (p *Pool) GetHealthyFallback() []*Upstream {
	result := make([]*Upstream, 0)
	for _, u := range p.upstreams {
		if u.IsFallback() && u.Available() {
			result = append(result, u)
		}
	}
	return result
}

// Composite returns the backend that executes composites on this pool
func (p *Pool) Composite() *CompositeBackend {
	return &CompositeBackend{pool: p}
}

// AcquireSession implements dispatch.Backend
func (p *Pool) AcquireSession(ctx context.Context) (dispatch.Session[*jsonrpc.Request, *jsonrpc.Response], error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ReleaseSession implements dispatch.Backend
func (p *Pool) ReleaseSession(s dispatch.Session[*jsonrpc.Request, *jsonrpc.Response]) {
	if session, ok := s.(*Session); ok {
		p.release(session)
	}
}

// acquire picks an upstream and binds a session to it. An upstream whose
// WebSocket cannot be dialed is skipped for this acquisition; no request has
// been sent at that point.
func (p *Pool) acquire(ctx context.Context) (*Session, error) {
	exclude := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		u, ok := p.selector.Next(exclude)
		if !ok {
			return nil, ErrNoUpstream
		}

		trial, ok := u.breaker.Admit()
		if !ok {
			exclude[u.Name()] = true
			continue
		}

		if !u.UsesWS() {
			return &Session{pool: p, upstream: u, trial: trial}, nil
		}

		if c := p.takeIdle(u.Name()); c != nil {
			return &Session{pool: p, upstream: u, ws: c, trial: trial}, nil
		}

		c, err := dialWS(ctx, u.wsURL, u)
		if err != nil {
			u.recordResult(err)
			u.breaker.Release(trial)
			p.logger.Warn().Err(err).Str("upstream", u.Name()).Msg("session dial failed, trying next upstream")
			exclude[u.Name()] = true
			continue
		}
		return &Session{pool: p, upstream: u, ws: c, trial: trial}, nil
	}
}

func (p *Pool) takeIdle(name string) *wsConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.idle[name]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if !c.Broken() {
			p.idle[name] = conns
			return c
		}
		go c.Close()
	}
	p.idle[name] = conns
	return nil
}

// release hands back the session's breaker trial slot and returns a WebSocket
// session's connection to the idle set, or closes it when it is broken or the
// idle set is full
func (p *Pool) release(s *Session) {
	s.upstream.breaker.Release(s.trial)
	s.trial = 0

	if s.ws == nil {
		return
	}
	if s.broken() {
		s.ws.Close()
		return
	}

	name := s.upstream.Name()
	p.mu.Lock()
	if len(p.idle[name]) < p.maxIdle {
		p.idle[name] = append(p.idle[name], s.ws)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	s.ws.Close()
}

// cached returns a stored response for req with req's id, if any
func (p *Pool) cached(req *jsonrpc.Request) (*jsonrpc.Response, bool) {
	if !p.policy.IsCacheable(req.Method, req.Params) {
		return nil, false
	}
	key := cache.GenerateCacheKey(p.name, req.Method, req.Params)
	data, found := p.cache.Get(key)
	if !found {
		return nil, false
	}
	resp, err := jsonrpc.ParseResponse(data)
	if err != nil {
		return nil, false
	}
	resp.ID = req.ID
	p.logger.Debug().
		Str("method", req.Method).
		Str("cacheKey", key).
		Msg("cache hit")
	return resp, true
}

// store caches a successful response to req
func (p *Pool) store(req *jsonrpc.Request, resp *jsonrpc.Response) {
	if resp.HasError() || !p.policy.IsCacheable(req.Method, req.Params) {
		return
	}
	key := cache.GenerateCacheKey(p.name, req.Method, req.Params)
	if data, err := resp.Bytes(); err == nil {
		p.cache.Set(key, data)
		p.logger.Debug().
			Str("method", req.Method).
			Str("cacheKey", key).
			Msg("cached response")
	}
}

// Snapshot returns the state of every upstream
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	idle := make(map[string]int, len(p.idle))
	for name, conns := range p.idle {
		idle[name] = len(conns)
	}
	p.mu.Unlock()

	result := make([]Snapshot, 0, len(p.upstreams))
	for _, u := range p.upstreams {
		result = append(result, Snapshot{
			Name:         u.Name(),
			Role:         u.Role(),
			Transport:    u.Transport(),
			Healthy:      u.IsHealthy(),
			Breaker:      u.breaker.State(),
			Requests:     u.status.totalCount.Load(),
			Failures:     u.status.failureCount.Load(),
			IdleSessions: idle[u.Name()],
		})
	}
	return result
}
