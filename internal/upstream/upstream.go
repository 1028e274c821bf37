package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"rpcfanout/internal/config"
	"rpcfanout/internal/jsonrpc"
)

// Upstream represents a single upstream RPC endpoint
type Upstream struct {
	name     string
	rpcURL   string
	wsURL    string
	weight   int
	role     Role
	preferWS bool

	messageTimeout time.Duration

	httpClient *http.Client
	status     *Status
	breaker    *CircuitBreaker
	logger     zerolog.Logger
}

// Config for creating a new Upstream
type Config struct {
	Name           string
	RPCURL         string
	WSURL          string
	Weight         int
	Role           Role
	PreferWS       bool
	RequestTimeout time.Duration
	MessageTimeout time.Duration
	Breaker        CircuitBreakerConfig
	Logger         zerolog.Logger
}

// NewUpstream creates a new Upstream instance
func NewUpstream(cfg Config) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}

	return &Upstream{
		name:           cfg.Name,
		rpcURL:         cfg.RPCURL,
		wsURL:          cfg.WSURL,
		weight:         cfg.Weight,
		role:           cfg.Role,
		preferWS:       cfg.PreferWS,
		messageTimeout: cfg.MessageTimeout,
		httpClient:     httpClient,
		status:         NewStatus(),
		breaker:        NewCircuitBreaker(cfg.Breaker),
		logger:         cfg.Logger.With().Str("upstream", cfg.Name).Logger(),
	}
}

// NewUpstreamFromConfig creates an Upstream from config
func NewUpstreamFromConfig(cfg config.UpstreamConfig, globalCfg *config.Config, logger zerolog.Logger) *Upstream {
	return NewUpstream(Config{
		Name:           cfg.Name,
		RPCURL:         cfg.RPCURL,
		WSURL:          cfg.WSURL,
		Weight:         cfg.Weight,
		Role:           RoleFromConfig(cfg.Role),
		PreferWS:       cfg.PreferWS,
		RequestTimeout: globalCfg.GetRequestTimeoutDuration(),
		MessageTimeout: globalCfg.GetUpstreamMessageTimeoutDuration(),
		Breaker:        CircuitBreakerConfigFrom(globalCfg.CircuitBreaker),
		Logger:         logger,
	})
}

// Name returns the upstream name
func (u *Upstream) Name() string {
	return u.name
}

// Weight returns the weight for load balancing
func (u *Upstream) Weight() int {
	return u.weight
}

// Role returns the upstream role
func (u *Upstream) Role() Role {
	return u.role
}

// IsMain returns true if this is a main upstream
func (u *Upstream) IsMain() bool {
	return u.role == RoleMain
}

// IsFallback returns true if this is a fallback upstream
func (u *Upstream) IsFallback() bool {
	return u.role == RoleFallback
}

// IsHealthy returns the health status
func (u *Upstream) IsHealthy() bool {
	return u.status.IsHealthy()
}

// Available reports whether sessions may be opened on the upstream
func (u *Upstream) Available() bool {
	return u.status.IsHealthy() && u.breaker.AllowRequest()
}

// HasRPC returns true if HTTP RPC URL is configured
func (u *Upstream) HasRPC() bool {
	return u.rpcURL != ""
}

// HasWS returns true if WebSocket URL is configured
func (u *Upstream) HasWS() bool {
	return u.wsURL != ""
}

// UsesWS returns true when sessions on this upstream run over WebSocket.
// HTTP wins unless preferWS is set or no rpcUrl is configured.
func (u *Upstream) UsesWS() bool {
	if u.preferWS && u.HasWS() {
		return true
	}
	return !u.HasRPC() && u.HasWS()
}

// Transport returns the transport name used by sessions
func (u *Upstream) Transport() string {
	if u.UsesWS() {
		return "ws"
	}
	return "http"
}

// ExecuteHTTP sends a JSON-RPC request via HTTP
func (u *Upstream) ExecuteHTTP(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := u.post(ctx, reqBytes, 1)
	if err != nil {
		return nil, err
	}

	rpcResp, err := jsonrpc.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return rpcResp, nil
}

// ExecuteBatchHTTP sends a batch of JSON-RPC requests in one HTTP call.
// Responses come back in whatever order the upstream chose.
func (u *Upstream) ExecuteBatchHTTP(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	reqBytes, err := jsonrpc.MarshalBatchRequest(requests)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	body, err := u.post(ctx, reqBytes, uint64(len(requests)))
	if err != nil {
		return nil, err
	}

	return parseBatchReply(body)
}

// post sends one JSON body and returns the response body of a 200 reply
func (u *Upstream) post(ctx context.Context, payload []byte, calls uint64) ([]byte, error) {
	if u.rpcURL == "" {
		return nil, fmt.Errorf("HTTP RPC URL not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	u.status.IncrementRequestCountBy(calls)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// parseBatchReply parses the reply to a batch. A lone error object means the
// upstream rejected the batch as a whole.
func parseBatchReply(body []byte) ([]*jsonrpc.Response, error) {
	responses, isBatch, err := jsonrpc.ParseBatchResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if !isBatch && len(responses) == 1 && responses[0].HasError() {
		return nil, fmt.Errorf("batch rejected: %w", responses[0].Error)
	}
	return responses, nil
}

// recordResult feeds the outcome of a call to the breaker. RPC error
// responses count as success: the upstream answered.
func (u *Upstream) recordResult(err error) {
	var rpcErr *jsonrpc.Error
	if err == nil || errors.As(err, &rpcErr) {
		u.breaker.RecordSuccess()
		return
	}
	u.status.IncrementFailureCount()
	u.breaker.RecordFailure()
	u.logger.Debug().Err(err).Str("breaker", u.breaker.State()).Msg("upstream call failed")
}

// Close closes idle HTTP connections
func (u *Upstream) Close() {
	u.httpClient.CloseIdleConnections()
}
