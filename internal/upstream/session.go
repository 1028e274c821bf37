package upstream

import (
	"context"
	"fmt"

	"rpcfanout/internal/jsonrpc"
)

// Session is a handle on one upstream owned by a single worker.
// HTTP sessions share the upstream's client; WebSocket sessions own a connection.
type Session struct {
	pool     *Pool
	upstream *Upstream
	ws       *wsConn
	// trial is the breaker token held while the upstream is half-open
	trial int
}

// Upstream returns the upstream the session is bound to
func (s *Session) Upstream() *Upstream {
	return s.upstream
}

// Execute sends req with txID as its id. A JSON-RPC error reply is returned
// as an error wrapping the *jsonrpc.Error.
func (s *Session) Execute(ctx context.Context, txID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	call := req.WithID(jsonrpc.NewIDString(txID))

	if resp, ok := s.pool.cached(call); ok {
		return resp, nil
	}

	resp, err := s.roundTrip(ctx, call)
	s.upstream.recordResult(err)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", s.upstream.Name(), err)
	}
	if resp.HasError() {
		return nil, fmt.Errorf("upstream %s: %w", s.upstream.Name(), resp.Error)
	}

	s.pool.store(call, resp)
	return resp, nil
}

func (s *Session) roundTrip(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if s.ws != nil {
		return s.ws.SendRequest(ctx, req)
	}
	return s.upstream.ExecuteHTTP(ctx, req)
}

func (s *Session) roundTripBatch(ctx context.Context, requests []*jsonrpc.Request) ([]*jsonrpc.Response, error) {
	if s.ws != nil {
		return s.ws.SendBatch(ctx, requests)
	}
	return s.upstream.ExecuteBatchHTTP(ctx, requests)
}

// broken reports whether the session's connection must be discarded
func (s *Session) broken() bool {
	return s.ws != nil && s.ws.Broken()
}
