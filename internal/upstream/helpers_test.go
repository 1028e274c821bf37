package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpcfanout/internal/config"
	"rpcfanout/internal/jsonrpc"
)

// reply answers one request: "fail" gets an RPC error, "drop" gets nothing,
// anything else gets its own method name as result
func reply(req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "fail":
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeServerError, "boom"))
	case "drop":
		return nil
	}
	return jsonrpc.NewResponseRaw(req.ID, json.RawMessage(`"`+req.Method+`"`))
}

// handleFrame answers a request or a batch. Batch replies come back reversed.
// A batch containing "reject" is refused with a single error object.
func handleFrame(data []byte) ([]byte, bool) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		out, _ := jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.ErrParse).Bytes()
		return out, true
	}

	if !isBatch {
		resp := reply(requests[0])
		if resp == nil {
			return nil, false
		}
		out, _ := resp.Bytes()
		return out, true
	}

	responses := make([]*jsonrpc.Response, 0, len(requests))
	for i := len(requests) - 1; i >= 0; i-- {
		if requests[i].Method == "reject" {
			out, _ := jsonrpc.NewErrorResponse(jsonrpc.NewIDNull(), jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "batch too large")).Bytes()
			return out, true
		}
		if resp := reply(requests[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	out, _ := jsonrpc.MarshalBatchResponse(responses)
	return out, true
}

type rpcServer struct {
	*httptest.Server
	calls   atomic.Int32
	lastIDs atomic.Value
}

func newRPCServer(t *testing.T) *rpcServer {
	t.Helper()
	s := &rpcServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if requests, _, err := jsonrpc.ParseBatchRequest(body); err == nil {
			ids := make([]string, 0, len(requests))
			for _, req := range requests {
				ids = append(ids, req.ID.String())
			}
			s.lastIDs.Store(ids)
		}
		out, ok := handleFrame(body)
		if !ok {
			out = []byte(`{"jsonrpc":"2.0","result":null,"id":"unrelated"}`)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *rpcServer) ids() []string {
	ids, _ := s.lastIDs.Load().([]string)
	return ids
}

func newWSServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			out, ok := handleFrame(data)
			if !ok {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(upstreams ...config.UpstreamConfig) *config.Config {
	for i := range upstreams {
		if upstreams[i].Weight == 0 {
			upstreams[i].Weight = 1
		}
		if upstreams[i].Role == "" {
			upstreams[i].Role = config.RoleMain
		}
	}
	return &config.Config{
		RequestTimeout:         2000,
		UpstreamMessageTimeout: 2000,
		MaxIdleSessions:        2,
		HealthCheckMethod:      "net_version",
		Upstreams:              upstreams,
	}
}

func newTestPool(t *testing.T, cfg *config.Config) *Pool {
	t.Helper()
	p := NewPool(cfg, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p
}

func mustRequest(t *testing.T, method string, id int64) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, []interface{}{"0x1"}, jsonrpc.NewIDInt(id))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}
