package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rpcfanout/internal/config"
	"rpcfanout/internal/jsonrpc"
	"rpcfanout/internal/report"
	"rpcfanout/internal/runner"
	"rpcfanout/internal/store"
	"rpcfanout/internal/upstream"
)

// Handler returns the HTTP routes of the service
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /reports/{id}", s.handleReport)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// handleDispatch runs the posted request set and answers with its report.
// The body is a JSON-RPC request or batch; query parameters override the
// configured dispatch knobs.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	maxBody := s.cfg.Server.MaxBodySize
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > maxBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	requests, _, err := jsonrpc.ParseBatchRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if limit := s.cfg.Server.MaxRequests; limit > 0 && len(requests) > limit {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d requests per dispatch", limit))
		return
	}
	for i, req := range requests {
		if req.JSONRPC == "" {
			req.JSONRPC = jsonrpc.Version
		}
		if err := req.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("request %d: %v", i, err))
			return
		}
	}

	opts, err := optionsFromQuery(runner.OptionsFromConfig(s.cfg.Dispatch), r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.runner.Run(r.Context(), requests, opts)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := report.Write(w, summary, false); err != nil {
		s.logger.Error().Err(err).Msg("failed to write report")
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, "report store not configured")
		return
	}

	summary, err := s.store.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("failed to load report")
		s.writeError(w, http.StatusInternalServerError, "failed to load report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	report.Write(w, summary, false)
}

type healthResponse struct {
	Healthy   bool                `json:"healthy"`
	Upstreams []upstream.Snapshot `json:"upstreams"`
}

// handleHealth reports 200 while at least one upstream can take sessions
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Upstreams: s.pool.Snapshot()}
	resp.Healthy = len(s.pool.GetHealthyMain())+len(s.pool.GetHealthyFallback()) > 0

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// optionsFromQuery applies the dispatch overrides given as query parameters
func optionsFromQuery(opts runner.Options, q url.Values) (runner.Options, error) {
	var err error
	if v := q.Get("concurrency"); v != "" {
		if opts.Concurrency, err = strconv.Atoi(v); err != nil {
			return opts, fmt.Errorf("invalid concurrency %q", v)
		}
	}
	if v := q.Get("batchSize"); v != "" {
		if opts.BatchSize, err = strconv.Atoi(v); err != nil || opts.BatchSize < 0 {
			return opts, fmt.Errorf("invalid batchSize %q", v)
		}
	}
	if v := q.Get("continueOnError"); v != "" {
		if opts.ContinueOnError, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("invalid continueOnError %q", v)
		}
	}
	if v := q.Get("captureTiming"); v != "" {
		if opts.CaptureTiming, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("invalid captureTiming %q", v)
		}
	}
	if v := q.Get("orderByIndex"); v != "" {
		if opts.OrderByIndex, err = strconv.ParseBool(v); err != nil {
			return opts, fmt.Errorf("invalid orderByIndex %q", v)
		}
	}
	if v := q.Get("reference"); v != "" {
		if err := config.ValidateReference(v); err != nil {
			return opts, err
		}
		opts.Reference = v
	}
	return opts, nil
}
