// Package report renders dispatch reports over JSON-RPC responses as JSON
// documents.
package report

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"time"

	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/jsonrpc"
)

// Modes
const (
	ModeSingle  = "single"
	ModeBatched = "batched"
)

// ErrorInfo describes a failed outcome
type ErrorInfo struct {
	Message string `json:"message"`
	// Code is set when the upstream answered with a JSON-RPC error
	Code *int `json:"code,omitempty"`
	// Batch is set when the whole composite call failed
	Batch *int `json:"batch,omitempty"`
}

// Outcome is the rendered result of one request
type Outcome struct {
	Index         int              `json:"index"`
	Success       bool             `json:"success"`
	Reference     string           `json:"reference,omitempty"`
	TransactionID string           `json:"transactionId"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Error         *ErrorInfo       `json:"error,omitempty"`
	Timing        *dispatch.Timing `json:"timing,omitempty"`
}

// BatchOutcome is the rendered result of one composite call
type BatchOutcome struct {
	Index         int              `json:"index"`
	Reference     string           `json:"reference"`
	Success       bool             `json:"success"`
	Items         int              `json:"items"`
	TransactionID string           `json:"transactionId"`
	Error         string           `json:"error,omitempty"`
	Timing        *dispatch.Timing `json:"timing,omitempty"`
}

// Summary is the JSON document of one run. Outcomes and Batches keep the
// order of the dispatch report: completion order for single runs and for
// batch diagnostics, submission order for correlated items. SortByIndex
// reorders both by index.
type Summary struct {
	RunID      string         `json:"runId"`
	Mode       string         `json:"mode"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	DurationMs int64          `json:"durationMs"`
	BatchSize  int            `json:"batchSize,omitempty"`
	Batches    []BatchOutcome `json:"batches,omitempty"`
	Outcomes   []Outcome      `json:"outcomes"`
}

// FromReport renders a single-request report
func FromReport(runID string, r *dispatch.Report[*jsonrpc.Response]) *Summary {
	s := &Summary{
		RunID:      runID,
		Mode:       ModeSingle,
		Total:      r.Total,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		Start:      r.Start,
		End:        r.End,
		DurationMs: r.Duration().Milliseconds(),
		Outcomes:   renderOutcomes(r.Outcomes),
	}
	return s
}

// FromBatchReport renders a batched report with its per-composite outcomes
func FromBatchReport(runID string, r *dispatch.BatchReport[*jsonrpc.Response]) *Summary {
	s := FromReport(runID, &r.Report)
	s.Mode = ModeBatched
	s.BatchSize = r.BatchSize

	s.Batches = make([]BatchOutcome, 0, len(r.Batches))
	for _, b := range r.Batches {
		s.Batches = append(s.Batches, BatchOutcome{
			Index:         b.Index,
			Reference:     b.Reference,
			Success:       b.Success,
			Items:         len(b.Response.Items),
			TransactionID: b.TransactionID,
			Error:         b.ErrorMessage,
			Timing:        b.Timing,
		})
	}
	return s
}

// SortByIndex lists outcomes and batches by submission index
func (s *Summary) SortByIndex() {
	sort.Slice(s.Outcomes, func(i, j int) bool { return s.Outcomes[i].Index < s.Outcomes[j].Index })
	sort.Slice(s.Batches, func(i, j int) bool { return s.Batches[i].Index < s.Batches[j].Index })
}

func renderOutcomes(outcomes []dispatch.Outcome[*jsonrpc.Response]) []Outcome {
	rendered := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		out := Outcome{
			Index:         o.Index,
			Success:       o.Success,
			Reference:     o.Reference,
			TransactionID: o.TransactionID,
			Timing:        o.Timing,
		}
		if o.Success && o.Response != nil {
			out.Result = o.Response.Result
		}
		if !o.Success {
			out.Error = errorInfo(o.Error, o.ErrorMessage)
		}
		rendered = append(rendered, out)
	}
	return rendered
}

func errorInfo(err error, message string) *ErrorInfo {
	info := &ErrorInfo{Message: message}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.Code
		info.Code = &code
	}

	var compositeErr *dispatch.CompositeError
	if errors.As(err, &compositeErr) {
		batch := compositeErr.Batch
		info.Batch = &batch
	}
	return info
}

// Write encodes s to w, indented when pretty is set
func Write(w io.Writer, s *Summary, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(s)
}
