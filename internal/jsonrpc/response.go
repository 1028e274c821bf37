package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// Err returns the response error as an error value, or nil on success
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// NewResponseRaw creates a response with raw JSON result
func NewResponseRaw(id ID, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   err,
		ID:      id,
	}
}

// ParseResponse parses a JSON-RPC response from bytes
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ParseBatchResponse parses a batch of JSON-RPC responses
func ParseBatchResponse(data []byte) ([]*Response, bool, error) {
	data = trimWhitespace(data)
	if len(data) == 0 {
		return nil, false, ErrInvalidRequest
	}

	if data[0] == '[' {
		var responses []*Response
		if err := json.Unmarshal(data, &responses); err != nil {
			return nil, true, err
		}
		return responses, true, nil
	}

	resp, err := ParseResponse(data)
	if err != nil {
		return nil, false, err
	}
	return []*Response{resp}, false, nil
}

// Bytes returns the response as JSON bytes
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// Clone creates a copy of the response
func (r *Response) Clone() *Response {
	clone := &Response{
		JSONRPC: r.JSONRPC,
		ID:      r.ID,
	}
	if r.Result != nil {
		clone.Result = make(json.RawMessage, len(r.Result))
		copy(clone.Result, r.Result)
	}
	if r.Error != nil {
		clone.Error = &Error{
			Code:    r.Error.Code,
			Message: r.Error.Message,
		}
		if r.Error.Data != nil {
			clone.Error.Data = make(json.RawMessage, len(r.Error.Data))
			copy(clone.Error.Data, r.Error.Data)
		}
	}
	return clone
}

// MarshalBatchResponse marshals multiple responses as a JSON array
func MarshalBatchResponse(responses []*Response) ([]byte, error) {
	return json.Marshal(responses)
}

// MatchByID reorders responses to follow the ids of requests. A request with
// no matching response gets a nil slot; duplicate and unknown ids are dropped.
func MatchByID(requests []*Request, responses []*Response) ([]*Response, error) {
	byID := make(map[string]*Response, len(responses))
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		key := resp.ID.String()
		if _, dup := byID[key]; !dup {
			byID[key] = resp
		}
	}

	matched := make([]*Response, len(requests))
	seen := make(map[string]bool, len(requests))
	for i, req := range requests {
		key := req.ID.String()
		if seen[key] {
			return nil, fmt.Errorf("duplicate request id %s in batch", key)
		}
		seen[key] = true
		matched[i] = byID[key]
	}
	return matched, nil
}
