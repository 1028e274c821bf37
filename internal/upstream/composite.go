package upstream

import (
	"context"
	"fmt"

	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/jsonrpc"
)

// Batch is a composite of JSON-RPC requests
type Batch = dispatch.Composite[*jsonrpc.Request]

// BatchResponse is the per-item reply to a Batch
type BatchResponse = dispatch.CompositeResponse[*jsonrpc.Response]

// CompositeBackend runs composites on the pool's sessions. With
// ContinueOnError the composite goes out as one JSON-RPC batch; without it the
// items run one by one and stop at the first fault.
type CompositeBackend struct {
	pool *Pool
}

// AcquireSession implements dispatch.Backend
func (b *CompositeBackend) AcquireSession(ctx context.Context) (dispatch.Session[Batch, BatchResponse], error) {
	s, err := b.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &compositeSession{s}, nil
}

// ReleaseSession implements dispatch.Backend
func (b *CompositeBackend) ReleaseSession(s dispatch.Session[Batch, BatchResponse]) {
	if cs, ok := s.(*compositeSession); ok {
		b.pool.release(cs.Session)
	}
}

type compositeSession struct {
	*Session
}

// itemTxID is the id carried by the item at pos of composite txID
func itemTxID(txID string, pos int) string {
	return fmt.Sprintf("%s/%d", txID, pos)
}

// Execute runs the composite. An error means the composite as a whole failed.
func (cs *compositeSession) Execute(ctx context.Context, txID string, batch Batch) (BatchResponse, error) {
	if batch.ContinueOnError {
		return cs.executeBatch(ctx, txID, batch)
	}
	return cs.executeSequential(ctx, txID, batch)
}

func (cs *compositeSession) executeBatch(ctx context.Context, txID string, batch Batch) (BatchResponse, error) {
	items := make([]dispatch.ItemResult[*jsonrpc.Response], batch.Len())

	var pending []*jsonrpc.Request
	var slots []int
	for pos, req := range batch.Requests {
		call := req.WithID(jsonrpc.NewIDString(itemTxID(txID, pos)))
		if resp, ok := cs.pool.cached(call); ok {
			items[pos].Response = resp
			continue
		}
		pending = append(pending, call)
		slots = append(slots, pos)
	}

	if len(pending) == 0 {
		return BatchResponse{Items: items}, nil
	}

	responses, err := cs.roundTripBatch(ctx, pending)
	cs.upstream.recordResult(err)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("upstream %s: %w", cs.upstream.Name(), err)
	}

	matched, err := jsonrpc.MatchByID(pending, responses)
	if err != nil {
		return BatchResponse{}, err
	}

	for j, resp := range matched {
		pos := slots[j]
		switch {
		case resp == nil:
			items[pos].Fault = ErrMissingResponse
		case resp.HasError():
			items[pos].Fault = resp.Error
		default:
			items[pos].Response = resp
			cs.pool.store(pending[j], resp)
		}
	}
	return BatchResponse{Items: items}, nil
}

// executeSequential stops at the first fault. Transport errors are item
// faults here because the items before them already succeeded.
func (cs *compositeSession) executeSequential(ctx context.Context, txID string, batch Batch) (BatchResponse, error) {
	items := make([]dispatch.ItemResult[*jsonrpc.Response], 0, batch.Len())
	for pos, req := range batch.Requests {
		if err := ctx.Err(); err != nil {
			if len(items) == 0 {
				return BatchResponse{}, err
			}
			items = append(items, dispatch.ItemResult[*jsonrpc.Response]{Fault: err})
			break
		}

		resp, err := cs.Session.Execute(ctx, itemTxID(txID, pos), req)
		if err != nil {
			items = append(items, dispatch.ItemResult[*jsonrpc.Response]{Fault: err})
			break
		}
		items = append(items, dispatch.ItemResult[*jsonrpc.Response]{Response: resp})
	}
	return BatchResponse{Items: items}, nil
}
