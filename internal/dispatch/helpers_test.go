package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var errBackend = errors.New("backend rejected request")

// fakeBackend executes int requests; failing ones are listed in fail
type fakeBackend struct {
	fail         map[int]bool
	panicOn      map[int]bool
	delay        func(req int) time.Duration
	acquireDelay time.Duration
	acquireErr   error

	acquired atomic.Int32
	released atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32

	mu         sync.Mutex
	acquiredAt []time.Time
	txIDs      map[string]int
}

type fakeSession struct {
	b *fakeBackend
}

func (b *fakeBackend) AcquireSession(ctx context.Context) (Session[int, string], error) {
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	if b.acquireDelay > 0 {
		time.Sleep(b.acquireDelay)
	}
	b.acquired.Add(1)
	b.mu.Lock()
	b.acquiredAt = append(b.acquiredAt, time.Now())
	b.mu.Unlock()
	return &fakeSession{b: b}, nil
}

func (b *fakeBackend) ReleaseSession(s Session[int, string]) {
	b.released.Add(1)
}

func (s *fakeSession) Execute(ctx context.Context, txID string, req int) (string, error) {
	b := s.b
	n := b.inflight.Add(1)
	defer b.inflight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b.mu.Lock()
	if b.txIDs == nil {
		b.txIDs = make(map[string]int)
	}
	b.txIDs[txID]++
	b.mu.Unlock()

	if b.delay != nil {
		time.Sleep(b.delay(req))
	}
	if b.panicOn[req] {
		panic("boom")
	}
	if b.fail[req] {
		return "", fmt.Errorf("request %d: %w", req, errBackend)
	}
	return "ok-" + strconv.Itoa(req), nil
}

// compositeBackend executes composites of int requests
type compositeBackend struct {
	// failBatch marks composites that fail as a whole, by composite index
	failBatch map[int]bool
	// faultItem marks individual requests that fail inside a composite
	faultItem func(req int) bool
	delay     func(c Composite[int]) time.Duration
}

type compositeSession struct {
	b *compositeBackend
}

func (b *compositeBackend) AcquireSession(ctx context.Context) (Session[Composite[int], CompositeResponse[string]], error) {
	return &compositeSession{b: b}, nil
}

func (b *compositeBackend) ReleaseSession(Session[Composite[int], CompositeResponse[string]]) {}

func (s *compositeSession) Execute(ctx context.Context, txID string, c Composite[int]) (CompositeResponse[string], error) {
	b := s.b
	if b.delay != nil {
		time.Sleep(b.delay(c))
	}
	if b.failBatch[c.Index] {
		return CompositeResponse[string]{}, fmt.Errorf("composite %d: %w", c.Index, errBackend)
	}

	resp := CompositeResponse[string]{Items: make([]ItemResult[string], 0, c.Len())}
	for _, req := range c.Requests {
		if b.faultItem != nil && b.faultItem(req) {
			resp.Items = append(resp.Items, ItemResult[string]{Fault: fmt.Errorf("item %d: %w", req, errBackend)})
			if !c.ContinueOnError {
				break
			}
			continue
		}
		resp.Items = append(resp.Items, ItemResult[string]{Response: "ok-" + strconv.Itoa(req)})
	}
	return resp, nil
}

// recordingObserver counts events
type recordingObserver struct {
	mu        sync.Mutex
	starts    []RunInfo
	events    []Event
	summaries []Summary
}

func (o *recordingObserver) OnStart(info RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, info)
}

func (o *recordingObserver) OnOutcome(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) OnComplete(sum Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, sum)
}

func intRequests(n int) []int {
	reqs := make([]int, n)
	for i := range reqs {
		reqs[i] = i + 1
	}
	return reqs
}

func refOf(req int) (string, error) {
	return "ref-" + strconv.Itoa(req), nil
}

func byIndex[Resp any](outcomes []Outcome[Resp]) map[int]Outcome[Resp] {
	m := make(map[int]Outcome[Resp], len(outcomes))
	for _, o := range outcomes {
		m[o.Index] = o
	}
	return m
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
