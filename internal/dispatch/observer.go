package dispatch

import "time"

// Event kinds
const (
	KindRequest = "request"
	KindBatch   = "batch"
	// KindItem labels the summary of a correlated batched run
	KindItem = "item"
)

// RunInfo describes a dispatch run that is about to start
type RunInfo struct {
	Kind    string
	Total   int
	Workers int
	Start   time.Time
}

// Event traces one finished request
type Event struct {
	Kind          string
	Index         int
	Reference     string
	TransactionID string
	Success       bool
	Err           error
	// Elapsed is zero unless timing capture is enabled
	Elapsed time.Duration
}

// Summary describes a finished dispatch run
type Summary struct {
	Kind      string
	Total     int
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// Observer receives progress and diagnostic events. Implementations must be
// safe for concurrent use; OnOutcome is called from worker goroutines.
type Observer interface {
	OnStart(info RunInfo)
	OnOutcome(ev Event)
	OnComplete(sum Summary)
}

// NopObserver discards every event
type NopObserver struct{}

// OnStart does nothing
func (NopObserver) OnStart(RunInfo) {}

// OnOutcome does nothing
func (NopObserver) OnOutcome(Event) {}

// OnComplete does nothing
func (NopObserver) OnComplete(Summary) {}

// Observers fans every event out to each member in order
type Observers []Observer

// OnStart forwards to every observer
func (o Observers) OnStart(info RunInfo) {
	for _, obs := range o {
		obs.OnStart(info)
	}
}

// OnOutcome forwards to every observer
func (o Observers) OnOutcome(ev Event) {
	for _, obs := range o {
		obs.OnOutcome(ev)
	}
}

// OnComplete forwards to every observer
func (o Observers) OnComplete(sum Summary) {
	for _, obs := range o {
		obs.OnComplete(sum)
	}
}

// observerOrNop returns NopObserver for a nil observer
func observerOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
