package ledger

import "time"

// EventKind marks a flow event as the start or the end of an instrumented
// call.
type EventKind string

const (
	EventStart EventKind = "start"
	EventEnd   EventKind = "end"
)

// FlowEvent is a timestamped start/end marker for one instrumented function
// invocation, tagged with the goroutine that executed it. Duration and
// Success are only meaningful on end events.
type FlowEvent struct {
	Function    string
	Timestamp   time.Time
	Kind        EventKind
	GoroutineID uint64
	Duration    time.Duration
	Success     bool
}

// ActiveCall describes an instrumented call that has started but not yet
// returned.
type ActiveCall struct {
	ID          string
	Function    string
	StartedAt   time.Time
	GoroutineID uint64
}

// APICallSample is one entry in an API's recent-call window.
type APICallSample struct {
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// functionAggregate holds the mutable rolling state for one instrumented
// function. Only the Ledger touches it, under the Ledger lock.
type functionAggregate struct {
	calls      uint64
	total      time.Duration
	min        time.Duration
	max        time.Duration
	recent     *ring[time.Duration]
	errors     uint64
	lastCalled time.Time
}

// apiAggregate holds the mutable rolling state for one API key.
type apiAggregate struct {
	calls     uint64
	total     time.Duration
	min       time.Duration
	max       time.Duration
	successes uint64
	errors    uint64
	recent    *ring[APICallSample]
}

// FunctionSnapshot is a point-in-time copy of one function's statistics with
// derived fields filled in. Derived fields (Average, SuccessRate,
// RecentAverage) are zero when Calls is zero.
type FunctionSnapshot struct {
	Name          string
	Calls         uint64
	Errors        uint64
	Total         time.Duration
	Min           time.Duration
	Max           time.Duration
	Average       time.Duration
	RecentAverage time.Duration
	Recent        []time.Duration
	SuccessRate   float64
	LastCalled    time.Time
}

// APISnapshot is a point-in-time copy of one API's statistics with derived
// fields filled in.
type APISnapshot struct {
	Name        string
	Calls       uint64
	Successes   uint64
	Errors      uint64
	Total       time.Duration
	Min         time.Duration
	Max         time.Duration
	Average     time.Duration
	SuccessRate float64
	Recent      []APICallSample
}
