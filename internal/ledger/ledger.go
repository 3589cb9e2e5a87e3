// Package ledger is the concurrent statistics collector at the core of
// callscope. It owns four structures: per-function rolling aggregates,
// per-API rolling aggregates, a single bounded flow-event log shared by all
// goroutines, and the registry of calls currently in flight. All analysis
// packages read point-in-time snapshots; nothing outside this package
// mutates ledger state.
package ledger

import (
	"math"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultFlowCapacity bounds the shared flow-event log. Once full,
	// the oldest events are evicted on each insert.
	DefaultFlowCapacity = 10000

	// DefaultRecentSamples is the per-function recent-duration window.
	DefaultRecentSamples = 100

	// DefaultRecentAPICalls is the per-API recent-call window.
	DefaultRecentAPICalls = 50
)

// Options configures a Ledger. The zero value yields a disabled ledger with
// default capacities.
type Options struct {
	// Enabled turns recording on. A disabled ledger short-circuits every
	// write to a single boolean check and every read to an empty result.
	Enabled bool

	// FlowCapacity is the flow-event log bound. 0 means DefaultFlowCapacity.
	FlowCapacity int

	// RecentSamples is the per-function duration window. 0 means
	// DefaultRecentSamples.
	RecentSamples int

	// RecentAPICalls is the per-API call window. 0 means
	// DefaultRecentAPICalls.
	RecentAPICalls int

	// Clock supplies timestamps. nil means the wall clock.
	Clock clock.Clock
}

// Ledger is the thread-safe store for all telemetry state. A single mutex
// guards every mutation and snapshot copy: write critical sections are O(1)
// and snapshot copies are bounded by the fixed window capacities, so lock
// hold time has a fixed worst case independent of call volume.
type Ledger struct {
	mu             sync.Mutex
	enabled        bool
	clk            clock.Clock
	functions      map[string]*functionAggregate
	apis           map[string]*apiAggregate
	flow           *ring[FlowEvent]
	active         map[string]ActiveCall
	recentSamples  int
	recentAPICalls int
}

// New creates a Ledger from the given options.
func New(opts Options) *Ledger {
	if opts.FlowCapacity <= 0 {
		opts.FlowCapacity = DefaultFlowCapacity
	}
	if opts.RecentSamples <= 0 {
		opts.RecentSamples = DefaultRecentSamples
	}
	if opts.RecentAPICalls <= 0 {
		opts.RecentAPICalls = DefaultRecentAPICalls
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Ledger{
		enabled:        opts.Enabled,
		clk:            opts.Clock,
		functions:      make(map[string]*functionAggregate),
		apis:           make(map[string]*apiAggregate),
		flow:           newRing[FlowEvent](opts.FlowCapacity),
		active:         make(map[string]ActiveCall),
		recentSamples:  opts.RecentSamples,
		recentAPICalls: opts.RecentAPICalls,
	}
}

var (
	defaultOnce   sync.Once
	defaultLedger *Ledger
)

// Default returns the process-wide ledger, created on first use. It is
// enabled only when the CALLSCOPE_ENABLED environment variable is set to
// "1" or "true"; the flag is read exactly once. Code that wants explicit
// configuration should construct its own Ledger and pass it around.
func Default() *Ledger {
	defaultOnce.Do(func() {
		v := os.Getenv("CALLSCOPE_ENABLED")
		defaultLedger = New(Options{Enabled: v == "1" || v == "true"})
	})
	return defaultLedger
}

// Enabled reports whether this ledger records anything at all. The flag is
// fixed at construction.
func (l *Ledger) Enabled() bool { return l.enabled }

// Now returns the current time from the ledger's clock.
func (l *Ledger) Now() time.Time { return l.clk.Now() }

// RecordFunctionCall folds one completed call into the function's rolling
// aggregate. It never fails and never blocks beyond the ledger mutex.
func (l *Ledger) RecordFunctionCall(name string, d time.Duration, success bool) {
	if !l.enabled {
		return
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	agg, ok := l.functions[name]
	if !ok {
		agg = &functionAggregate{
			min:    time.Duration(math.MaxInt64),
			recent: newRing[time.Duration](l.recentSamples),
		}
		l.functions[name] = agg
	}

	agg.calls++
	agg.total += d
	if d < agg.min {
		agg.min = d
	}
	if d > agg.max {
		agg.max = d
	}
	agg.recent.add(d)
	if !success {
		agg.errors++
	}
	agg.lastCalled = now
}

// RecordAPICall folds one completed API call into the aggregate for the
// given key. The key is either "api:endpoint" or a bare API name; callers
// build it. errMsg is retained only in the recent-call window.
func (l *Ledger) RecordAPICall(key string, d time.Duration, success bool, errMsg string) {
	if !l.enabled {
		return
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	agg, ok := l.apis[key]
	if !ok {
		agg = &apiAggregate{
			min:    time.Duration(math.MaxInt64),
			recent: newRing[APICallSample](l.recentAPICalls),
		}
		l.apis[key] = agg
	}

	agg.calls++
	agg.total += d
	if d < agg.min {
		agg.min = d
	}
	if d > agg.max {
		agg.max = d
	}
	if success {
		agg.successes++
	} else {
		agg.errors++
	}
	agg.recent.add(APICallSample{
		Timestamp: now,
		Duration:  d,
		Success:   success,
		Error:     errMsg,
	})
}

// AppendFlowEvent inserts an event into the shared flow log, evicting the
// oldest event when the log is full.
func (l *Ledger) AppendFlowEvent(e FlowEvent) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flow.add(e)
}

// RegisterActiveCall records a call that has started executing.
func (l *Ledger) RegisterActiveCall(c ActiveCall) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[c.ID] = c
}

// UnregisterActiveCall removes a call from the in-flight registry. Unknown
// IDs are ignored.
func (l *Ledger) UnregisterActiveCall(id string) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, id)
}

// FunctionStats returns snapshots for every recorded function, keyed by
// name. The raw state is copied under the lock; derived fields are computed
// afterwards so long computations never block writers.
func (l *Ledger) FunctionStats() map[string]FunctionSnapshot {
	if !l.enabled {
		return map[string]FunctionSnapshot{}
	}

	type raw struct {
		agg    functionAggregate
		recent []time.Duration
	}

	l.mu.Lock()
	copies := make(map[string]raw, len(l.functions))
	for name, agg := range l.functions {
		copies[name] = raw{agg: *agg, recent: agg.recent.list()}
	}
	l.mu.Unlock()

	result := make(map[string]FunctionSnapshot, len(copies))
	for name, r := range copies {
		result[name] = deriveFunction(name, r.agg, r.recent)
	}
	return result
}

// FunctionStatsFor returns the snapshot for one function.
func (l *Ledger) FunctionStatsFor(name string) (FunctionSnapshot, bool) {
	if !l.enabled {
		return FunctionSnapshot{}, false
	}

	l.mu.Lock()
	agg, ok := l.functions[name]
	var cp functionAggregate
	var recent []time.Duration
	if ok {
		cp = *agg
		recent = agg.recent.list()
	}
	l.mu.Unlock()

	if !ok {
		return FunctionSnapshot{}, false
	}
	return deriveFunction(name, cp, recent), true
}

// APIStats returns snapshots for every recorded API key.
func (l *Ledger) APIStats() map[string]APISnapshot {
	if !l.enabled {
		return map[string]APISnapshot{}
	}

	type raw struct {
		agg    apiAggregate
		recent []APICallSample
	}

	l.mu.Lock()
	copies := make(map[string]raw, len(l.apis))
	for key, agg := range l.apis {
		copies[key] = raw{agg: *agg, recent: agg.recent.list()}
	}
	l.mu.Unlock()

	result := make(map[string]APISnapshot, len(copies))
	for key, r := range copies {
		result[key] = deriveAPI(key, r.agg, r.recent)
	}
	return result
}

// APIStatsFor returns the snapshot for one API key.
func (l *Ledger) APIStatsFor(key string) (APISnapshot, bool) {
	if !l.enabled {
		return APISnapshot{}, false
	}

	l.mu.Lock()
	agg, ok := l.apis[key]
	var cp apiAggregate
	var recent []APICallSample
	if ok {
		cp = *agg
		recent = agg.recent.list()
	}
	l.mu.Unlock()

	if !ok {
		return APISnapshot{}, false
	}
	return deriveAPI(key, cp, recent), true
}

// FlowEvents returns a copy of the flow log in insertion order. lastN <= 0
// returns every retained event; otherwise only the most recent lastN.
func (l *Ledger) FlowEvents(lastN int) []FlowEvent {
	if !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flow.tail(lastN)
}

// ActiveCalls returns a copy of the in-flight call registry.
func (l *Ledger) ActiveCalls() map[string]ActiveCall {
	if !l.enabled {
		return map[string]ActiveCall{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make(map[string]ActiveCall, len(l.active))
	for id, c := range l.active {
		result[id] = c
	}
	return result
}

// Clear atomically empties all four structures. On a disabled ledger it is
// a no-op.
func (l *Ledger) Clear() {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.functions = make(map[string]*functionAggregate)
	l.apis = make(map[string]*apiAggregate)
	l.flow.reset()
	l.active = make(map[string]ActiveCall)
}

// deriveFunction computes the derived fields for a function snapshot. Runs
// outside the ledger lock on private copies.
func deriveFunction(name string, agg functionAggregate, recent []time.Duration) FunctionSnapshot {
	s := FunctionSnapshot{
		Name:       name,
		Calls:      agg.calls,
		Errors:     agg.errors,
		Total:      agg.total,
		Min:        agg.min,
		Max:        agg.max,
		Recent:     recent,
		LastCalled: agg.lastCalled,
	}
	if agg.calls == 0 {
		return s
	}
	s.Average = agg.total / time.Duration(agg.calls)
	s.SuccessRate = float64(agg.calls-agg.errors) / float64(agg.calls)
	if len(recent) > 0 {
		var sum time.Duration
		for _, d := range recent {
			sum += d
		}
		s.RecentAverage = sum / time.Duration(len(recent))
	}
	return s
}

// deriveAPI computes the derived fields for an API snapshot.
func deriveAPI(key string, agg apiAggregate, recent []APICallSample) APISnapshot {
	s := APISnapshot{
		Name:      key,
		Calls:     agg.calls,
		Successes: agg.successes,
		Errors:    agg.errors,
		Total:     agg.total,
		Min:       agg.min,
		Max:       agg.max,
		Recent:    recent,
	}
	if agg.calls == 0 {
		return s
	}
	s.Average = agg.total / time.Duration(agg.calls)
	s.SuccessRate = float64(agg.successes) / float64(agg.calls)
	return s
}
