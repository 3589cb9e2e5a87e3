// Package track contains the instrumentation wrappers: the only producers
// of ledger events. A wrapper records entry/exit statistics around a
// caller-supplied function and guarantees the wrapped code's own errors and
// panics propagate unchanged once bookkeeping completes.
package track

import (
	"fmt"
	"log"
	"time"

	"github.com/callscope/callscope/internal/ledger"
)

// UsageSink receives a one-way notification whenever an instrumented
// function completes. Implementations are external collaborators (usage
// analytics); failures inside a sink never affect the engine.
type UsageSink interface {
	RecordToolUsage(tool string, success bool, duration time.Duration)
}

// Tracker wraps function and API calls and feeds the ledger. The enabled
// flag is cached from the ledger at construction so that a disabled tracker
// decides once per call, at the outermost boundary, with no lock and no
// allocation.
type Tracker struct {
	ledger  *ledger.Ledger
	sink    UsageSink
	enabled bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithUsageSink attaches a fire-and-forget usage analytics sink.
func WithUsageSink(s UsageSink) Option {
	return func(t *Tracker) { t.sink = s }
}

// New creates a Tracker recording into the given ledger.
func New(l *ledger.Ledger, opts ...Option) *Tracker {
	t := &Tracker{ledger: l, enabled: l.Enabled()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do runs fn as an instrumented call named name. On entry it registers an
// active call and appends a start flow event; on exit, on every control
// flow path including panic, it records the duration, unregisters the call
// and appends an end event. fn's error is returned unchanged.
func (t *Tracker) Do(name string, fn func() error) error {
	if !t.enabled {
		return fn()
	}

	start := t.ledger.Now()
	gid := goroutineID()
	id := callID(name, gid, start)

	t.ledger.RegisterActiveCall(ledger.ActiveCall{
		ID:          id,
		Function:    name,
		StartedAt:   start,
		GoroutineID: gid,
	})
	t.ledger.AppendFlowEvent(ledger.FlowEvent{
		Function:    name,
		Timestamp:   start,
		Kind:        ledger.EventStart,
		GoroutineID: gid,
	})

	success := false
	defer func() {
		duration := t.ledger.Now().Sub(start)
		t.ledger.RecordFunctionCall(name, duration, success)
		t.ledger.UnregisterActiveCall(id)
		t.ledger.AppendFlowEvent(ledger.FlowEvent{
			Function:    name,
			Timestamp:   t.ledger.Now(),
			Kind:        ledger.EventEnd,
			GoroutineID: gid,
			Duration:    duration,
			Success:     success,
		})
		t.notifySink(name, success, duration)
	}()

	err := fn()
	success = err == nil
	return err
}

// Wrap returns an instrumented version of fn. The returned closure behaves
// identically to fn; when the tracker is disabled it is fn itself.
func Wrap[T any](t *Tracker, name string, fn func() (T, error)) func() (T, error) {
	if !t.enabled {
		return fn
	}
	return func() (T, error) {
		var result T
		err := t.Do(name, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
		return result, err
	}
}

// TrackAPI opens a scoped API-call measurement and returns the function
// that closes it. The caller invokes the returned func with the call's
// outcome, typically via defer, so the exit hook runs on every control flow
// path. No flow event is produced for API calls; they are a lighter-weight
// signal than instrumented functions.
func (t *Tracker) TrackAPI(api, endpoint string) func(err error) {
	if !t.enabled {
		return func(error) {}
	}

	key := api
	if endpoint != "" {
		key = api + ":" + endpoint
	}
	start := t.ledger.Now()

	return func(err error) {
		duration := t.ledger.Now().Sub(start)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		t.ledger.RecordAPICall(key, duration, err == nil, msg)
	}
}

// notifySink delivers the completion notification. A panicking sink is
// logged and swallowed; observability must never become a reliability
// hazard.
func (t *Tracker) notifySink(name string, success bool, duration time.Duration) {
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: usage sink panicked for %q: %v", name, r)
		}
	}()
	t.sink.RecordToolUsage(name, success, duration)
}

// callID builds the composite identifier for one in-flight call.
func callID(name string, gid uint64, start time.Time) string {
	return fmt.Sprintf("%s-%d-%d", name, gid, start.UnixNano())
}
