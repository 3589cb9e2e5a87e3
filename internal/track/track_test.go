package track

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callscope/callscope/internal/ledger"
)

func newTracker(enabled bool) (*Tracker, *ledger.Ledger) {
	l := ledger.New(ledger.Options{Enabled: enabled})
	return New(l), l
}

func TestDo_RecordsSuccess(t *testing.T) {
	tr, l := newTracker(true)

	err := tr.Do("compute", func() error {
		time.Sleep(time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, ok := l.FunctionStatsFor("compute")
	if !ok {
		t.Fatal("expected stats for compute")
	}
	if s.Calls != 1 || s.Errors != 0 {
		t.Errorf("expected 1 call, 0 errors, got %d/%d", s.Calls, s.Errors)
	}
	if s.Total <= 0 {
		t.Errorf("expected positive total duration, got %v", s.Total)
	}

	events := l.FlowEvents(0)
	if len(events) != 2 {
		t.Fatalf("expected start+end events, got %d", len(events))
	}
	if events[0].Kind != ledger.EventStart || events[1].Kind != ledger.EventEnd {
		t.Errorf("unexpected event kinds: %v, %v", events[0].Kind, events[1].Kind)
	}
	if !events[1].Success {
		t.Error("expected end event success=true")
	}
	if events[0].GoroutineID == 0 || events[0].GoroutineID != events[1].GoroutineID {
		t.Errorf("expected matching nonzero goroutine IDs, got %d and %d",
			events[0].GoroutineID, events[1].GoroutineID)
	}
}

func TestDo_ErrorPropagatesUnchanged(t *testing.T) {
	tr, l := newTracker(true)

	sentinel := errors.New("backend unavailable")
	err := tr.Do("compute", func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error back, got %v", err)
	}

	s, _ := l.FunctionStatsFor("compute")
	if s.Errors != 1 {
		t.Errorf("expected 1 error recorded, got %d", s.Errors)
	}
	events := l.FlowEvents(0)
	if events[1].Success {
		t.Error("expected end event success=false")
	}
}

func TestDo_PanicLeavesNoActiveCall(t *testing.T) {
	tr, l := newTracker(true)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = tr.Do("explode", func() error { panic("boom") })
	}()

	if got := l.ActiveCalls(); len(got) != 0 {
		t.Errorf("active call leaked after panic: %+v", got)
	}
	s, ok := l.FunctionStatsFor("explode")
	if !ok {
		t.Fatal("expected the panicking call to be recorded")
	}
	if s.Errors != 1 {
		t.Errorf("expected panic recorded as error, got %d errors", s.Errors)
	}
	events := l.FlowEvents(0)
	if len(events) != 2 || events[1].Success {
		t.Error("expected an unsuccessful end event after panic")
	}
}

func TestDo_DisabledIsIdentity(t *testing.T) {
	tr, l := newTracker(false)

	ran := false
	err := tr.Do("fn", func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatal("disabled tracker must still run the wrapped function")
	}
	if len(l.FunctionStats()) != 0 || l.FlowEvents(0) != nil {
		t.Error("disabled tracker must record nothing")
	}
}

func TestWrap_ReturnsValueAndError(t *testing.T) {
	tr, l := newTracker(true)

	parse := Wrap(tr, "parse", func() (int, error) { return 42, nil })
	v, err := parse()
	if v != 42 || err != nil {
		t.Fatalf("expected (42, nil), got (%d, %v)", v, err)
	}

	boom := errors.New("bad input")
	fail := Wrap(tr, "parse", func() (int, error) { return 0, boom })
	_, err = fail()
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error back, got %v", err)
	}

	s, _ := l.FunctionStatsFor("parse")
	if s.Calls != 2 || s.Errors != 1 {
		t.Errorf("expected 2 calls, 1 error, got %d/%d", s.Calls, s.Errors)
	}
}

func TestWrap_DisabledReturnsOriginal(t *testing.T) {
	tr, _ := newTracker(false)

	calls := 0
	fn := func() (string, error) {
		calls++
		return "ok", nil
	}
	wrapped := Wrap(tr, "fn", fn)
	if v, _ := wrapped(); v != "ok" || calls != 1 {
		t.Error("disabled Wrap must return a pass-through function")
	}
}

func TestTrackAPI_KeyComposition(t *testing.T) {
	tr, l := newTracker(true)

	done := tr.TrackAPI("github", "search")
	done(nil)

	bare := tr.TrackAPI("github", "")
	bare(errors.New("timeout"))

	if _, ok := l.APIStatsFor("github:search"); !ok {
		t.Error("expected stats under composite key github:search")
	}
	s, ok := l.APIStatsFor("github")
	if !ok {
		t.Fatal("expected stats under bare key github")
	}
	if s.Errors != 1 {
		t.Errorf("expected 1 error on bare key, got %d", s.Errors)
	}
	if s.Recent[0].Error != "timeout" {
		t.Errorf("expected error message in recent window, got %q", s.Recent[0].Error)
	}
}

func TestTrackAPI_NoFlowEvents(t *testing.T) {
	tr, l := newTracker(true)

	done := tr.TrackAPI("github", "search")
	done(nil)

	if got := l.FlowEvents(0); got != nil {
		t.Errorf("API calls must not produce flow events, got %d", len(got))
	}
}

type recordingSink struct {
	mu    sync.Mutex
	tools []string
}

func (s *recordingSink) RecordToolUsage(tool string, success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, tool)
}

type panickingSink struct{}

func (panickingSink) RecordToolUsage(string, bool, time.Duration) {
	panic("sink is broken")
}

func TestUsageSink_Notified(t *testing.T) {
	l := ledger.New(ledger.Options{Enabled: true})
	sink := &recordingSink{}
	tr := New(l, WithUsageSink(sink))

	_ = tr.Do("deploy", func() error { return nil })

	if len(sink.tools) != 1 || sink.tools[0] != "deploy" {
		t.Errorf("expected sink notified for deploy, got %v", sink.tools)
	}
}

func TestUsageSink_PanicSwallowed(t *testing.T) {
	l := ledger.New(ledger.Options{Enabled: true})
	tr := New(l, WithUsageSink(panickingSink{}))

	err := tr.Do("deploy", func() error { return nil })
	if err != nil {
		t.Fatalf("sink panic must not surface: %v", err)
	}
	if s, _ := l.FunctionStatsFor("deploy"); s.Calls != 1 {
		t.Error("expected bookkeeping intact despite sink panic")
	}
}

func TestDo_ConcurrentCallers(t *testing.T) {
	tr, l := newTracker(true)

	const goroutines = 10
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = tr.Do("shared", func() error { return nil })
			}
		}()
	}
	wg.Wait()

	s, _ := l.FunctionStatsFor("shared")
	if s.Calls != goroutines*perGoroutine {
		t.Errorf("expected %d calls, got %d", goroutines*perGoroutine, s.Calls)
	}
	if got := l.ActiveCalls(); len(got) != 0 {
		t.Errorf("expected no active calls after completion, got %d", len(got))
	}
}

func TestGoroutineID_StablePerGoroutine(t *testing.T) {
	a := goroutineID()
	b := goroutineID()
	if a == 0 {
		t.Fatal("expected nonzero goroutine ID")
	}
	if a != b {
		t.Errorf("expected stable ID within one goroutine, got %d then %d", a, b)
	}

	ch := make(chan uint64)
	go func() { ch <- goroutineID() }()
	if other := <-ch; other == a {
		t.Error("expected a different ID on another goroutine")
	}
}
