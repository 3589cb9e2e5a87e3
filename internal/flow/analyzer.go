// Package flow turns a snapshot of the ledger's flow-event log into
// summary statistics and, behind an opt-in flag, the expensive diagnostics:
// bottlenecks, parallelism, call chains and event patterns. Analysis always
// runs on a private copy of the log and never blocks writers.
package flow

import (
	"sort"
	"time"

	"github.com/callscope/callscope/internal/ledger"
)

const (
	// A function is a bottleneck when its average exceeds bottleneckAvg
	// or any sample exceeds bottleneckMax. Strictly greater-than: an
	// average of exactly 1s is not flagged.
	bottleneckAvg = 1 * time.Second
	bottleneckMax = 5 * time.Second

	// Severity is high when the average exceeds highSeverityAvg.
	highSeverityAvg = 2 * time.Second

	// maxChains caps the number of reconstructed call chains reported.
	maxChains = 10

	// patternWindow bounds pattern analysis to the most recent events.
	patternWindow = 1000

	// topSequences is how many event bigrams the pattern report keeps.
	topSequences = 5
)

// Messages used when no analysis can be produced.
const (
	MessageDisabled = "monitoring disabled"
	MessageNoData   = "no flow data available"
)

// Statistics are the cheap aggregates computed on every analysis.
type Statistics struct {
	TotalEvents          int
	FunctionCalls        int
	CompletedCalls       int
	SuccessfulCalls      int
	SuccessRate          float64
	TotalExecutionTime   time.Duration
	AverageExecutionTime time.Duration
}

// Bottleneck is a function whose recorded durations exceed the fixed
// thresholds.
type Bottleneck struct {
	Function string
	Average  time.Duration
	Max      time.Duration
	Samples  int
	Severity string // "high" or "medium"
}

// Parallelism summarises how events distribute across goroutines.
// PeakConcurrency counts start events sharing an identical timestamp; this
// is a coarse same-instant heuristic, not interval-overlap detection, and
// is kept deliberately.
type Parallelism struct {
	TotalGoroutines int
	Utilization     map[uint64]int
	PeakConcurrency int
}

// CallChain is one complete top-level invocation on a single goroutine: the
// function names executed from stack-empty to stack-empty, in call order.
type CallChain struct {
	GoroutineID uint64
	Length      int
	Functions   []string
}

// SequenceCount is one "A -> B" adjacent-event bigram with its frequency.
type SequenceCount struct {
	Sequence string
	Count    int
}

// RecursionSite reports a function observed calling itself, with the
// deepest nesting seen.
type RecursionSite struct {
	Function string
	Depth    int
}

// PatternReport holds the bounded pattern analyses.
type PatternReport struct {
	CommonSequences []SequenceCount
	RecursiveCalls  []RecursionSite
}

// Analysis is the result of one flow analysis pass. Message is set instead
// of the data fields when the engine is disabled or the log is empty. The
// expensive fields are nil unless deep analysis is enabled.
type Analysis struct {
	Message     string
	Statistics  *Statistics
	Bottlenecks []Bottleneck
	Parallelism *Parallelism
	CallChains  []CallChain
	Patterns    *PatternReport
}

// Analyzer computes flow analyses from ledger snapshots.
type Analyzer struct {
	ledger *ledger.Ledger
	deep   bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithDeepAnalysis enables the expensive analyses (bottlenecks,
// parallelism, chains, patterns). They are off by default because they cost
// O(n) to O(n²)-adjacent work per pass.
func WithDeepAnalysis(enabled bool) Option {
	return func(a *Analyzer) { a.deep = enabled }
}

// New creates an Analyzer reading from the given ledger.
func New(l *ledger.Ledger, opts ...Option) *Analyzer {
	a := &Analyzer{ledger: l}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze snapshots the ledger's flow log and analyzes it.
func (a *Analyzer) Analyze() Analysis {
	if !a.ledger.Enabled() {
		return Analysis{Message: MessageDisabled}
	}
	return a.AnalyzeEvents(a.ledger.FlowEvents(0))
}

// AnalyzeEvents analyzes a caller-supplied event sequence. Events must be
// in insertion order, as returned by the ledger.
func (a *Analyzer) AnalyzeEvents(events []ledger.FlowEvent) Analysis {
	if !a.ledger.Enabled() {
		return Analysis{Message: MessageDisabled}
	}
	if len(events) == 0 {
		return Analysis{Message: MessageNoData}
	}

	result := Analysis{Statistics: computeStatistics(events)}
	if a.deep {
		result.Bottlenecks = detectBottlenecks(events)
		result.Parallelism = analyzeParallelism(events)
		result.CallChains = reconstructChains(events)
		result.Patterns = analyzePatterns(events)
	}
	return result
}

// computeStatistics derives the always-on aggregates in one pass.
func computeStatistics(events []ledger.FlowEvent) *Statistics {
	s := &Statistics{TotalEvents: len(events)}
	for _, e := range events {
		switch e.Kind {
		case ledger.EventStart:
			s.FunctionCalls++
		case ledger.EventEnd:
			s.CompletedCalls++
			if e.Success {
				s.SuccessfulCalls++
			}
			s.TotalExecutionTime += e.Duration
		}
	}
	if s.CompletedCalls > 0 {
		s.SuccessRate = float64(s.SuccessfulCalls) / float64(s.CompletedCalls)
		s.AverageExecutionTime = s.TotalExecutionTime / time.Duration(s.CompletedCalls)
	}
	return s
}

// detectBottlenecks groups end-event durations by function and flags those
// exceeding the thresholds, sorted by average descending.
func detectBottlenecks(events []ledger.FlowEvent) []Bottleneck {
	durations := make(map[string][]time.Duration)
	for _, e := range events {
		if e.Kind == ledger.EventEnd {
			durations[e.Function] = append(durations[e.Function], e.Duration)
		}
	}

	var result []Bottleneck
	for fn, ds := range durations {
		var total, max time.Duration
		for _, d := range ds {
			total += d
			if d > max {
				max = d
			}
		}
		avg := total / time.Duration(len(ds))
		if avg > bottleneckAvg || max > bottleneckMax {
			severity := "medium"
			if avg > highSeverityAvg {
				severity = "high"
			}
			result = append(result, Bottleneck{
				Function: fn,
				Average:  avg,
				Max:      max,
				Samples:  len(ds),
				Severity: severity,
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Average > result[j].Average
	})
	return result
}

// analyzeParallelism partitions events by goroutine and computes the
// same-instant start collision count.
func analyzeParallelism(events []ledger.FlowEvent) *Parallelism {
	utilization := make(map[uint64]int)
	startsAt := make(map[int64]int)
	peak := 0

	for _, e := range events {
		utilization[e.GoroutineID]++
		if e.Kind == ledger.EventStart {
			ts := e.Timestamp.UnixNano()
			startsAt[ts]++
			if startsAt[ts] > peak {
				peak = startsAt[ts]
			}
		}
	}

	return &Parallelism{
		TotalGoroutines: len(utilization),
		Utilization:     utilization,
		PeakConcurrency: peak,
	}
}

// reconstructChains rebuilds per-goroutine call trees. Each goroutine keeps
// a LIFO stack of open calls and an accumulator of every function entered
// since the stack was last empty; when the stack empties, the accumulated
// chain is one complete top-level invocation. End events that do not match
// the stack top are ignored, tolerating malformed or evicted-start
// sequences without corrupting later chains.
func reconstructChains(events []ledger.FlowEvent) []CallChain {
	stacks := make(map[uint64][]string)
	chains := make(map[uint64][]string)

	var result []CallChain
	for _, e := range events {
		gid := e.GoroutineID
		switch e.Kind {
		case ledger.EventStart:
			stacks[gid] = append(stacks[gid], e.Function)
			chains[gid] = append(chains[gid], e.Function)
		case ledger.EventEnd:
			stack := stacks[gid]
			if len(stack) == 0 || stack[len(stack)-1] != e.Function {
				continue
			}
			stacks[gid] = stack[:len(stack)-1]
			if len(stacks[gid]) == 0 {
				if len(result) < maxChains {
					fns := make([]string, len(chains[gid]))
					copy(fns, chains[gid])
					result = append(result, CallChain{
						GoroutineID: gid,
						Length:      len(fns),
						Functions:   fns,
					})
				}
				chains[gid] = nil
			}
		}
	}
	return result
}

// analyzePatterns computes adjacent-event bigrams and recursion depths over
// the most recent patternWindow events.
func analyzePatterns(events []ledger.FlowEvent) *PatternReport {
	if len(events) > patternWindow {
		events = events[len(events)-patternWindow:]
	}

	sequences := make(map[string]int)
	for i := 0; i+1 < len(events); i++ {
		sequences[events[i].Function+" -> "+events[i+1].Function]++
	}

	ranked := make([]SequenceCount, 0, len(sequences))
	for seq, count := range sequences {
		ranked = append(ranked, SequenceCount{Sequence: seq, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Sequence < ranked[j].Sequence
	})
	if len(ranked) > topSequences {
		ranked = ranked[:topSequences]
	}

	// Recursion: a start event observed while the function is already
	// nested marks a recursive call; record the deepest nesting seen.
	nesting := make(map[string]int)
	deepest := make(map[string]int)
	for _, e := range events {
		switch e.Kind {
		case ledger.EventStart:
			nesting[e.Function]++
			if nesting[e.Function] > 1 && nesting[e.Function] > deepest[e.Function] {
				deepest[e.Function] = nesting[e.Function]
			}
		case ledger.EventEnd:
			if nesting[e.Function] > 0 {
				nesting[e.Function]--
			}
		}
	}

	recursive := make([]RecursionSite, 0, len(deepest))
	for fn, depth := range deepest {
		recursive = append(recursive, RecursionSite{Function: fn, Depth: depth})
	}
	sort.Slice(recursive, func(i, j int) bool {
		return recursive[i].Function < recursive[j].Function
	})

	return &PatternReport{
		CommonSequences: ranked,
		RecursiveCalls:  recursive,
	}
}
