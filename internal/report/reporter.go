// Package report derives rankings, trend classifications, textual
// recommendations and human-readable reports from ledger snapshots. All
// computations are pure functions of a snapshot; nothing here writes back
// into the engine.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/callscope/callscope/internal/flow"
	"github.com/callscope/callscope/internal/ledger"
)

const (
	// minTrendSamples is the minimum recent-window size for a trend
	// classification; below it the sample split is too noisy to call.
	minTrendSamples = 10

	// trendBandPercent is the ± band classified as stable.
	trendBandPercent = 5.0

	// rankingSize is the top-N used by the API rankings.
	rankingSize = 5

	slowFunctionThreshold = 2 * time.Second
	slowAPIThreshold      = 5 * time.Second
	functionErrorRateMax  = 0.10
	apiSuccessRateMin     = 0.90
)

// Trend directions.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// FunctionTrend classifies how a function's recent durations are moving: a
// split-sample comparison of the first and second half of the recent
// window. A simple heuristic, not a regression.
type FunctionTrend struct {
	Function      string
	Samples       int
	FirstHalfAvg  time.Duration
	SecondHalfAvg time.Duration
	ChangePercent float64
	Direction     string
}

// APIRankings holds the top-N views over API snapshots.
type APIRankings struct {
	Fastest       []ledger.APISnapshot
	Slowest       []ledger.APISnapshot
	MostReliable  []ledger.APISnapshot
	LeastReliable []ledger.APISnapshot
}

// Reporter computes reports from a ledger and, optionally, a flow analyzer
// for the flow section of the full report.
type Reporter struct {
	ledger *ledger.Ledger
	flow   *flow.Analyzer
}

// New creates a Reporter. analyzer may be nil; the flow section of the
// report is then omitted.
func New(l *ledger.Ledger, analyzer *flow.Analyzer) *Reporter {
	return &Reporter{ledger: l, flow: analyzer}
}

// SlowestFunctions returns up to limit function snapshots sorted by average
// duration descending. Only functions with at least one call are ranked.
func (r *Reporter) SlowestFunctions(limit int) []ledger.FunctionSnapshot {
	stats := r.ledger.FunctionStats()
	ranked := make([]ledger.FunctionSnapshot, 0, len(stats))
	for _, s := range stats {
		if s.Calls > 0 {
			ranked = append(ranked, s)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Average > ranked[j].Average
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// SlowestAPIs returns up to limit API snapshots sorted by average duration
// descending.
func (r *Reporter) SlowestAPIs(limit int) []ledger.APISnapshot {
	stats := r.ledger.APIStats()
	ranked := make([]ledger.APISnapshot, 0, len(stats))
	for _, s := range stats {
		if s.Calls > 0 {
			ranked = append(ranked, s)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Average > ranked[j].Average
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Trends classifies every function with enough recent samples, sorted by
// function name for stable output.
func (r *Reporter) Trends() []FunctionTrend {
	stats := r.ledger.FunctionStats()

	var trends []FunctionTrend
	for name, s := range stats {
		if len(s.Recent) < minTrendSamples {
			continue
		}
		trends = append(trends, classifyTrend(name, s.Recent))
	}
	sort.Slice(trends, func(i, j int) bool {
		return trends[i].Function < trends[j].Function
	})
	return trends
}

// classifyTrend splits the recent window at the midpoint and compares the
// half averages.
func classifyTrend(name string, recent []time.Duration) FunctionTrend {
	mid := len(recent) / 2
	firstAvg := meanDuration(recent[:mid])
	secondAvg := meanDuration(recent[mid:])

	var change float64
	if firstAvg > 0 {
		change = float64(secondAvg-firstAvg) / float64(firstAvg) * 100
	}

	direction := TrendStable
	switch {
	case change < -trendBandPercent:
		direction = TrendImproving
	case change > trendBandPercent:
		direction = TrendDegrading
	}

	return FunctionTrend{
		Function:      name,
		Samples:       len(recent),
		FirstHalfAvg:  firstAvg,
		SecondHalfAvg: secondAvg,
		ChangePercent: change,
		Direction:     direction,
	}
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// APITrends ranks APIs by speed and reliability, top rankingSize each way.
func (r *Reporter) APITrends() APIRankings {
	stats := r.ledger.APIStats()
	all := make([]ledger.APISnapshot, 0, len(stats))
	for _, s := range stats {
		if s.Calls > 0 {
			all = append(all, s)
		}
	}

	bySpeed := make([]ledger.APISnapshot, len(all))
	copy(bySpeed, all)
	sort.Slice(bySpeed, func(i, j int) bool {
		return bySpeed[i].Average < bySpeed[j].Average
	})

	byReliability := make([]ledger.APISnapshot, len(all))
	copy(byReliability, all)
	sort.Slice(byReliability, func(i, j int) bool {
		return byReliability[i].SuccessRate > byReliability[j].SuccessRate
	})

	return APIRankings{
		Fastest:       headAPI(bySpeed, rankingSize),
		Slowest:       headAPI(reversedAPI(bySpeed), rankingSize),
		MostReliable:  headAPI(byReliability, rankingSize),
		LeastReliable: headAPI(reversedAPI(byReliability), rankingSize),
	}
}

func headAPI(s []ledger.APISnapshot, n int) []ledger.APISnapshot {
	if len(s) > n {
		s = s[:n]
	}
	return s
}

func reversedAPI(s []ledger.APISnapshot) []ledger.APISnapshot {
	out := make([]ledger.APISnapshot, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// Recommendations returns textual heuristics over the current snapshots.
// When nothing is flagged, a single all-clear message is returned.
func (r *Reporter) Recommendations() []string {
	var recs []string

	functions := r.ledger.FunctionStats()
	names := sortedKeys(functions)
	for _, name := range names {
		s := functions[name]
		if s.Calls == 0 {
			continue
		}
		if s.Average > slowFunctionThreshold {
			recs = append(recs, fmt.Sprintf(
				"function %q averages %v per call; consider optimization", name, s.Average.Round(time.Millisecond)))
		}
		if errorRate := 1 - s.SuccessRate; errorRate > functionErrorRateMax {
			recs = append(recs, fmt.Sprintf(
				"function %q fails %.1f%% of calls; investigate error handling", name, errorRate*100))
		}
	}

	apis := r.ledger.APIStats()
	for _, key := range sortedKeys(apis) {
		s := apis[key]
		if s.Calls == 0 {
			continue
		}
		if s.Average > slowAPIThreshold {
			recs = append(recs, fmt.Sprintf(
				"API %q averages %v per call; consider caching or optimization", key, s.Average.Round(time.Millisecond)))
		}
		if s.SuccessRate < apiSuccessRateMin {
			recs = append(recs, fmt.Sprintf(
				"API %q succeeds only %.1f%% of the time; check error handling and retry logic", key, s.SuccessRate*100))
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "no performance issues detected")
	}
	return recs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Report renders the human-readable multi-section report.
func (r *Reporter) Report() string {
	var sb strings.Builder
	sb.WriteString("callscope performance report\n")
	sb.WriteString("============================\n\n")

	if !r.ledger.Enabled() {
		sb.WriteString("monitoring disabled\n")
		return sb.String()
	}

	sb.WriteString("Slowest functions\n")
	slowest := r.SlowestFunctions(rankingSize)
	if len(slowest) == 0 {
		sb.WriteString("  no data available\n")
	}
	for _, s := range slowest {
		fmt.Fprintf(&sb, "  %-30s avg %-12v calls %-6d errors %d\n",
			s.Name, s.Average.Round(time.Microsecond), s.Calls, s.Errors)
	}

	sb.WriteString("\nSlowest APIs\n")
	slowAPIs := r.SlowestAPIs(rankingSize)
	if len(slowAPIs) == 0 {
		sb.WriteString("  no data available\n")
	}
	for _, s := range slowAPIs {
		fmt.Fprintf(&sb, "  %-30s avg %-12v calls %-6d success %.1f%%\n",
			s.Name, s.Average.Round(time.Microsecond), s.Calls, s.SuccessRate*100)
	}

	sb.WriteString("\nTrends\n")
	trends := r.Trends()
	if len(trends) == 0 {
		sb.WriteString("  not enough samples\n")
	}
	for _, tr := range trends {
		fmt.Fprintf(&sb, "  %-30s %-10s %+.1f%%\n", tr.Function, tr.Direction, tr.ChangePercent)
	}

	if r.flow != nil {
		sb.WriteString("\nFlow summary\n")
		analysis := r.flow.Analyze()
		if analysis.Message != "" {
			fmt.Fprintf(&sb, "  %s\n", analysis.Message)
		} else {
			s := analysis.Statistics
			fmt.Fprintf(&sb, "  events %d, calls %d, completed %d, success %.1f%%\n",
				s.TotalEvents, s.FunctionCalls, s.CompletedCalls, s.SuccessRate*100)
			for _, b := range analysis.Bottlenecks {
				fmt.Fprintf(&sb, "  bottleneck: %s avg %v max %v (%s)\n",
					b.Function, b.Average.Round(time.Millisecond), b.Max.Round(time.Millisecond), b.Severity)
			}
		}
	}

	sb.WriteString("\nRecommendations\n")
	for _, rec := range r.Recommendations() {
		fmt.Fprintf(&sb, "  - %s\n", rec)
	}

	return sb.String()
}

// Snapshot returns the machine-readable export: a plain map safe to
// serialise as JSON.
func (r *Reporter) Snapshot() map[string]any {
	out := map[string]any{
		"enabled": r.ledger.Enabled(),
	}
	if !r.ledger.Enabled() {
		return out
	}

	functions := map[string]any{}
	for name, s := range r.ledger.FunctionStats() {
		functions[name] = map[string]any{
			"calls":          s.Calls,
			"errors":         s.Errors,
			"total_ms":       float64(s.Total) / float64(time.Millisecond),
			"min_ms":         float64(s.Min) / float64(time.Millisecond),
			"max_ms":         float64(s.Max) / float64(time.Millisecond),
			"avg_ms":         float64(s.Average) / float64(time.Millisecond),
			"recent_avg_ms":  float64(s.RecentAverage) / float64(time.Millisecond),
			"success_rate":   s.SuccessRate,
			"last_called_at": s.LastCalled,
		}
	}
	out["functions"] = functions

	apis := map[string]any{}
	for key, s := range r.ledger.APIStats() {
		apis[key] = map[string]any{
			"calls":        s.Calls,
			"successes":    s.Successes,
			"errors":       s.Errors,
			"avg_ms":       float64(s.Average) / float64(time.Millisecond),
			"success_rate": s.SuccessRate,
		}
	}
	out["apis"] = apis

	out["active_calls"] = len(r.ledger.ActiveCalls())
	out["recommendations"] = r.Recommendations()
	return out
}
