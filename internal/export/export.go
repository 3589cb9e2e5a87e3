// Package export converts ledger snapshots into OTLP metrics and pushes
// them to an external collector over gRPC.
package export

import (
	"fmt"
	"sort"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/callscope/callscope/internal/ledger"
)

// Metric kinds. Counters are cumulative monotonic sums, gauges are
// last-value observations.
const (
	KindGauge   = "gauge"
	KindCounter = "counter"
)

// Metric names.
const (
	MetricFunctionDuration  = "callscope.function.duration"
	MetricFunctionCalls     = "callscope.function.calls"
	MetricFunctionErrorRate = "callscope.function.error_rate"
	MetricAPIDuration       = "callscope.api.duration"
	MetricAPICalls          = "callscope.api.calls"
	MetricAPISuccessRate    = "callscope.api.success_rate"
)

// Record is one flattened metric sample: the intermediate form between a
// ledger snapshot and the OTLP payload, convenient for tests and for
// non-OTLP consumers.
type Record struct {
	Name  string
	Kind  string
	Value float64
	Tags  map[string]string
}

// Records flattens the ledger's current snapshots into metric records.
// Durations are exported in seconds. Output is ordered by function and API
// name so successive exports are comparable.
func Records(l *ledger.Ledger, service string) []Record {
	var out []Record

	functions := l.FunctionStats()
	for _, name := range sortedKeys(functions) {
		s := functions[name]
		tags := map[string]string{"service": service, "function": name}
		out = append(out,
			Record{Name: MetricFunctionDuration, Kind: KindGauge, Value: s.Average.Seconds(), Tags: tags},
			Record{Name: MetricFunctionCalls, Kind: KindCounter, Value: float64(s.Calls), Tags: tags},
			Record{Name: MetricFunctionErrorRate, Kind: KindGauge, Value: 1 - s.SuccessRate, Tags: tags},
		)
	}

	apis := l.APIStats()
	for _, key := range sortedKeys(apis) {
		s := apis[key]
		tags := map[string]string{"service": service, "api": key}
		out = append(out,
			Record{Name: MetricAPIDuration, Kind: KindGauge, Value: s.Average.Seconds(), Tags: tags},
			Record{Name: MetricAPICalls, Kind: KindCounter, Value: float64(s.Calls), Tags: tags},
			Record{Name: MetricAPISuccessRate, Kind: KindGauge, Value: s.SuccessRate, Tags: tags},
		)
	}

	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload builds the OTLP export request for a set of records. All records
// share one resource carrying service.name.
func Payload(records []Record, service string, now time.Time) *colmetricspb.ExportMetricsServiceRequest {
	ts := uint64(now.UnixNano())

	metrics := make([]*metricspb.Metric, 0, len(records))
	for _, rec := range records {
		point := &metricspb.NumberDataPoint{
			TimeUnixNano: ts,
			Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: rec.Value},
			Attributes:   tagAttributes(rec.Tags),
		}

		m := &metricspb.Metric{Name: rec.Name}
		switch rec.Kind {
		case KindCounter:
			m.Data = &metricspb.Metric_Sum{
				Sum: &metricspb.Sum{
					DataPoints:             []*metricspb.NumberDataPoint{point},
					IsMonotonic:            true,
					AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				},
			}
		default:
			m.Data = &metricspb.Metric_Gauge{
				Gauge: &metricspb.Gauge{
					DataPoints: []*metricspb.NumberDataPoint{point},
				},
			}
		}
		metrics = append(metrics, m)
	}

	return &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						{
							Key:   "service.name",
							Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: service}},
						},
					},
				},
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{Metrics: metrics},
				},
			},
		},
	}
}

func tagAttributes(tags map[string]string) []*commonpb.KeyValue {
	attrs := make([]*commonpb.KeyValue, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		attrs = append(attrs, &commonpb.KeyValue{
			Key:   k,
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: tags[k]}},
		})
	}
	return attrs
}

// FindRecord returns the first record matching name and tag, or false.
func FindRecord(records []Record, name, tagKey, tagValue string) (Record, bool) {
	for _, rec := range records {
		if rec.Name == name && rec.Tags[tagKey] == tagValue {
			return rec, true
		}
	}
	return Record{}, false
}

// String renders a record for logs.
func (r Record) String() string {
	return fmt.Sprintf("%s{%s}=%g", r.Name, r.tagString(), r.Value)
}

func (r Record) tagString() string {
	parts := make([]string, 0, len(r.Tags))
	for _, k := range sortedKeys(r.Tags) {
		parts = append(parts, fmt.Sprintf("%s=%s", k, r.Tags[k]))
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
