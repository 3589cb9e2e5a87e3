package export

import (
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	"google.golang.org/grpc"

	"github.com/callscope/callscope/internal/ledger"
)

func TestRecordsForFunction(t *testing.T) {
	l := ledger.New(ledger.Options{Enabled: true})
	l.RecordFunctionCall("handler", time.Second, true)
	l.RecordFunctionCall("handler", 2*time.Second, true)
	l.RecordFunctionCall("handler", 3*time.Second, false)

	records := Records(l, "svc")

	duration, ok := FindRecord(records, MetricFunctionDuration, "function", "handler")
	if !ok {
		t.Fatalf("duration record missing")
	}
	if duration.Value != 2.0 {
		t.Errorf("duration = %v, want 2.0", duration.Value)
	}
	if duration.Kind != KindGauge {
		t.Errorf("duration kind = %s, want gauge", duration.Kind)
	}

	calls, ok := FindRecord(records, MetricFunctionCalls, "function", "handler")
	if !ok {
		t.Fatalf("calls record missing")
	}
	if calls.Value != 3 {
		t.Errorf("calls = %v, want 3", calls.Value)
	}
	if calls.Kind != KindCounter {
		t.Errorf("calls kind = %s, want counter", calls.Kind)
	}

	errRate, ok := FindRecord(records, MetricFunctionErrorRate, "function", "handler")
	if !ok {
		t.Fatalf("error rate record missing")
	}
	if math.Abs(errRate.Value-1.0/3.0) > 1e-9 {
		t.Errorf("error rate = %v, want 1/3", errRate.Value)
	}
	if errRate.Tags["service"] != "svc" {
		t.Errorf("service tag = %q", errRate.Tags["service"])
	}
}

func TestRecordsForAPI(t *testing.T) {
	l := ledger.New(ledger.Options{Enabled: true})
	l.RecordAPICall("github:issues", time.Second, true, "")
	l.RecordAPICall("github:issues", time.Second, false, "rate limited")

	records := Records(l, "svc")

	rate, ok := FindRecord(records, MetricAPISuccessRate, "api", "github:issues")
	if !ok {
		t.Fatalf("success rate record missing")
	}
	if rate.Value != 0.5 {
		t.Errorf("success rate = %v, want 0.5", rate.Value)
	}
	calls, _ := FindRecord(records, MetricAPICalls, "api", "github:issues")
	if calls.Value != 2 {
		t.Errorf("calls = %v, want 2", calls.Value)
	}
}

func TestRecordsEmptyLedger(t *testing.T) {
	l := ledger.New(ledger.Options{Enabled: true})
	if got := Records(l, "svc"); len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}
}

func TestPayloadShapes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	records := []Record{
		{Name: "callscope.function.duration", Kind: KindGauge, Value: 1.5, Tags: map[string]string{"function": "f"}},
		{Name: "callscope.function.calls", Kind: KindCounter, Value: 10, Tags: map[string]string{"function": "f"}},
	}

	req := Payload(records, "svc", now)

	if len(req.ResourceMetrics) != 1 {
		t.Fatalf("resource metrics = %d, want 1", len(req.ResourceMetrics))
	}
	rm := req.ResourceMetrics[0]

	var service string
	for _, attr := range rm.Resource.Attributes {
		if attr.Key == "service.name" {
			service = attr.Value.GetStringValue()
		}
	}
	if service != "svc" {
		t.Errorf("service.name = %q, want svc", service)
	}

	metrics := rm.ScopeMetrics[0].Metrics
	if len(metrics) != 2 {
		t.Fatalf("metrics = %d, want 2", len(metrics))
	}

	gauge := metrics[0].GetGauge()
	if gauge == nil {
		t.Fatalf("first metric should be a gauge, got %T", metrics[0].Data)
	}
	point := gauge.DataPoints[0]
	if point.GetAsDouble() != 1.5 {
		t.Errorf("gauge value = %v, want 1.5", point.GetAsDouble())
	}
	if point.TimeUnixNano != uint64(now.UnixNano()) {
		t.Errorf("timestamp = %d, want %d", point.TimeUnixNano, now.UnixNano())
	}

	sum := metrics[1].GetSum()
	if sum == nil {
		t.Fatalf("second metric should be a sum, got %T", metrics[1].Data)
	}
	if !sum.IsMonotonic {
		t.Errorf("counter sum should be monotonic")
	}
	if sum.AggregationTemporality != metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE {
		t.Errorf("temporality = %v, want cumulative", sum.AggregationTemporality)
	}
	if sum.DataPoints[0].GetAsDouble() != 10 {
		t.Errorf("counter value = %v, want 10", sum.DataPoints[0].GetAsDouble())
	}
}

// captureServer records every export request it receives.
type captureServer struct {
	colmetricspb.UnimplementedMetricsServiceServer

	mu       sync.Mutex
	requests []*colmetricspb.ExportMetricsServiceRequest
}

func (s *captureServer) Export(_ context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return &colmetricspb.ExportMetricsServiceResponse{}, nil
}

func (s *captureServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestPusherRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	capture := &captureServer{}
	server := grpc.NewServer()
	colmetricspb.RegisterMetricsServiceServer(server, capture)
	go func() {
		_ = server.Serve(lis)
	}()
	defer server.Stop()

	l := ledger.New(ledger.Options{Enabled: true})
	l.RecordFunctionCall("handler", 100*time.Millisecond, true)

	pusher, err := NewPusher(l, lis.Addr().String(), "svc", time.Minute)
	if err != nil {
		t.Fatalf("NewPusher: %v", err)
	}
	defer pusher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pusher.PushOnce(ctx); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}

	if got := capture.count(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}

	capture.mu.Lock()
	metrics := capture.requests[0].ResourceMetrics[0].ScopeMetrics[0].Metrics
	capture.mu.Unlock()
	if len(metrics) != 3 {
		t.Errorf("metrics = %d, want 3 per function", len(metrics))
	}
}

func TestPusherSkipsEmptySnapshot(t *testing.T) {
	capture := &captureServer{}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	server := grpc.NewServer()
	colmetricspb.RegisterMetricsServiceServer(server, capture)
	go func() {
		_ = server.Serve(lis)
	}()
	defer server.Stop()

	l := ledger.New(ledger.Options{Enabled: true})
	pusher, err := NewPusher(l, lis.Addr().String(), "svc", time.Minute)
	if err != nil {
		t.Fatalf("NewPusher: %v", err)
	}
	defer pusher.Close()

	if err := pusher.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}
	if got := capture.count(); got != 0 {
		t.Errorf("requests = %d, want 0 for empty snapshot", got)
	}
}
