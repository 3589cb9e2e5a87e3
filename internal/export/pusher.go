package export

import (
	"context"
	"fmt"
	"log"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/callscope/callscope/internal/ledger"
)

// Pusher ships ledger snapshots to an OTLP gRPC collector on a fixed
// interval.
type Pusher struct {
	ledger   *ledger.Ledger
	service  string
	endpoint string
	interval time.Duration

	conn   *grpc.ClientConn
	client colmetricspb.MetricsServiceClient
}

// NewPusher dials the collector. The connection is lazy; dial errors only
// surface on the first export.
func NewPusher(l *ledger.Ledger, endpoint, service string, interval time.Duration) (*Pusher, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing collector %s: %w", endpoint, err)
	}
	return &Pusher{
		ledger:   l,
		service:  service,
		endpoint: endpoint,
		interval: interval,
		conn:     conn,
		client:   colmetricspb.NewMetricsServiceClient(conn),
	}, nil
}

// PushOnce exports the current snapshot. Snapshots with no data are skipped.
func (p *Pusher) PushOnce(ctx context.Context) error {
	records := Records(p.ledger, p.service)
	if len(records) == 0 {
		return nil
	}
	req := Payload(records, p.service, p.ledger.Now())
	if _, err := p.client.Export(ctx, req); err != nil {
		return fmt.Errorf("exporting %d metrics to %s: %w", len(records), p.endpoint, err)
	}
	return nil
}

// Run pushes on the interval until ctx is cancelled. Export failures are
// logged and retried on the next tick.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := p.PushOnce(pushCtx); err != nil {
				log.Printf("callscope: metrics export failed: %v", err)
			}
			cancel()
		}
	}
}

// Close tears down the collector connection.
func (p *Pusher) Close() error {
	return p.conn.Close()
}
