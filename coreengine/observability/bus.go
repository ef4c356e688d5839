package observability

import (
	"context"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
)

// BusMetricsMiddleware counts published progress events and failed
// observer deliveries.
type BusMetricsMiddleware struct{}

// NewBusMetricsMiddleware creates a new BusMetricsMiddleware.
func NewBusMetricsMiddleware() *BusMetricsMiddleware {
	return &BusMetricsMiddleware{}
}

// Before passes the event through unchanged.
func (m *BusMetricsMiddleware) Before(ctx context.Context, event commbus.ProgressEvent) (commbus.ProgressEvent, bool, error) {
	return event, true, nil
}

// After records the event and its failed deliveries.
func (m *BusMetricsMiddleware) After(ctx context.Context, event commbus.ProgressEvent, delivered, failed int) {
	RecordProgressEvent(string(event.Status()))
	RecordObserverFailures(failed)
}

var _ commbus.Middleware = (*BusMetricsMiddleware)(nil)
