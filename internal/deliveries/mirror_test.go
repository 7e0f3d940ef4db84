package deliveries

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	"github.com/angelmondragon/platefleet-backend/pkg/ordersvc"
)

type fakeOrderUpdater struct {
	calls []ordersvc.OrderStatus
	err   error
}

func (f *fakeOrderUpdater) UpdateOrderStatus(ctx context.Context, orderID string, status ordersvc.OrderStatus) error {
	f.calls = append(f.calls, status)
	return f.err
}

func mirrorLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func TestOrderMirrorMapsDeliveredStatus(t *testing.T) {
	upstream := &fakeOrderUpdater{}
	mirror := NewOrderServiceMirror(upstream, mirrorLogger(), metrics.NewDispatchMetrics(nil))

	mirror.MirrorStatus(context.Background(), "ord-1", enums.DeliveryStatusDelivered)

	if len(upstream.calls) != 1 {
		t.Fatalf("expected one upstream call, got %d", len(upstream.calls))
	}
}

func TestOrderMirrorSkipsUnmappedStatuses(t *testing.T) {
	upstream := &fakeOrderUpdater{}
	mirror := NewOrderServiceMirror(upstream, mirrorLogger(), metrics.NewDispatchMetrics(nil))

	mirror.MirrorStatus(context.Background(), "ord-2", enums.DeliveryStatusAssigned)

	if len(upstream.calls) != 0 {
		t.Fatalf("expected no upstream call for unmapped status, got %d", len(upstream.calls))
	}
}

func TestOrderMirrorFailureIsSingleAttempt(t *testing.T) {
	upstream := &fakeOrderUpdater{err: errors.New("order service down")}
	mirror := NewOrderServiceMirror(upstream, mirrorLogger(), metrics.NewDispatchMetrics(nil))

	mirror.MirrorStatus(context.Background(), "ord-3", enums.DeliveryStatusCancelled)

	if len(upstream.calls) != 1 {
		t.Fatalf("a failed mirror must not retry in the request, got %d calls", len(upstream.calls))
	}
}
