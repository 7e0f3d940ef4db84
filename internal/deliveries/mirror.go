package deliveries

import (
	"context"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	"github.com/angelmondragon/platefleet-backend/pkg/ordersvc"
)

type orderStatusUpdater interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status ordersvc.OrderStatus) error
}

type orderServiceMirror struct {
	client orderStatusUpdater
	logg   *logger.Logger
	met    *metrics.DispatchMetrics
}

// NewOrderServiceMirror mirrors delivery progress onto the upstream
// order service. One bounded call per transition: a failure is logged
// and counted, never retried in the request and never returned. The
// outbox stream is the durable integration path.
func NewOrderServiceMirror(client orderStatusUpdater, logg *logger.Logger, met *metrics.DispatchMetrics) OrderMirror {
	return &orderServiceMirror{
		client: client,
		logg:   logg,
		met:    met,
	}
}

func (m *orderServiceMirror) MirrorStatus(ctx context.Context, orderID string, status enums.DeliveryStatus) {
	mapped, ok := ordersvc.OrderStatusFor(status)
	if !ok {
		return
	}

	if err := m.client.UpdateOrderStatus(ctx, orderID, mapped); err != nil {
		m.met.IncMirrorResult("failed")
		logCtx := m.logg.WithFields(ctx, map[string]any{
			"order_id":     orderID,
			"order_status": string(mapped),
			"error_dump":   pkgerrors.Dump(err),
		})
		m.logg.Warn(logCtx, "order status mirror failed")
		return
	}
	m.met.IncMirrorResult("ok")
}

type noopMirror struct{}

// NewNoopMirror is used when no order service URL is configured.
func NewNoopMirror() OrderMirror {
	return noopMirror{}
}

func (noopMirror) MirrorStatus(context.Context, string, enums.DeliveryStatus) {}
