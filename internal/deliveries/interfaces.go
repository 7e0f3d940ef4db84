package deliveries

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// AgentCandidate is one dispatchable agent near a pickup point.
type AgentCandidate struct {
	AgentID     uuid.UUID
	Lat         float64
	Lng         float64
	DistanceKM  float64
	LastUpdated time.Time
}

// AgentDirectory exposes the availability surface the dispatcher needs.
// The tracking package implements it.
type AgentDirectory interface {
	// NearbyAvailable returns available agents around the point,
	// closest first.
	NearbyAvailable(ctx context.Context, lat, lng float64) ([]AgentCandidate, error)
	// MarkBusy flips an available agent to busy and pins the delivery.
	// It fails when the agent is not available anymore.
	MarkBusy(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID) error
	// Release returns a busy agent to the available pool.
	Release(ctx context.Context, tx *gorm.DB, agentID uuid.UUID) error
}

// AgentNotifier writes in-app notifications for agents. The
// notifications package implements it.
type AgentNotifier interface {
	// NotifyAssignment records the direct notification for the agent
	// that just received a delivery.
	NotifyAssignment(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID, orderID string) error
	// NotifyNewDelivery announces a fresh unassigned delivery to every
	// delivery person.
	NotifyNewDelivery(ctx context.Context, tx *gorm.DB, deliveryID uuid.UUID, orderID string) error
}

// OrderMirror pushes terminal-ish status changes at the upstream order
// service. Implementations are best effort and must never block the
// delivery flow on upstream failures.
type OrderMirror interface {
	MirrorStatus(ctx context.Context, orderID string, status enums.DeliveryStatus)
}

