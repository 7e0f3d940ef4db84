package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one realtime message pushed at subscribers.
type Event struct {
	Type       string    `json:"type"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	EventTypeLocationUpdate = "location_update"
	EventTypeStatusUpdate   = "status_update"
	EventTypeAssigned       = "delivery_assigned"
)

// Broadcaster fans events out to per-delivery and admin channels.
type Broadcaster interface {
	BroadcastToDelivery(ctx context.Context, deliveryID string, event Event) error
	BroadcastToAdmins(ctx context.Context, event Event) error
}

type publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

type redisBroadcaster struct {
	pub           publisher
	adminChannel  string
	channelPrefix string
}

// NewRedisBroadcaster publishes events over redis pub/sub channels. The
// gateway tier subscribes and relays to websocket rooms.
func NewRedisBroadcaster(pub publisher, channelPrefix, adminChannel string) Broadcaster {
	if channelPrefix == "" {
		channelPrefix = "delivery"
	}
	if adminChannel == "" {
		adminChannel = "admin"
	}
	return &redisBroadcaster{
		pub:           pub,
		adminChannel:  adminChannel,
		channelPrefix: channelPrefix,
	}
}

func (b *redisBroadcaster) BroadcastToDelivery(ctx context.Context, deliveryID string, event Event) error {
	channel := fmt.Sprintf("%s:%s", b.channelPrefix, deliveryID)
	return b.publish(ctx, channel, event)
}

func (b *redisBroadcaster) BroadcastToAdmins(ctx context.Context, event Event) error {
	return b.publish(ctx, b.adminChannel, event)
}

func (b *redisBroadcaster) publish(ctx context.Context, channel string, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	return b.pub.Publish(ctx, channel, payload)
}

type noopBroadcaster struct{}

// NewNoopBroadcaster drops all events. Used when redis is not wired, for
// example in worker binaries that never serve subscribers.
func NewNoopBroadcaster() Broadcaster {
	return noopBroadcaster{}
}

func (noopBroadcaster) BroadcastToDelivery(context.Context, string, Event) error { return nil }
func (noopBroadcaster) BroadcastToAdmins(context.Context, Event) error           { return nil }
