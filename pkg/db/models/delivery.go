package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

// Delivery is the authoritative lifecycle record for one order's
// last-mile leg. order_id carries a unique index so creation is
// idempotent per order.
type Delivery struct {
	ID                  uuid.UUID            `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID             string               `gorm:"column:order_id;type:text;not null;uniqueIndex"`
	CustomerID          uuid.UUID            `gorm:"column:customer_id;type:uuid;not null"`
	RestaurantID        uuid.UUID            `gorm:"column:restaurant_id;type:uuid;not null"`
	AgentID             *uuid.UUID           `gorm:"column:agent_id;type:uuid"`
	Status              enums.DeliveryStatus `gorm:"column:status;type:text;not null"`
	PickupAddress       types.Address        `gorm:"column:pickup_address;type:jsonb;not null"`
	DropoffAddress      types.Address        `gorm:"column:dropoff_address;type:jsonb;not null"`
	CustomerContact     types.Contact        `gorm:"column:customer_contact;type:jsonb;not null"`
	RestaurantContact   *types.Contact       `gorm:"column:restaurant_contact;type:jsonb"`
	Fee                 decimal.Decimal      `gorm:"column:fee;type:numeric(12,2);not null;default:0"`
	SpecialInstructions *string              `gorm:"column:special_instructions;type:text"`
	StatusReason        *string              `gorm:"column:status_reason;type:text"`

	EstimatedDeliveryAt   *time.Time `gorm:"column:estimated_delivery_at"`
	AssignedAt            *time.Time `gorm:"column:assigned_at"`
	PickedUpAt            *time.Time `gorm:"column:picked_up_at"`
	DeliveredAt           *time.Time `gorm:"column:delivered_at"`
	CancelledAt           *time.Time `gorm:"column:cancelled_at"`
	ActualDeliveryMinutes *int       `gorm:"column:actual_delivery_minutes"`
	Rating                *int       `gorm:"column:rating"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
