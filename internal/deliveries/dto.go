package deliveries

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

// CreateInput carries everything needed to open a delivery for an order.
type CreateInput struct {
	OrderID             string
	CustomerID          uuid.UUID
	RestaurantID        uuid.UUID
	PickupAddress       types.Address
	DropoffAddress      types.Address
	CustomerContact     types.Contact
	RestaurantContact   *types.Contact
	SpecialInstructions *string
	Fee                 *decimal.Decimal
}

// CreateResult reports the stored record and whether this call created it.
type CreateResult struct {
	Delivery *models.Delivery
	Created  bool
}

// ListFilters narrows delivery listings. Status matches one value;
// Statuses matches any of a set, for views spanning several states.
type ListFilters struct {
	Status       *enums.DeliveryStatus
	Statuses     []enums.DeliveryStatus
	AgentID      *uuid.UUID
	CustomerID   *uuid.UUID
	RestaurantID *uuid.UUID
}

// ListResult wraps one page of deliveries.
type ListResult struct {
	Items []models.Delivery `json:"items"`
	Meta  pagination.Meta   `json:"meta"`
}

// UpdateStatusInput describes one requested transition.
type UpdateStatusInput struct {
	DeliveryID uuid.UUID
	Target     enums.DeliveryStatus
	Reason     *string
	Actor      auth.Identity
}

// AssignInput describes a manual assignment by an admin.
type AssignInput struct {
	DeliveryID uuid.UUID
	AgentID    uuid.UUID
	Actor      auth.Identity
}

// AcceptInput describes an agent claiming a pending delivery.
type AcceptInput struct {
	DeliveryID uuid.UUID
	Actor      auth.Identity
}

// RateInput records a customer rating on a delivered order.
type RateInput struct {
	DeliveryID uuid.UUID
	Rating     int
	Actor      auth.Identity
}

// AgentStats is the aggregate view served to agents and admins.
type AgentStats struct {
	AgentID        uuid.UUID       `json:"agent_id"`
	CompletedCount int64           `json:"completed_count"`
	CancelledCount int64           `json:"cancelled_count"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
	AverageRating  *float64        `json:"average_rating,omitempty"`
	AverageMinutes *float64        `json:"average_minutes,omitempty"`
	Since          *time.Time      `json:"since,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

// AssignmentOutcome reports where a dispatch attempt landed.
type AssignmentOutcome struct {
	Delivery *models.Delivery `json:"delivery"`
	Assigned bool             `json:"assigned"`
	AgentID  *uuid.UUID       `json:"agent_id,omitempty"`
}
