package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

// AgentLocation holds the latest known position and availability of a
// delivery agent. One row per agent, upserted on every heartbeat.
type AgentLocation struct {
	AgentID          uuid.UUID         `gorm:"column:agent_id;type:uuid;primaryKey"`
	Status           enums.AgentStatus `gorm:"column:status;type:text;not null"`
	Location         types.LatLng      `gorm:"column:location;type:jsonb;not null"`
	SpeedKMH         *float64          `gorm:"column:speed_kmh"`
	HeadingDeg       *float64          `gorm:"column:heading_deg"`
	ActiveDeliveryID *uuid.UUID        `gorm:"column:active_delivery_id;type:uuid"`
	LastUpdated      time.Time         `gorm:"column:last_updated;not null"`
}

// TableName pins the table name since the default pluralizer mangles it.
func (AgentLocation) TableName() string {
	return "agent_locations"
}
