package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/platefleet-backend/pkg/enums"
)

// AgentNotification stores in-app notification payloads. A row targets
// either one agent (agent_id set) or a whole role (target_role set).
type AgentNotification struct {
	ID         uuid.UUID                  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AgentID    *uuid.UUID                 `gorm:"column:agent_id;type:uuid;index"`
	TargetRole *enums.UserRole            `gorm:"column:target_role;type:text"`
	Type       enums.NotificationType     `gorm:"column:type;type:text;not null"`
	Priority   enums.NotificationPriority `gorm:"column:priority;type:text;not null;default:'normal'"`
	Title      string                     `gorm:"column:title;type:text;not null"`
	Message    string                     `gorm:"column:message;type:text;not null"`
	DeliveryID *uuid.UUID                 `gorm:"column:delivery_id;type:uuid"`
	ReadAt     *time.Time                 `gorm:"column:read_at"`
	CreatedAt  time.Time                  `gorm:"column:created_at;autoCreateTime"`
}
