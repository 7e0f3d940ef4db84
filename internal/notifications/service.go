package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
)

// Service defines notification list/read/broadcast operations.
type Service interface {
	List(ctx context.Context, params ListParams) (*ListResult, error)
	UnreadCount(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error)
	MarkRead(ctx context.Context, agentID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error)
	Broadcast(ctx context.Context, input BroadcastInput) (*models.AgentNotification, error)
	NotifyAssignment(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID, orderID string) error
	NotifyNewDelivery(ctx context.Context, tx *gorm.DB, deliveryID uuid.UUID, orderID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type service struct {
	repo Repository
}

// ListParams configures pagination for notifications.
type ListParams struct {
	AgentID    uuid.UUID
	Role       enums.UserRole
	Page       pagination.Params
	UnreadOnly bool
}

// ListResult wraps returned notifications and page metadata.
type ListResult struct {
	Items []models.AgentNotification `json:"items"`
	Meta  pagination.Meta            `json:"meta"`
}

// BroadcastInput describes an admin announcement to a whole role.
type BroadcastInput struct {
	TargetRole enums.UserRole
	Type       enums.NotificationType
	Priority   enums.NotificationPriority
	Title      string
	Message    string
}

// NewService wires notifications dependencies.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifications repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.AgentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}

	rows, total, err := s.repo.List(ctx, listParams{
		AgentID:    params.AgentID,
		Role:       params.Role,
		Page:       params.Page,
		UnreadOnly: params.UnreadOnly,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}

	return &ListResult{
		Items: rows,
		Meta:  pagination.MetaFor(params.Page, total),
	}, nil
}

func (s *service) UnreadCount(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error) {
	if agentID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	count, err := s.repo.UnreadCount(ctx, agentID, role)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread notifications")
	}
	return count, nil
}

func (s *service) MarkRead(ctx context.Context, agentID, notificationID uuid.UUID) error {
	if agentID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	if notificationID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification id required")
	}

	result, err := s.repo.MarkRead(ctx, agentID, notificationID, time.Now().UTC())
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	}
	if !result.Found {
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error) {
	if agentID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}

	count, err := s.repo.MarkAllRead(ctx, agentID, role, time.Now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notifications read")
	}
	return count, nil
}

func (s *service) Broadcast(ctx context.Context, input BroadcastInput) (*models.AgentNotification, error) {
	if !input.TargetRole.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown role %q", input.TargetRole))
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "title required")
	}
	if strings.TrimSpace(input.Message) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "message required")
	}

	notificationType := input.Type
	if notificationType == "" {
		notificationType = enums.NotificationTypeBroadcast
	}
	if !notificationType.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown notification type %q", notificationType))
	}
	priority := input.Priority
	if priority == "" {
		priority = enums.NotificationPriorityNormal
	}
	if !priority.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown priority %q", priority))
	}

	role := input.TargetRole
	row := &models.AgentNotification{
		ID:         uuid.New(),
		TargetRole: &role,
		Type:       notificationType,
		Priority:   priority,
		Title:      input.Title,
		Message:    input.Message,
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store broadcast notification")
	}
	return row, nil
}

// NotifyAssignment writes the agent's assignment notification inside the
// dispatcher's transaction so it lands with the claim.
func (s *service) NotifyAssignment(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID, orderID string) error {
	agent := agentID
	delivery := deliveryID
	row := &models.AgentNotification{
		ID:         uuid.New(),
		AgentID:    &agent,
		Type:       enums.NotificationTypeAssignment,
		Priority:   enums.NotificationPriorityHigh,
		Title:      "New delivery assigned",
		Message:    fmt.Sprintf("You have been assigned order %s.", orderID),
		DeliveryID: &delivery,
	}
	return s.repo.WithTx(tx).Create(ctx, row)
}

// NotifyNewDelivery announces a fresh unassigned delivery to the whole
// delivery person role, in the same transaction as the delivery row.
func (s *service) NotifyNewDelivery(ctx context.Context, tx *gorm.DB, deliveryID uuid.UUID, orderID string) error {
	role := enums.UserRoleDeliveryPerson
	delivery := deliveryID
	row := &models.AgentNotification{
		ID:         uuid.New(),
		TargetRole: &role,
		Type:       enums.NotificationTypeNewDelivery,
		Priority:   enums.NotificationPriorityNormal,
		Title:      "New delivery available",
		Message:    fmt.Sprintf("Order %s is waiting for a courier.", orderID),
		DeliveryID: &delivery,
	}
	return s.repo.WithTx(tx).Create(ctx, row)
}

func (s *service) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	count, err := s.repo.DeleteOlderThan(ctx, cutoff, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete aged notifications")
	}
	return count, nil
}
