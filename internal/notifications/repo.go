package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
)

// Repository exposes persistence helpers for agent notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, notification *models.AgentNotification) error
	List(ctx context.Context, params listParams) ([]models.AgentNotification, int64, error)
	UnreadCount(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error)
	MarkRead(ctx context.Context, agentID, notificationID uuid.UUID, now time.Time) (markResult, error)
	MarkAllRead(ctx context.Context, agentID uuid.UUID, role enums.UserRole, now time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

type listParams struct {
	AgentID    uuid.UUID
	Role       enums.UserRole
	Page       pagination.Params
	UnreadOnly bool
}

type markResult struct {
	Updated bool
	Found   bool
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, notification *models.AgentNotification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

// visibleTo scopes rows to direct notifications for the agent plus
// broadcasts aimed at the agent's role.
func (r *repositoryImpl) visibleTo(ctx context.Context, agentID uuid.UUID, role enums.UserRole) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.AgentNotification{}).
		Where("agent_id = ? OR target_role = ?", agentID, role)
}

func (r *repositoryImpl) List(ctx context.Context, params listParams) ([]models.AgentNotification, int64, error) {
	query := r.visibleTo(ctx, params.AgentID, params.Role)
	if params.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	norm := params.Page.Normalize()
	var rows []models.AgentNotification
	err := query.
		Order("created_at DESC, id DESC").
		Offset(params.Page.Offset()).
		Limit(norm.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *repositoryImpl) UnreadCount(ctx context.Context, agentID uuid.UUID, role enums.UserRole) (int64, error) {
	var count int64
	err := r.visibleTo(ctx, agentID, role).
		Where("read_at IS NULL").
		Count(&count).Error
	return count, err
}

func (r *repositoryImpl) MarkRead(ctx context.Context, agentID, notificationID uuid.UUID, now time.Time) (markResult, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AgentNotification{}).
		Where("id = ? AND agent_id = ? AND read_at IS NULL", notificationID, agentID).
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return markResult{}, result.Error
	}

	mark := markResult{Updated: result.RowsAffected > 0}
	if result.RowsAffected > 0 {
		mark.Found = true
		return mark, nil
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.AgentNotification{}).
		Where("id = ? AND agent_id = ?", notificationID, agentID).
		Count(&count).Error; err != nil {
		return markResult{}, err
	}
	mark.Found = count > 0
	return mark, nil
}

func (r *repositoryImpl) MarkAllRead(ctx context.Context, agentID uuid.UUID, role enums.UserRole, now time.Time) (int64, error) {
	result := r.visibleTo(ctx, agentID, role).
		Where("read_at IS NULL").
		UpdateColumn("read_at", now)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan clears aged rows in bounded batches so the cleanup
// job cannot hold long locks.
func (r *repositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.
			Model(&models.AgentNotification{}).
			Select("id").
			Where("created_at < ?", cutoff).
			Limit(limit),
		).
		Delete(&models.AgentNotification{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
