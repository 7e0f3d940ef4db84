package deliveries

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
)

// Repository defines persistence operations for delivery records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, delivery *models.Delivery) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.Delivery, error)
	List(ctx context.Context, params ListFilters, page pagination.Params) ([]models.Delivery, int64, error)
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error)
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to enums.DeliveryStatus, updates map[string]any) (bool, error)
	AssignCAS(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error)
	SetRating(ctx context.Context, id uuid.UUID, rating int) (bool, error)
	UpdateETA(ctx context.Context, id uuid.UUID, eta time.Time) error
	AgentStats(ctx context.Context, agentID uuid.UUID, since *time.Time) (*AgentStatsRow, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a deliveries repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// AgentStatsRow aggregates completed-delivery figures for one agent.
type AgentStatsRow struct {
	Completed      int64    `gorm:"column:completed"`
	TotalFees      string   `gorm:"column:total_fees"`
	AvgRating      *float64 `gorm:"column:avg_rating"`
	AvgMinutes     *float64 `gorm:"column:avg_minutes"`
	CancelledCount int64    `gorm:"column:cancelled_count"`
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) Create(ctx context.Context, delivery *models.Delivery) error {
	return r.db.WithContext(ctx).Create(delivery).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	var row models.Delivery
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) FindByOrderID(ctx context.Context, orderID string) (*models.Delivery, error) {
	var row models.Delivery
	if err := r.db.WithContext(ctx).First(&row, "order_id = ?", orderID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) List(ctx context.Context, filters ListFilters, page pagination.Params) ([]models.Delivery, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Delivery{})
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if len(filters.Statuses) > 0 {
		query = query.Where("status IN ?", filters.Statuses)
	}
	if filters.AgentID != nil {
		query = query.Where("agent_id = ?", *filters.AgentID)
	}
	if filters.CustomerID != nil {
		query = query.Where("customer_id = ?", *filters.CustomerID)
	}
	if filters.RestaurantID != nil {
		query = query.Where("restaurant_id = ?", *filters.RestaurantID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	norm := page.Normalize()
	var rows []models.Delivery
	err := query.
		Order("created_at DESC, id DESC").
		Offset(page.Offset()).
		Limit(norm.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *repositoryImpl) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error) {
	var rows []models.Delivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.DeliveryStatusPendingAssignment, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// UpdateStatusCAS flips the status only when the row still carries the
// expected current status. A false return means the guard lost the race
// or the row is gone; the caller reloads and decides.
func (r *repositoryImpl) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from, to enums.DeliveryStatus, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	result := r.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// AssignCAS claims a pending, unassigned delivery for the agent.
func (r *repositoryImpl) AssignCAS(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = enums.DeliveryStatusAssigned
	updates["agent_id"] = agentID

	result := r.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("id = ? AND status = ? AND agent_id IS NULL", id, enums.DeliveryStatusPendingAssignment).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) SetRating(ctx context.Context, id uuid.UUID, rating int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("id = ? AND status = ? AND rating IS NULL", id, enums.DeliveryStatusDelivered).
		UpdateColumn("rating", rating)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) UpdateETA(ctx context.Context, id uuid.UUID, eta time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Where("id = ?", id).
		UpdateColumn("estimated_delivery_at", eta).Error
}

func (r *repositoryImpl) AgentStats(ctx context.Context, agentID uuid.UUID, since *time.Time) (*AgentStatsRow, error) {
	var row AgentStatsRow
	query := r.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Select(
			"COUNT(*) FILTER (WHERE status = ?) AS completed, "+
				"COALESCE(SUM(fee) FILTER (WHERE status = ?), 0) AS total_fees, "+
				"AVG(rating) FILTER (WHERE status = ?) AS avg_rating, "+
				"AVG(actual_delivery_minutes) FILTER (WHERE status = ?) AS avg_minutes, "+
				"COUNT(*) FILTER (WHERE status = ?) AS cancelled_count",
			enums.DeliveryStatusDelivered,
			enums.DeliveryStatusDelivered,
			enums.DeliveryStatusDelivered,
			enums.DeliveryStatusDelivered,
			enums.DeliveryStatusCancelled,
		).
		Where("agent_id = ?", agentID)
	if since != nil {
		query = query.Where("created_at >= ?", *since)
	}
	if err := query.Scan(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete removes a delivery row outright. A false return means no row
// matched the id.
func (r *repositoryImpl) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).Delete(&models.Delivery{}, "id = ?", id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
