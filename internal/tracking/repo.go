package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
)

// Repository exposes persistence helpers for agent locations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, row *models.AgentLocation) error
	FindByAgent(ctx context.Context, agentID uuid.UUID) (*models.AgentLocation, error)
	FindByActiveDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error)
	FindByAgents(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error)
	ListByStatus(ctx context.Context, status enums.AgentStatus) ([]models.AgentLocation, error)
	ListStaleAvailable(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentLocation, error)
	MarkBusy(ctx context.Context, agentID, deliveryID uuid.UUID, now time.Time) (bool, error)
	Release(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error)
	SetOffline(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a tracking repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// Upsert stores a heartbeat in one statement. A pinned delivery keeps
// the stored status: dispatch may claim the agent between the caller's
// read and this write, and the heartbeat must not undo the claim.
func (r *repositoryImpl) Upsert(ctx context.Context, row *models.AgentLocation) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":       gorm.Expr("CASE WHEN agent_locations.active_delivery_id IS NOT NULL THEN agent_locations.status ELSE excluded.status END"),
				"location":     gorm.Expr("excluded.location"),
				"speed_kmh":    gorm.Expr("excluded.speed_kmh"),
				"heading_deg":  gorm.Expr("excluded.heading_deg"),
				"last_updated": gorm.Expr("excluded.last_updated"),
			}),
		}).
		Create(row).Error
}

func (r *repositoryImpl) FindByAgent(ctx context.Context, agentID uuid.UUID) (*models.AgentLocation, error) {
	var row models.AgentLocation
	if err := r.db.WithContext(ctx).First(&row, "agent_id = ?", agentID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) FindByActiveDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error) {
	var row models.AgentLocation
	if err := r.db.WithContext(ctx).First(&row, "active_delivery_id = ?", deliveryID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) FindByAgents(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	var rows []models.AgentLocation
	err := r.db.WithContext(ctx).
		Where("agent_id IN ?", agentIDs).
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) ListByStatus(ctx context.Context, status enums.AgentStatus) ([]models.AgentLocation, error) {
	var rows []models.AgentLocation
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("last_updated DESC").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) ListStaleAvailable(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentLocation, error) {
	var rows []models.AgentLocation
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_updated < ?", enums.AgentStatusAvailable, cutoff).
		Order("last_updated ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkBusy flips an available agent to busy. A false return means the
// agent was not available anymore.
func (r *repositoryImpl) MarkBusy(ctx context.Context, agentID, deliveryID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AgentLocation{}).
		Where("agent_id = ? AND status = ?", agentID, enums.AgentStatusAvailable).
		Updates(map[string]any{
			"status":             enums.AgentStatusBusy,
			"active_delivery_id": deliveryID,
			"last_updated":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Release returns a busy agent to the available pool.
func (r *repositoryImpl) Release(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AgentLocation{}).
		Where("agent_id = ? AND status = ?", agentID, enums.AgentStatusBusy).
		Updates(map[string]any{
			"status":             enums.AgentStatusAvailable,
			"active_delivery_id": nil,
			"last_updated":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetOffline takes an available agent off shift. Busy agents are left
// alone so an in-flight delivery keeps its courier.
func (r *repositoryImpl) SetOffline(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AgentLocation{}).
		Where("agent_id = ? AND status = ?", agentID, enums.AgentStatusAvailable).
		Updates(map[string]any{
			"status":       enums.AgentStatusOffline,
			"last_updated": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
