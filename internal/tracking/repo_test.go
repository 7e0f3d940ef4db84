package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

func setupTrackingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS agent_locations (
  agent_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  location TEXT NOT NULL,
  speed_kmh REAL,
  heading_deg REAL,
  active_delivery_id TEXT,
  last_updated DATETIME NOT NULL
);`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func heartbeatRow(agentID uuid.UUID, status enums.AgentStatus, lat, lng float64) *models.AgentLocation {
	return &models.AgentLocation{
		AgentID:     agentID,
		Status:      status,
		Location:    types.LatLng{Lat: lat, Lng: lng},
		LastUpdated: time.Now().UTC(),
	}
}

func TestRepository_UpsertInsertsAndUpdates(t *testing.T) {
	db := setupTrackingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	agentID := uuid.New()

	require.NoError(t, repo.Upsert(ctx, heartbeatRow(agentID, enums.AgentStatusAvailable, 40.71, -74.01)))
	require.NoError(t, repo.Upsert(ctx, heartbeatRow(agentID, enums.AgentStatusAvailable, 40.73, -74.03)))

	stored, err := repo.FindByAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, enums.AgentStatusAvailable, stored.Status)
	assert.InDelta(t, 40.73, stored.Location.Lat, 0.0001)
}

func TestRepository_UpsertKeepsDispatchClaim(t *testing.T) {
	db := setupTrackingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	agentID := uuid.New()
	deliveryID := uuid.New()

	require.NoError(t, repo.Upsert(ctx, heartbeatRow(agentID, enums.AgentStatusAvailable, 40.71, -74.01)))

	claimed, err := repo.MarkBusy(ctx, agentID, deliveryID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	// A heartbeat that raced the claim still carries AVAILABLE; the
	// write must keep the claim while taking the fresh position.
	require.NoError(t, repo.Upsert(ctx, heartbeatRow(agentID, enums.AgentStatusAvailable, 40.75, -74.05)))

	stored, err := repo.FindByAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, enums.AgentStatusBusy, stored.Status)
	require.NotNil(t, stored.ActiveDeliveryID)
	assert.Equal(t, deliveryID, *stored.ActiveDeliveryID)
	assert.InDelta(t, 40.75, stored.Location.Lat, 0.0001)
}

func TestRepository_FindByActiveDelivery(t *testing.T) {
	db := setupTrackingTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	agentID := uuid.New()
	deliveryID := uuid.New()

	require.NoError(t, repo.Upsert(ctx, heartbeatRow(agentID, enums.AgentStatusAvailable, 40.71, -74.01)))
	claimed, err := repo.MarkBusy(ctx, agentID, deliveryID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	carrier, err := repo.FindByActiveDelivery(ctx, deliveryID)
	require.NoError(t, err)
	assert.Equal(t, agentID, carrier.AgentID)

	_, err = repo.FindByActiveDelivery(ctx, uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
