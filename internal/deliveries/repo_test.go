package deliveries

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
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
)

func setupDeliveriesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	deliveries := `
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  restaurant_id TEXT NOT NULL,
  agent_id TEXT,
  status TEXT NOT NULL,
  pickup_address TEXT NOT NULL,
  dropoff_address TEXT NOT NULL,
  customer_contact TEXT NOT NULL,
  restaurant_contact TEXT,
  fee NUMERIC NOT NULL DEFAULT 0,
  special_instructions TEXT,
  status_reason TEXT,
  estimated_delivery_at DATETIME,
  assigned_at DATETIME,
  picked_up_at DATETIME,
  delivered_at DATETIME,
  cancelled_at DATETIME,
  actual_delivery_minutes INTEGER,
  rating INTEGER,
  created_at DATETIME,
  updated_at DATETIME
);`
	require.NoError(t, db.Exec(deliveries).Error)
	return db
}

func seedDelivery(t *testing.T, db *gorm.DB, status enums.DeliveryStatus, created time.Time) *models.Delivery {
	t.Helper()

	row := &models.Delivery{
		ID:              uuid.New(),
		OrderID:         "ord-" + uuid.NewString(),
		CustomerID:      uuid.New(),
		RestaurantID:    uuid.New(),
		Status:          status,
		PickupAddress:   testAddress(40.7128, -74.0060),
		DropoffAddress:  testAddress(40.7306, -73.9866),
		CustomerContact: testContact(),
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, db.Create(row).Error)
	return row
}

func TestRepository_CreateAndFindByOrderID(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	row := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, time.Now().UTC())

	found, err := repo.FindByOrderID(ctx, row.OrderID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, found.ID)
	assert.Equal(t, enums.DeliveryStatusPendingAssignment, found.Status)
	assert.Equal(t, "Springfield", found.PickupAddress.City)
	assert.InDelta(t, 40.7128, found.PickupAddress.Location.Lat, 1e-9)

	_, err = repo.FindByOrderID(ctx, "ord-missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRepository_CreateEnforcesUniqueOrder(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	row := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, time.Now().UTC())

	dup := *row
	dup.ID = uuid.New()
	assert.Error(t, repo.Create(ctx, &dup))
}

func TestRepository_UpdateStatusCASGuardsCurrentStatus(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	row := seedDelivery(t, db, enums.DeliveryStatusAssigned, time.Now().UTC())

	ok, err := repo.UpdateStatusCAS(ctx, row.ID, enums.DeliveryStatusInTransit, enums.DeliveryStatusDelivered, nil)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not update")

	found, err := repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.DeliveryStatusAssigned, found.Status)

	now := time.Now().UTC()
	ok, err = repo.UpdateStatusCAS(ctx, row.ID, enums.DeliveryStatusAssigned, enums.DeliveryStatusPickedUp, map[string]any{
		"picked_up_at": now,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	found, err = repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.DeliveryStatusPickedUp, found.Status)
	require.NotNil(t, found.PickedUpAt)
}

func TestRepository_AssignCASSingleWinner(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	row := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, time.Now().UTC())
	first := uuid.New()
	second := uuid.New()

	ok, err := repo.AssignCAS(ctx, row.ID, first, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AssignCAS(ctx, row.ID, second, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed delivery must not be claimed again")

	found, err := repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.DeliveryStatusAssigned, found.Status)
	require.NotNil(t, found.AgentID)
	assert.Equal(t, first, *found.AgentID)
}

func TestRepository_SetRatingOnlyDeliveredOnce(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	inTransit := seedDelivery(t, db, enums.DeliveryStatusInTransit, time.Now().UTC())
	ok, err := repo.SetRating(ctx, inTransit.ID, 5)
	require.NoError(t, err)
	assert.False(t, ok, "only delivered rows accept ratings")

	delivered := seedDelivery(t, db, enums.DeliveryStatusDelivered, time.Now().UTC())
	ok, err = repo.SetRating(ctx, delivered.ID, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetRating(ctx, delivered.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok, "a second rating must not overwrite the first")

	found, err := repo.FindByID(ctx, delivered.ID)
	require.NoError(t, err)
	require.NotNil(t, found.Rating)
	assert.Equal(t, 4, *found.Rating)
}

func TestRepository_FindPendingBefore(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	old := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, now.Add(-10*time.Minute))
	older := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, now.Add(-30*time.Minute))
	seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, now.Add(time.Minute))
	seedDelivery(t, db, enums.DeliveryStatusAssigned, now.Add(-30*time.Minute))

	rows, err := repo.FindPendingBefore(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	assert.Contains(t, ids, old.ID)
	assert.Contains(t, ids, older.ID)

	// Oldest pending rows come back first so retries are fair.
	var positions = map[uuid.UUID]int{}
	for i, row := range rows {
		positions[row.ID] = i
	}
	assert.Less(t, positions[older.ID], positions[old.ID])
}

func TestRepository_ListFiltersAndPaginates(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	customerID := uuid.New()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		row := seedDelivery(t, db, enums.DeliveryStatusPendingAssignment, now.Add(time.Duration(-i)*time.Minute))
		require.NoError(t, db.Model(&models.Delivery{}).
			Where("id = ?", row.ID).
			UpdateColumn("customer_id", customerID).Error)
	}

	rows, total, err := repo.List(ctx, ListFilters{CustomerID: &customerID}, pagination.Params{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, rows, 2)

	rows, total, err = repo.List(ctx, ListFilters{CustomerID: &customerID}, pagination.Params{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, rows, 1)

	status := enums.DeliveryStatusDelivered
	rows, total, err = repo.List(ctx, ListFilters{CustomerID: &customerID, Status: &status}, pagination.Params{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Empty(t, rows)
}

func TestRepository_ListFiltersByStatusSet(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	seedDelivery(t, db, enums.DeliveryStatusAssigned, now)
	seedDelivery(t, db, enums.DeliveryStatusInTransit, now.Add(-time.Minute))
	seedDelivery(t, db, enums.DeliveryStatusDelivered, now.Add(-2*time.Minute))

	active := []enums.DeliveryStatus{
		enums.DeliveryStatusAssigned,
		enums.DeliveryStatusPickedUp,
		enums.DeliveryStatusInTransit,
	}
	rows, total, err := repo.List(ctx, ListFilters{Statuses: active}, pagination.Params{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, row := range rows {
		assert.Contains(t, active, row.Status)
	}
}

func TestRepository_UpdateETA(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	row := seedDelivery(t, db, enums.DeliveryStatusInTransit, time.Now().UTC())
	eta := time.Now().UTC().Add(18 * time.Minute).Truncate(time.Second)

	require.NoError(t, repo.UpdateETA(ctx, row.ID, eta))

	found, err := repo.FindByID(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, found.EstimatedDeliveryAt)
	assert.WithinDuration(t, eta, *found.EstimatedDeliveryAt, time.Second)
}

func TestRepository_DeleteRemovesRow(t *testing.T) {
	db := setupDeliveriesTestDB(t)
	repo := NewRepository(db)
	row := seedDelivery(t, db, enums.DeliveryStatusCancelled, time.Now().UTC())

	deleted, err := repo.Delete(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = repo.FindByID(context.Background(), row.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	deleted, err = repo.Delete(context.Background(), row.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
