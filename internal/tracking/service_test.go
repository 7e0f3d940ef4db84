package tracking

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	redispkg "github.com/angelmondragon/platefleet-backend/pkg/redis"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

type fakeRepository struct {
	upsertFn             func(ctx context.Context, row *models.AgentLocation) error
	findByAgentFn        func(ctx context.Context, agentID uuid.UUID) (*models.AgentLocation, error)
	findByAgentsFn       func(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error)
	findByDeliveryFn     func(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error)
	listByStatusFn       func(ctx context.Context, status enums.AgentStatus) ([]models.AgentLocation, error)
	listStaleAvailableFn func(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentLocation, error)
	markBusyFn           func(ctx context.Context, agentID, deliveryID uuid.UUID, now time.Time) (bool, error)
	releaseFn            func(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error)
	setOfflineFn         func(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error)
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeRepository) Upsert(ctx context.Context, row *models.AgentLocation) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, row)
	}
	return nil
}

func (f *fakeRepository) FindByActiveDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error) {
	if f.findByDeliveryFn != nil {
		return f.findByDeliveryFn(ctx, deliveryID)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindByAgent(ctx context.Context, agentID uuid.UUID) (*models.AgentLocation, error) {
	if f.findByAgentFn != nil {
		return f.findByAgentFn(ctx, agentID)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindByAgents(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error) {
	if f.findByAgentsFn != nil {
		return f.findByAgentsFn(ctx, agentIDs)
	}
	return nil, nil
}

func (f *fakeRepository) ListByStatus(ctx context.Context, status enums.AgentStatus) ([]models.AgentLocation, error) {
	if f.listByStatusFn != nil {
		return f.listByStatusFn(ctx, status)
	}
	return nil, nil
}

func (f *fakeRepository) ListStaleAvailable(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentLocation, error) {
	if f.listStaleAvailableFn != nil {
		return f.listStaleAvailableFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (f *fakeRepository) MarkBusy(ctx context.Context, agentID, deliveryID uuid.UUID, now time.Time) (bool, error) {
	if f.markBusyFn != nil {
		return f.markBusyFn(ctx, agentID, deliveryID, now)
	}
	return true, nil
}

func (f *fakeRepository) Release(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, agentID, now)
	}
	return true, nil
}

func (f *fakeRepository) SetOffline(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
	if f.setOfflineFn != nil {
		return f.setOfflineFn(ctx, agentID, now)
	}
	return true, nil
}

type fakeGeoIndex struct {
	added    []string
	removed  []string
	nearbyFn func(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error)
	setNXFn  func(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

func (f *fakeGeoIndex) AddAvailableAgent(ctx context.Context, agentID string, lat, lng float64) error {
	f.added = append(f.added, agentID)
	return nil
}

func (f *fakeGeoIndex) RemoveAvailableAgent(ctx context.Context, agentID string) error {
	f.removed = append(f.removed, agentID)
	return nil
}

func (f *fakeGeoIndex) NearbyAvailableAgents(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error) {
	if f.nearbyFn != nil {
		return f.nearbyFn(ctx, lat, lng, radiusKM, limit)
	}
	return nil, nil
}

func (f *fakeGeoIndex) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if f.setNXFn != nil {
		return f.setNXFn(ctx, key, value, ttl)
	}
	return true, nil
}

func (f *fakeGeoIndex) HeartbeatKey(agentID string) string {
	return "plf:tracking:heartbeat:" + agentID
}

type fakeDeliveryRecords struct {
	findByIDFn  func(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	etaUpdates  []uuid.UUID
	updateETAFn func(ctx context.Context, id uuid.UUID, eta time.Time) error
}

func (f *fakeDeliveryRecords) FindByID(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	if f.findByIDFn != nil {
		return f.findByIDFn(ctx, id)
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeDeliveryRecords) UpdateETA(ctx context.Context, id uuid.UUID, eta time.Time) error {
	if f.updateETAFn != nil {
		return f.updateETAFn(ctx, id, eta)
	}
	f.etaUpdates = append(f.etaUpdates, id)
	return nil
}

type trackingFixture struct {
	repo    *fakeRepository
	geo     *fakeGeoIndex
	records *fakeDeliveryRecords
	svc     Service
}

func newTrackingFixture(t *testing.T) *trackingFixture {
	t.Helper()

	fixture := &trackingFixture{
		repo:    &fakeRepository{},
		geo:     &fakeGeoIndex{},
		records: &fakeDeliveryRecords{},
	}
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	svc, err := NewService(
		fixture.repo,
		fixture.geo,
		fixture.records,
		nil,
		config.TrackingConfig{
			StaleAfter:      5 * time.Minute,
			HeartbeatMinGap: 2 * time.Second,
		},
		config.DispatchConfig{
			SearchRadiusKM:  10,
			MaxCandidates:   25,
			DefaultSpeedKMH: 25,
			MinETAMinutes:   1,
		},
		logg,
		metrics.NewDispatchMetrics(nil),
	)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	fixture.svc = svc
	return fixture
}

func agentActor(agentID uuid.UUID) auth.Identity {
	return auth.Identity{UserID: agentID, Role: enums.UserRoleDeliveryPerson}
}

func TestService_HeartbeatRejectsZeroCoordinates(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()

	_, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{},
	})
	if err == nil {
		t.Fatal("expected error for zero coordinates")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %s", code)
	}
}

func TestService_HeartbeatRejectsForeignAgent(t *testing.T) {
	fixture := newTrackingFixture(t)

	_, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  uuid.New(),
		Actor:    agentActor(uuid.New()),
		Location: types.LatLng{Lat: 40.7, Lng: -74.0},
	})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestService_HeartbeatRejectsDeviceBusyStatus(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	busy := enums.AgentStatusBusy

	_, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.7, Lng: -74.0},
		Status:   &busy,
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %s", code)
	}
}

func TestService_HeartbeatThrottlesBursts(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	existing := &models.AgentLocation{
		AgentID:  agentID,
		Status:   enums.AgentStatusAvailable,
		Location: types.LatLng{Lat: 40.70, Lng: -74.00},
	}

	fixture.geo.setNXFn = func(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
		if ttl != 2*time.Second {
			t.Fatalf("expected min-gap ttl, got %s", ttl)
		}
		return false, nil
	}
	fixture.repo.findByAgentFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		return existing, nil
	}
	upserted := false
	fixture.repo.upsertFn = func(ctx context.Context, row *models.AgentLocation) error {
		upserted = true
		return nil
	}

	row, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.71, Lng: -74.01},
	})
	if err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if upserted {
		t.Fatal("throttled heartbeat must not write")
	}
	if row.Location.Lat != existing.Location.Lat {
		t.Fatal("throttled heartbeat must return the stored position")
	}
}

func TestService_HeartbeatAddsAvailableAgentToGeoIndex(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()

	row, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.71, Lng: -74.01},
	})
	if err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if row.Status != enums.AgentStatusAvailable {
		t.Fatalf("expected AVAILABLE, got %s", row.Status)
	}
	if len(fixture.geo.added) != 1 || fixture.geo.added[0] != agentID.String() {
		t.Fatalf("expected agent in geo index, got %v", fixture.geo.added)
	}
}

func TestService_HeartbeatOfflineRemovesFromGeoIndex(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	offline := enums.AgentStatusOffline

	row, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.71, Lng: -74.01},
		Status:   &offline,
	})
	if err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if row.Status != enums.AgentStatusOffline {
		t.Fatalf("expected OFFLINE, got %s", row.Status)
	}
	if len(fixture.geo.removed) != 1 {
		t.Fatalf("expected geo removal, got %v", fixture.geo.removed)
	}
}

func TestService_HeartbeatKeepsBusyAgentPinned(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	deliveryID := uuid.New()

	fixture.repo.findByAgentFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		return &models.AgentLocation{
			AgentID:          agentID,
			Status:           enums.AgentStatusBusy,
			ActiveDeliveryID: &deliveryID,
			Location:         types.LatLng{Lat: 40.70, Lng: -74.00},
		}, nil
	}
	fixture.records.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return &models.Delivery{
			ID:             deliveryID,
			OrderID:        "ord-3003",
			Status:         enums.DeliveryStatusInTransit,
			DropoffAddress: testDropoff(),
		}, nil
	}

	row, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.72, Lng: -74.02},
	})
	if err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if row.Status != enums.AgentStatusBusy {
		t.Fatalf("expected agent to stay BUSY, got %s", row.Status)
	}
	if row.ActiveDeliveryID == nil || *row.ActiveDeliveryID != deliveryID {
		t.Fatalf("expected pinned delivery %s, got %v", deliveryID, row.ActiveDeliveryID)
	}
	if len(fixture.records.etaUpdates) != 1 || fixture.records.etaUpdates[0] != deliveryID {
		t.Fatalf("expected eta refresh for %s, got %v", deliveryID, fixture.records.etaUpdates)
	}
}

func TestService_HeartbeatSkipsETAForTerminalDelivery(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	deliveryID := uuid.New()

	fixture.repo.findByAgentFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		return &models.AgentLocation{
			AgentID:          agentID,
			Status:           enums.AgentStatusBusy,
			ActiveDeliveryID: &deliveryID,
			Location:         types.LatLng{Lat: 40.70, Lng: -74.00},
		}, nil
	}
	fixture.records.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return &models.Delivery{
			ID:             deliveryID,
			Status:         enums.DeliveryStatusDelivered,
			DropoffAddress: testDropoff(),
		}, nil
	}

	if _, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.72, Lng: -74.02},
	}); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if len(fixture.records.etaUpdates) != 0 {
		t.Fatalf("expected no eta refresh on a finished delivery, got %v", fixture.records.etaUpdates)
	}
}

func TestService_ListAgentsAdminOnly(t *testing.T) {
	fixture := newTrackingFixture(t)

	_, err := fixture.svc.ListAgents(context.Background(), nil, agentActor(uuid.New()))
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestService_MarkStaleOffline(t *testing.T) {
	fixture := newTrackingFixture(t)
	stale := uuid.New()
	busyOne := uuid.New()

	fixture.repo.listStaleAvailableFn = func(ctx context.Context, cutoff time.Time, limit int) ([]models.AgentLocation, error) {
		return []models.AgentLocation{
			{AgentID: stale, Status: enums.AgentStatusAvailable},
			{AgentID: busyOne, Status: enums.AgentStatusAvailable},
		}, nil
	}
	fixture.repo.setOfflineFn = func(ctx context.Context, agentID uuid.UUID, now time.Time) (bool, error) {
		// The second agent turned busy between list and update.
		return agentID == stale, nil
	}

	count, err := fixture.svc.MarkStaleOffline(context.Background())
	if err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 agent swept, got %d", count)
	}
	if len(fixture.geo.removed) != 1 || fixture.geo.removed[0] != stale.String() {
		t.Fatalf("expected stale agent removed from geo index, got %v", fixture.geo.removed)
	}
}

func TestService_NearbyAvailableFiltersBusyRows(t *testing.T) {
	fixture := newTrackingFixture(t)
	available := uuid.New()
	busy := uuid.New()
	now := time.Now().UTC()

	fixture.geo.nearbyFn = func(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error) {
		if radiusKM != 10 || limit != 25 {
			t.Fatalf("unexpected search bounds radius=%f limit=%d", radiusKM, limit)
		}
		return []redispkg.AgentPosition{
			{AgentID: available.String(), Lat: 40.71, Lng: -74.01, DistanceKM: 0.5},
			{AgentID: busy.String(), Lat: 40.72, Lng: -74.02, DistanceKM: 0.9},
		}, nil
	}
	fixture.repo.findByAgentsFn = func(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error) {
		return []models.AgentLocation{
			{AgentID: available, Status: enums.AgentStatusAvailable, LastUpdated: now},
			{AgentID: busy, Status: enums.AgentStatusBusy, LastUpdated: now},
		}, nil
	}

	candidates, err := fixture.svc.NearbyAvailable(context.Background(), 40.71, -74.01)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].AgentID != available {
		t.Fatalf("expected available agent, got %s", candidates[0].AgentID)
	}
	if candidates[0].DistanceKM != 0.5 {
		t.Fatalf("expected geo distances to carry through, got %f", candidates[0].DistanceKM)
	}
}

func TestService_MarkBusyFailsWhenAgentUnavailable(t *testing.T) {
	fixture := newTrackingFixture(t)
	fixture.repo.markBusyFn = func(ctx context.Context, agentID, deliveryID uuid.UUID, now time.Time) (bool, error) {
		return false, nil
	}

	err := fixture.svc.MarkBusy(context.Background(), nil, uuid.New(), uuid.New())
	if err == nil {
		t.Fatal("expected error for unavailable agent")
	}
}

func TestService_ReleaseRestoresGeoMembership(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()

	fixture.repo.findByAgentFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		return &models.AgentLocation{
			AgentID:  agentID,
			Status:   enums.AgentStatusAvailable,
			Location: types.LatLng{Lat: 40.73, Lng: -74.03},
		}, nil
	}

	if err := fixture.svc.Release(context.Background(), nil, agentID); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if len(fixture.geo.added) != 1 || fixture.geo.added[0] != agentID.String() {
		t.Fatalf("expected released agent back in geo index, got %v", fixture.geo.added)
	}
}

func testDropoff() types.Address {
	return types.Address{
		Street:   "9 Delancey St",
		City:     "New York",
		Location: types.LatLng{Lat: 40.7180, Lng: -73.9916},
	}
}

func TestService_ActiveDeliveryPositionFindsCarrier(t *testing.T) {
	deliveryID := uuid.New()
	agentID := uuid.New()

	fixture := newTrackingFixture(t)
	fixture.repo.findByDeliveryFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		if id != deliveryID {
			t.Fatalf("unexpected delivery id %s", id)
		}
		return &models.AgentLocation{
			AgentID:          agentID,
			Status:           enums.AgentStatusBusy,
			ActiveDeliveryID: &deliveryID,
			Location:         types.LatLng{Lat: 40.71, Lng: -74.0},
		}, nil
	}

	row, err := fixture.svc.ActiveDeliveryPosition(context.Background(), deliveryID)
	if err != nil {
		t.Fatalf("unexpected position error: %v", err)
	}
	if row.AgentID != agentID {
		t.Fatalf("unexpected agent %s", row.AgentID)
	}
}

func TestService_ActiveDeliveryPositionNotFound(t *testing.T) {
	fixture := newTrackingFixture(t)

	_, err := fixture.svc.ActiveDeliveryPosition(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected not found error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %s", code)
	}
}

func TestService_NearbyAvailableSortsNearestFirst(t *testing.T) {
	fixture := newTrackingFixture(t)
	far := uuid.New()
	near := uuid.New()
	mid := uuid.New()
	now := time.Now().UTC()

	fixture.geo.nearbyFn = func(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error) {
		return []redispkg.AgentPosition{
			{AgentID: far.String(), Lat: 40.80, Lng: -74.10, DistanceKM: 7.0},
			{AgentID: near.String(), Lat: 40.71, Lng: -74.01, DistanceKM: 0.1},
			{AgentID: mid.String(), Lat: 40.73, Lng: -74.03, DistanceKM: 2.4},
		}, nil
	}
	fixture.repo.findByAgentsFn = func(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error) {
		// Plain table read, no ordering guarantees.
		return []models.AgentLocation{
			{AgentID: far, Status: enums.AgentStatusAvailable, LastUpdated: now},
			{AgentID: mid, Status: enums.AgentStatusAvailable, LastUpdated: now},
			{AgentID: near, Status: enums.AgentStatusAvailable, LastUpdated: now},
		}, nil
	}

	candidates, err := fixture.svc.NearbyAvailable(context.Background(), 40.71, -74.01)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i].DistanceKM < candidates[i-1].DistanceKM {
			t.Fatalf("candidates out of order: %f before %f", candidates[i-1].DistanceKM, candidates[i].DistanceKM)
		}
	}
	if candidates[0].AgentID != near || candidates[2].AgentID != far {
		t.Fatalf("expected nearest-first ordering, got %v", candidates)
	}
}

func TestService_NearbyAvailableBreaksDistanceTiesByOldestReport(t *testing.T) {
	fixture := newTrackingFixture(t)
	fresh := uuid.New()
	waiting := uuid.New()
	now := time.Now().UTC()

	fixture.geo.nearbyFn = func(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error) {
		return []redispkg.AgentPosition{
			{AgentID: fresh.String(), Lat: 40.71, Lng: -74.01, DistanceKM: 1.0},
			{AgentID: waiting.String(), Lat: 40.71, Lng: -74.02, DistanceKM: 1.0},
		}, nil
	}
	fixture.repo.findByAgentsFn = func(ctx context.Context, agentIDs []uuid.UUID) ([]models.AgentLocation, error) {
		return []models.AgentLocation{
			{AgentID: fresh, Status: enums.AgentStatusAvailable, LastUpdated: now},
			{AgentID: waiting, Status: enums.AgentStatusAvailable, LastUpdated: now.Add(-3 * time.Minute)},
		}, nil
	}

	candidates, err := fixture.svc.NearbyAvailable(context.Background(), 40.71, -74.01)
	if err != nil {
		t.Fatalf("unexpected search error: %v", err)
	}
	if len(candidates) != 2 || candidates[0].AgentID != waiting {
		t.Fatalf("expected longest-waiting agent first on a distance tie, got %v", candidates)
	}
}

func TestService_HeartbeatFollowsClaimCommittedDuringWrite(t *testing.T) {
	fixture := newTrackingFixture(t)
	agentID := uuid.New()
	deliveryID := uuid.New()

	// Dispatch claims the agent between the heartbeat's read and its
	// upsert; the database keeps the claim, so the reload must win.
	claimed := false
	fixture.repo.upsertFn = func(ctx context.Context, row *models.AgentLocation) error {
		claimed = true
		return nil
	}
	fixture.repo.findByAgentFn = func(ctx context.Context, id uuid.UUID) (*models.AgentLocation, error) {
		if !claimed {
			return nil, gorm.ErrRecordNotFound
		}
		return &models.AgentLocation{
			AgentID:          agentID,
			Status:           enums.AgentStatusBusy,
			ActiveDeliveryID: &deliveryID,
			Location:         types.LatLng{Lat: 40.72, Lng: -74.02},
			LastUpdated:      time.Now().UTC(),
		}, nil
	}
	fixture.records.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return &models.Delivery{
			ID:             deliveryID,
			OrderID:        "ord-8080",
			Status:         enums.DeliveryStatusAssigned,
			PickupAddress:  testDropoff(),
			DropoffAddress: testDropoff(),
		}, nil
	}

	row, err := fixture.svc.Heartbeat(context.Background(), HeartbeatInput{
		AgentID:  agentID,
		Actor:    agentActor(agentID),
		Location: types.LatLng{Lat: 40.72, Lng: -74.02},
	})
	if err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}
	if row.Status != enums.AgentStatusBusy {
		t.Fatalf("expected heartbeat to report the stored BUSY row, got %s", row.Status)
	}
	if len(fixture.geo.added) != 0 {
		t.Fatalf("claimed agent must not rejoin the geo index, got %v", fixture.geo.added)
	}
	if len(fixture.geo.removed) == 0 {
		t.Fatal("expected claimed agent removed from geo index")
	}
}
