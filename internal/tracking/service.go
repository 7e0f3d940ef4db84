package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/geo"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	"github.com/angelmondragon/platefleet-backend/pkg/realtime"
	redispkg "github.com/angelmondragon/platefleet-backend/pkg/redis"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

// Service defines agent location and availability operations. It also
// backs the dispatcher's view of who can take a delivery.
type Service interface {
	Heartbeat(ctx context.Context, input HeartbeatInput) (*models.AgentLocation, error)
	GetAgent(ctx context.Context, agentID uuid.UUID, actor auth.Identity) (*models.AgentLocation, error)
	ActiveDeliveryPosition(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error)
	ListAgents(ctx context.Context, status *enums.AgentStatus, actor auth.Identity) ([]models.AgentLocation, error)
	MarkStaleOffline(ctx context.Context) (int, error)

	deliveries.AgentDirectory
}

// HeartbeatInput is one position report from an agent's device.
type HeartbeatInput struct {
	AgentID    uuid.UUID
	Actor      auth.Identity
	Location   types.LatLng
	SpeedKMH   *float64
	HeadingDeg *float64
	Status     *enums.AgentStatus
}

type geoIndex interface {
	AddAvailableAgent(ctx context.Context, agentID string, lat, lng float64) error
	RemoveAvailableAgent(ctx context.Context, agentID string) error
	NearbyAvailableAgents(ctx context.Context, lat, lng, radiusKM float64, limit int) ([]redispkg.AgentPosition, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	HeartbeatKey(agentID string) string
}

// deliveryRecords is the slice of the deliveries repository the tracker
// needs for ETA upkeep.
type deliveryRecords interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	UpdateETA(ctx context.Context, id uuid.UUID, eta time.Time) error
}

type service struct {
	repo     Repository
	geo      geoIndex
	records  deliveryRecords
	rt       realtime.Broadcaster
	cfg      config.TrackingConfig
	dispatch config.DispatchConfig
	logg     *logger.Logger
	met      *metrics.DispatchMetrics
	now      func() time.Time
}

// NewService wires the tracking dependencies.
func NewService(
	repo Repository,
	geoIdx geoIndex,
	records deliveryRecords,
	rt realtime.Broadcaster,
	cfg config.TrackingConfig,
	dispatch config.DispatchConfig,
	logg *logger.Logger,
	met *metrics.DispatchMetrics,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("tracking repository required")
	}
	if geoIdx == nil {
		return nil, fmt.Errorf("geo index required")
	}
	if records == nil {
		return nil, fmt.Errorf("delivery records required")
	}
	if rt == nil {
		rt = realtime.NewNoopBroadcaster()
	}
	return &service{
		repo:     repo,
		geo:      geoIdx,
		records:  records,
		rt:       rt,
		cfg:      cfg,
		dispatch: dispatch,
		logg:     logg,
		met:      met,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Heartbeat(ctx context.Context, input HeartbeatInput) (*models.AgentLocation, error) {
	if input.AgentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	if input.Actor.Role != enums.UserRoleAdmin && input.Actor.UserID != input.AgentID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "cannot report another agent's position")
	}
	if err := input.Location.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid coordinates")
	}

	reported := enums.AgentStatusAvailable
	if input.Status != nil {
		if !input.Status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown agent status %q", *input.Status))
		}
		if *input.Status == enums.AgentStatusBusy {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "busy status is managed by dispatch")
		}
		reported = *input.Status
	}

	// Devices report every few seconds; drop bursts below the floor.
	if s.cfg.HeartbeatMinGap > 0 {
		fresh, err := s.geo.SetNX(ctx, s.geo.HeartbeatKey(input.AgentID.String()), 1, s.cfg.HeartbeatMinGap)
		if err == nil && !fresh {
			if existing, findErr := s.repo.FindByAgent(ctx, input.AgentID); findErr == nil {
				return existing, nil
			}
		}
	}

	existing, err := s.repo.FindByAgent(ctx, input.AgentID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent location")
	}

	status := reported
	var activeDeliveryID *uuid.UUID
	if existing != nil && existing.Status == enums.AgentStatusBusy && existing.ActiveDeliveryID != nil {
		// An in-flight delivery pins the agent busy regardless of what
		// the device reports.
		status = enums.AgentStatusBusy
		activeDeliveryID = existing.ActiveDeliveryID
	}

	now := s.now()
	row := &models.AgentLocation{
		AgentID:          input.AgentID,
		Status:           status,
		Location:         input.Location,
		SpeedKMH:         input.SpeedKMH,
		HeadingDeg:       input.HeadingDeg,
		ActiveDeliveryID: activeDeliveryID,
		LastUpdated:      now,
	}
	if err := s.repo.Upsert(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store agent location")
	}

	// The upsert keeps the stored status when dispatch pinned a
	// delivery between our read and the write. Reload so the geo
	// index and the response follow what the database kept.
	if stored, findErr := s.repo.FindByAgent(ctx, input.AgentID); findErr == nil {
		row = stored
	}

	s.syncGeoIndex(ctx, row)
	s.met.IncHeartbeat()

	if row.ActiveDeliveryID != nil {
		s.refreshDeliveryETA(ctx, row, *row.ActiveDeliveryID)
	}

	return row, nil
}

func (s *service) GetAgent(ctx context.Context, agentID uuid.UUID, actor auth.Identity) (*models.AgentLocation, error) {
	if agentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	if actor.Role != enums.UserRoleAdmin && actor.UserID != agentID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "cannot read another agent's position")
	}
	row, err := s.repo.FindByAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "agent location not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load agent location")
	}
	return row, nil
}

// ActiveDeliveryPosition resolves the position of the agent currently
// carrying a delivery. Callers gate visibility on the delivery itself.
func (s *service) ActiveDeliveryPosition(ctx context.Context, deliveryID uuid.UUID) (*models.AgentLocation, error) {
	if deliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	row, err := s.repo.FindByActiveDelivery(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no agent is carrying this delivery")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load delivery position")
	}
	return row, nil
}

func (s *service) ListAgents(ctx context.Context, status *enums.AgentStatus, actor auth.Identity) ([]models.AgentLocation, error) {
	if actor.Role != enums.UserRoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only admins can list agents")
	}
	target := enums.AgentStatusAvailable
	if status != nil {
		if !status.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown agent status %q", *status))
		}
		target = *status
	}
	rows, err := s.repo.ListByStatus(ctx, target)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list agent locations")
	}
	return rows, nil
}

// MarkStaleOffline sweeps available agents whose last report is older
// than the staleness window.
func (s *service) MarkStaleOffline(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	rows, err := s.repo.ListStaleAvailable(ctx, cutoff, 200)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale agents")
	}

	count := 0
	for _, row := range rows {
		ok, offErr := s.repo.SetOffline(ctx, row.AgentID, s.now())
		if offErr != nil {
			s.logg.Error(ctx, "mark stale agent offline failed", offErr)
			continue
		}
		if ok {
			count++
			if geoErr := s.geo.RemoveAvailableAgent(ctx, row.AgentID.String()); geoErr != nil {
				s.logg.Warn(s.logg.WithField(ctx, "agent_id", row.AgentID.String()), "remove stale agent from geo index failed")
			}
		}
	}
	return count, nil
}

// NearbyAvailable implements the dispatcher's agent directory. The geo
// index yields distance ordering; last-report times come from the table
// so ties can break deterministically.
func (s *service) NearbyAvailable(ctx context.Context, lat, lng float64) ([]deliveries.AgentCandidate, error) {
	hits, err := s.geo.NearbyAvailableAgents(ctx, lat, lng, s.dispatch.SearchRadiusKM, s.dispatch.MaxCandidates)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(hits))
	byID := make(map[uuid.UUID]redispkg.AgentPosition, len(hits))
	for _, hit := range hits {
		agentID, parseErr := uuid.Parse(hit.AgentID)
		if parseErr != nil {
			continue
		}
		ids = append(ids, agentID)
		byID[agentID] = hit
	}

	rows, err := s.repo.FindByAgents(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]deliveries.AgentCandidate, 0, len(rows))
	for _, row := range rows {
		if row.Status != enums.AgentStatusAvailable {
			continue
		}
		hit := byID[row.AgentID]
		candidates = append(candidates, deliveries.AgentCandidate{
			AgentID:     row.AgentID,
			Lat:         hit.Lat,
			Lng:         hit.Lng,
			DistanceKM:  hit.DistanceKM,
			LastUpdated: row.LastUpdated,
		})
	}

	// The table read loses the index's distance order; restore it.
	// Ties go to the agent waiting longest since their last report.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DistanceKM != candidates[j].DistanceKM {
			return candidates[i].DistanceKM < candidates[j].DistanceKM
		}
		return candidates[i].LastUpdated.Before(candidates[j].LastUpdated)
	})
	return candidates, nil
}

// MarkBusy implements the dispatcher's claim step inside its transaction.
func (s *service) MarkBusy(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID) error {
	ok, err := s.repo.WithTx(tx).MarkBusy(ctx, agentID, deliveryID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent %s is not available", agentID)
	}
	// Geo removal is outside the transaction; a rollback leaves a stale
	// member that the status check in NearbyAvailable filters out.
	if geoErr := s.geo.RemoveAvailableAgent(ctx, agentID.String()); geoErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "agent_id", agentID.String()), "remove busy agent from geo index failed")
	}
	return nil
}

// Release implements the dispatcher's hand-back when a delivery ends.
func (s *service) Release(ctx context.Context, tx *gorm.DB, agentID uuid.UUID) error {
	repo := s.repo.WithTx(tx)
	ok, err := repo.Release(ctx, agentID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		// Already released or offline; nothing to repair.
		return nil
	}
	row, err := repo.FindByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if geoErr := s.geo.AddAvailableAgent(ctx, agentID.String(), row.Location.Lat, row.Location.Lng); geoErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "agent_id", agentID.String()), "re-add released agent to geo index failed")
	}
	return nil
}

func (s *service) syncGeoIndex(ctx context.Context, row *models.AgentLocation) {
	var err error
	if row.Status == enums.AgentStatusAvailable {
		err = s.geo.AddAvailableAgent(ctx, row.AgentID.String(), row.Location.Lat, row.Location.Lng)
	} else {
		err = s.geo.RemoveAvailableAgent(ctx, row.AgentID.String())
	}
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "agent_id", row.AgentID.String()), "sync geo index failed")
	}
}

// refreshDeliveryETA recomputes the ETA from the agent's fresh position
// and pushes the location at the delivery and admin channels.
func (s *service) refreshDeliveryETA(ctx context.Context, row *models.AgentLocation, deliveryID uuid.UUID) {
	record, err := s.records.FindByID(ctx, deliveryID)
	if err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, deliveryID.String()), "load delivery for eta refresh failed")
		return
	}
	if record.Status.IsTerminal() {
		return
	}

	speed := s.dispatch.DefaultSpeedKMH
	if row.SpeedKMH != nil && *row.SpeedKMH > speed {
		speed = *row.SpeedKMH
	}

	var remainingKM float64
	dropoff := record.DropoffAddress.Location
	if record.Status == enums.DeliveryStatusAssigned {
		pickup := record.PickupAddress.Location
		remainingKM = geo.HaversineKM(row.Location.Lat, row.Location.Lng, pickup.Lat, pickup.Lng) +
			geo.HaversineKM(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	} else {
		remainingKM = geo.HaversineKM(row.Location.Lat, row.Location.Lng, dropoff.Lat, dropoff.Lng)
	}

	eta := s.now().Add(geo.TravelDuration(remainingKM, speed, s.dispatch.MinETAMinutes))
	if err := s.records.UpdateETA(ctx, deliveryID, eta); err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, deliveryID.String()), "store recomputed eta failed")
	}

	event := realtime.Event{
		Type:       realtime.EventTypeLocationUpdate,
		DeliveryID: deliveryID.String(),
		AgentID:    row.AgentID.String(),
		Payload: map[string]any{
			"location":    row.Location,
			"speed_kmh":   row.SpeedKMH,
			"heading_deg": row.HeadingDeg,
			"eta":         eta,
		},
	}
	if err := s.rt.BroadcastToDelivery(ctx, deliveryID.String(), event); err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, deliveryID.String()), "broadcast location failed")
	}
	if err := s.rt.BroadcastToAdmins(ctx, event); err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, deliveryID.String()), "broadcast location to admins failed")
	}
}
