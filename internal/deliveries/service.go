package deliveries

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/geo"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/metrics"
	"github.com/angelmondragon/platefleet-backend/pkg/outbox"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
	"github.com/angelmondragon/platefleet-backend/pkg/realtime"
)

// Service defines the delivery lifecycle operations.
type Service interface {
	Create(ctx context.Context, input CreateInput) (*CreateResult, error)
	GetByID(ctx context.Context, id uuid.UUID, actor auth.Identity) (*models.Delivery, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Delivery, error)
	List(ctx context.Context, filters ListFilters, page pagination.Params, actor auth.Identity) (*ListResult, error)
	ListAvailable(ctx context.Context, page pagination.Params, actor auth.Identity) (*ListResult, error)
	Accept(ctx context.Context, input AcceptInput) (*models.Delivery, error)
	AutoAssign(ctx context.Context, deliveryID uuid.UUID) (*AssignmentOutcome, error)
	AssignManually(ctx context.Context, input AssignInput) (*models.Delivery, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*models.Delivery, error)
	Rate(ctx context.Context, input RateInput) (*models.Delivery, error)
	AgentStats(ctx context.Context, agentID uuid.UUID, since *time.Time, actor auth.Identity) (*AgentStats, error)
	Delete(ctx context.Context, id uuid.UUID, actor auth.Identity) error
}

type service struct {
	repo      Repository
	tx        txRunner
	outbox    outboxPublisher
	directory AgentDirectory
	notifier  AgentNotifier
	mirror    OrderMirror
	rt        realtime.Broadcaster
	cfg       config.DispatchConfig
	logg      *logger.Logger
	met       *metrics.DispatchMetrics
	now       func() time.Time
}

// NewService wires the delivery lifecycle dependencies.
func NewService(
	repo Repository,
	tx txRunner,
	outboxSvc outboxPublisher,
	directory AgentDirectory,
	notifier AgentNotifier,
	mirror OrderMirror,
	rt realtime.Broadcaster,
	cfg config.DispatchConfig,
	logg *logger.Logger,
	met *metrics.DispatchMetrics,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("deliveries repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if directory == nil {
		return nil, fmt.Errorf("agent directory required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("assignment notifier required")
	}
	if mirror == nil {
		return nil, fmt.Errorf("order mirror required")
	}
	if rt == nil {
		rt = realtime.NewNoopBroadcaster()
	}
	return &service{
		repo:      repo,
		tx:        tx,
		outbox:    outboxSvc,
		directory: directory,
		notifier:  notifier,
		mirror:    mirror,
		rt:        rt,
		cfg:       cfg,
		logg:      logg,
		met:       met,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if input.OrderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if input.CustomerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id required")
	}
	if input.RestaurantID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "restaurant id required")
	}
	if err := input.PickupAddress.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid pickup address")
	}
	if err := input.DropoffAddress.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid dropoff address")
	}
	if err := input.CustomerContact.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid customer contact")
	}
	if input.RestaurantContact != nil {
		if err := input.RestaurantContact.Validate(); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid restaurant contact")
		}
	}

	// Idempotent per order: a second create returns the existing record.
	existing, err := s.repo.FindByOrderID(ctx, input.OrderID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup delivery by order")
	}
	if existing != nil {
		return &CreateResult{Delivery: existing, Created: false}, nil
	}

	fee := s.feeFor(input)
	row := &models.Delivery{
		ID:                  uuid.New(),
		OrderID:             input.OrderID,
		CustomerID:          input.CustomerID,
		RestaurantID:        input.RestaurantID,
		Status:              enums.DeliveryStatusPendingAssignment,
		PickupAddress:       input.PickupAddress,
		DropoffAddress:      input.DropoffAddress,
		CustomerContact:     input.CustomerContact,
		RestaurantContact:   input.RestaurantContact,
		SpecialInstructions: input.SpecialInstructions,
		Fee:                 fee,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if createErr := repo.Create(ctx, row); createErr != nil {
			return createErr
		}
		// Every agent hears about a fresh delivery; the pool listing
		// is how they pick it up.
		if notifyErr := s.notifier.NotifyNewDelivery(ctx, tx, row.ID, row.OrderID); notifyErr != nil {
			return notifyErr
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDeliveryCreated,
			AggregateType: enums.AggregateDelivery,
			AggregateID:   row.ID,
			Version:       1,
			Data: deliveryEventData{
				DeliveryID: row.ID,
				OrderID:    row.OrderID,
				Status:     row.Status,
			},
		})
	})
	if err != nil {
		// Concurrent create for the same order: surface the winner.
		winner, findErr := s.repo.FindByOrderID(ctx, input.OrderID)
		if findErr == nil && winner != nil {
			return &CreateResult{Delivery: winner, Created: false}, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create delivery")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"delivery_id": row.ID.String(),
		"order_id":    row.OrderID,
	})
	s.logg.Info(logCtx, "delivery created")

	// Dispatch is best effort at creation time. The retry job sweeps up
	// pending deliveries when no agent was available.
	if outcome, assignErr := s.AutoAssign(ctx, row.ID); assignErr != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, row.ID.String()), "auto assign after create failed")
	} else if outcome != nil && outcome.Delivery != nil {
		row = outcome.Delivery
	}

	return &CreateResult{Delivery: row, Created: true}, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID, actor auth.Identity) (*models.Delivery, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	row, err := s.findDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(actor, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *service) GetByOrderID(ctx context.Context, orderID string) (*models.Delivery, error) {
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	row, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup delivery by order")
	}
	return row, nil
}

func (s *service) List(ctx context.Context, filters ListFilters, page pagination.Params, actor auth.Identity) (*ListResult, error) {
	// Non-admin callers only ever see their own slice.
	switch actor.Role {
	case enums.UserRoleAdmin:
	case enums.UserRoleDeliveryPerson:
		agentID := actor.UserID
		filters.AgentID = &agentID
	case enums.UserRoleCustomer:
		customerID := actor.UserID
		filters.CustomerID = &customerID
	case enums.UserRoleRestaurant:
		restaurantID := actor.UserID
		filters.RestaurantID = &restaurantID
	default:
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot list deliveries")
	}

	rows, total, err := s.repo.List(ctx, filters, page)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list deliveries")
	}
	return &ListResult{
		Items: rows,
		Meta:  pagination.MetaFor(page, total),
	}, nil
}

// ListAvailable returns the unassigned pool agents can claim from.
func (s *service) ListAvailable(ctx context.Context, page pagination.Params, actor auth.Identity) (*ListResult, error) {
	if actor.Role != enums.UserRoleDeliveryPerson && actor.Role != enums.UserRoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "delivery person role required")
	}

	status := enums.DeliveryStatusPendingAssignment
	rows, total, err := s.repo.List(ctx, ListFilters{Status: &status}, page)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list available deliveries")
	}
	return &ListResult{
		Items: rows,
		Meta:  pagination.MetaFor(page, total),
	}, nil
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*models.Delivery, error) {
	if input.DeliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	if !input.Target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown status %q", input.Target))
	}
	if input.Target == enums.DeliveryStatusPendingAssignment || input.Target == enums.DeliveryStatusAssigned {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "status not reachable through this operation")
	}

	row, err := s.findDelivery(ctx, input.DeliveryID)
	if err != nil {
		return nil, err
	}
	if err := canTransitionActor(input.Actor, row); err != nil {
		return nil, err
	}
	if !row.Status.CanTransition(input.Target) {
		return nil, invalidTransition(row.Status, input.Target)
	}

	now := s.now()
	updates := map[string]any{"updated_at": now}
	if input.Reason != nil {
		updates["status_reason"] = *input.Reason
	}
	switch input.Target {
	case enums.DeliveryStatusPickedUp:
		updates["picked_up_at"] = now
	case enums.DeliveryStatusInTransit:
		updates["estimated_delivery_at"] = now.Add(s.rideETA(row))
	case enums.DeliveryStatusDelivered:
		updates["delivered_at"] = now
		if row.PickedUpAt != nil {
			minutes := int(math.Round(now.Sub(*row.PickedUpAt).Minutes()))
			updates["actual_delivery_minutes"] = minutes
		}
	case enums.DeliveryStatusCancelled, enums.DeliveryStatusFailed:
		updates["cancelled_at"] = now
	}

	from := row.Status
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, casErr := repo.UpdateStatusCAS(ctx, row.ID, from, input.Target, updates)
		if casErr != nil {
			return casErr
		}
		if !ok {
			return errStatusRace
		}
		if input.Target.IsTerminal() && row.AgentID != nil {
			if relErr := s.directory.Release(ctx, tx, *row.AgentID); relErr != nil {
				return relErr
			}
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     eventTypeFor(input.Target),
			AggregateType: enums.AggregateDelivery,
			AggregateID:   row.ID,
			Actor:         actorRef(input.Actor),
			Version:       1,
			Data: deliveryEventData{
				DeliveryID: row.ID,
				OrderID:    row.OrderID,
				Status:     input.Target,
				From:       &from,
			},
		})
	})
	if err != nil {
		if errors.Is(err, errStatusRace) {
			// Someone moved the record first. Reload so the error names
			// the transitions that are still open.
			current, findErr := s.findDelivery(ctx, input.DeliveryID)
			if findErr != nil {
				return nil, findErr
			}
			return nil, invalidTransition(current.Status, input.Target)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update delivery status")
	}

	updated, err := s.findDelivery(ctx, input.DeliveryID)
	if err != nil {
		return nil, err
	}

	s.met.IncTransition(string(input.Target))
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"delivery_id": row.ID.String(),
		"from":        string(from),
		"to":          string(input.Target),
	})
	s.logg.Info(logCtx, "delivery status changed")

	s.broadcastStatus(ctx, updated, from)
	s.mirror.MirrorStatus(ctx, updated.OrderID, updated.Status)

	return updated, nil
}

func (s *service) Rate(ctx context.Context, input RateInput) (*models.Delivery, error) {
	if input.DeliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	if input.Rating < 1 || input.Rating > 5 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rating must be between 1 and 5")
	}

	row, err := s.findDelivery(ctx, input.DeliveryID)
	if err != nil {
		return nil, err
	}
	if input.Actor.Role != enums.UserRoleAdmin && row.CustomerID != input.Actor.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the customer can rate this delivery")
	}
	if row.Status != enums.DeliveryStatusDelivered {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only delivered deliveries can be rated").
			WithDetails(map[string]any{"current_status": row.Status})
	}

	ok, err := s.repo.SetRating(ctx, row.ID, input.Rating)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store rating")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "delivery already rated")
	}

	return s.findDelivery(ctx, input.DeliveryID)
}

func (s *service) AgentStats(ctx context.Context, agentID uuid.UUID, since *time.Time, actor auth.Identity) (*AgentStats, error) {
	if agentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	if actor.Role != enums.UserRoleAdmin && actor.UserID != agentID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "cannot read another agent's stats")
	}

	row, err := s.repo.AgentStats(ctx, agentID, since)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate agent stats")
	}

	earnings, err := decimal.NewFromString(row.TotalFees)
	if err != nil {
		earnings = decimal.Zero
	}

	return &AgentStats{
		AgentID:        agentID,
		CompletedCount: row.Completed,
		CancelledCount: row.CancelledCount,
		TotalEarnings:  earnings,
		AverageRating:  row.AvgRating,
		AverageMinutes: row.AvgMinutes,
		Since:          since,
		GeneratedAt:    s.now(),
	}, nil
}

// Delete removes a delivery outright. Active deliveries must be cancelled
// or completed first so an assigned agent is never orphaned.
func (s *service) Delete(ctx context.Context, id uuid.UUID, actor auth.Identity) error {
	if actor.Role != enums.UserRoleAdmin {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}

	row, err := s.findDelivery(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != enums.DeliveryStatusPendingAssignment && !row.Status.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is in progress").
			WithDetails(map[string]any{"current_status": row.Status})
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete delivery")
	}
	if !deleted {
		return pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
	}
	return nil
}

func (s *service) findDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	row, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "delivery not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup delivery")
	}
	return row, nil
}

// feeFor prices the delivery from the configured base fee plus a
// per-minute rate over the estimated pickup-to-dropoff ride.
func (s *service) feeFor(input CreateInput) decimal.Decimal {
	if input.Fee != nil && input.Fee.IsPositive() {
		return input.Fee.Round(2)
	}

	base, err := decimal.NewFromString(s.cfg.BaseFee)
	if err != nil {
		base = decimal.NewFromFloat(2.5)
	}
	perMinute, err := decimal.NewFromString(s.cfg.PerMinuteRate)
	if err != nil {
		perMinute = decimal.NewFromFloat(0.35)
	}

	distance := geo.HaversineKM(
		input.PickupAddress.Location.Lat, input.PickupAddress.Location.Lng,
		input.DropoffAddress.Location.Lat, input.DropoffAddress.Location.Lng,
	)
	ride := geo.TravelDuration(distance, s.cfg.DefaultSpeedKMH, s.cfg.MinETAMinutes)
	minutes := decimal.NewFromFloat(ride.Minutes())

	return base.Add(perMinute.Mul(minutes)).Round(2)
}

// rideETA estimates the pickup-to-dropoff leg at the configured default
// speed. Heartbeats refine it while the agent is moving.
func (s *service) rideETA(row *models.Delivery) time.Duration {
	distance := geo.HaversineKM(
		row.PickupAddress.Location.Lat, row.PickupAddress.Location.Lng,
		row.DropoffAddress.Location.Lat, row.DropoffAddress.Location.Lng,
	)
	return geo.TravelDuration(distance, s.cfg.DefaultSpeedKMH, s.cfg.MinETAMinutes)
}

func (s *service) broadcastStatus(ctx context.Context, row *models.Delivery, from enums.DeliveryStatus) {
	event := realtime.Event{
		Type:       realtime.EventTypeStatusUpdate,
		DeliveryID: row.ID.String(),
		Payload: map[string]any{
			"order_id": row.OrderID,
			"from":     from,
			"status":   row.Status,
		},
	}
	if row.AgentID != nil {
		event.AgentID = row.AgentID.String()
	}
	if err := s.rt.BroadcastToDelivery(ctx, row.ID.String(), event); err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, row.ID.String()), "broadcast status to delivery channel failed")
	}
	if err := s.rt.BroadcastToAdmins(ctx, event); err != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, row.ID.String()), "broadcast status to admin channel failed")
	}
}

var errStatusRace = errors.New("delivery status changed concurrently")

type deliveryEventData struct {
	DeliveryID uuid.UUID             `json:"deliveryId"`
	OrderID    string                `json:"orderId"`
	Status     enums.DeliveryStatus  `json:"status"`
	From       *enums.DeliveryStatus `json:"from,omitempty"`
	AgentID    *uuid.UUID            `json:"agentId,omitempty"`
	ETA        *time.Time            `json:"eta,omitempty"`
}

func eventTypeFor(status enums.DeliveryStatus) enums.OutboxEventType {
	if status == enums.DeliveryStatusDelivered {
		return enums.EventDeliveryCompleted
	}
	return enums.EventDeliveryStatusChanged
}

func actorRef(actor auth.Identity) *outbox.ActorRef {
	if actor.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: string(actor.Role)}
}

func invalidTransition(from, to enums.DeliveryStatus) error {
	return pkgerrors.New(
		pkgerrors.CodeStateConflict,
		fmt.Sprintf("cannot move delivery from %s to %s", from, to),
	).WithDetails(map[string]any{
		"current_status": from,
		"requested":      to,
		"allowed":        from.NextStatuses(),
	})
}

func canView(actor auth.Identity, row *models.Delivery) error {
	switch actor.Role {
	case enums.UserRoleAdmin:
		return nil
	case enums.UserRoleDeliveryPerson:
		if row.AgentID != nil && *row.AgentID == actor.UserID {
			return nil
		}
	case enums.UserRoleCustomer:
		if row.CustomerID == actor.UserID {
			return nil
		}
	case enums.UserRoleRestaurant:
		if row.RestaurantID == actor.UserID {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "delivery not visible to caller")
}

// canTransitionActor gates the status machine: only the assigned agent
// or an admin may drive a transition. Customer and restaurant
// identities are read-only.
func canTransitionActor(actor auth.Identity, row *models.Delivery) error {
	if actor.Role == enums.UserRoleAdmin {
		return nil
	}
	if actor.Role == enums.UserRoleDeliveryPerson && row.AgentID != nil && *row.AgentID == actor.UserID {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "caller cannot apply this transition")
}
