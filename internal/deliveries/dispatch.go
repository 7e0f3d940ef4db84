package deliveries

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/geo"
	"github.com/angelmondragon/platefleet-backend/pkg/outbox"
	"github.com/angelmondragon/platefleet-backend/pkg/realtime"
)

var errDeliveryTaken = errors.New("delivery already claimed")

// AutoAssign picks the nearest available agent for a pending delivery.
// Ties on distance break toward the agent whose position report is
// oldest, so the ordering is deterministic for a given candidate set.
func (s *service) AutoAssign(ctx context.Context, deliveryID uuid.UUID) (*AssignmentOutcome, error) {
	if deliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}

	row, err := s.findDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if row.Status != enums.DeliveryStatusPendingAssignment {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is not awaiting assignment").
			WithDetails(map[string]any{"current_status": row.Status})
	}

	started := s.now()
	pickup := row.PickupAddress.Location
	candidates, err := s.directory.NearbyAvailable(ctx, pickup.Lat, pickup.Lng)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "search available agents")
	}
	sortCandidates(candidates)

	for _, candidate := range candidates {
		assigned, assignErr := s.claimForAgent(ctx, row, candidate.AgentID, nil, s.candidateETA(row, &candidate))
		if assignErr != nil {
			if errors.Is(assignErr, errDeliveryTaken) {
				// Another dispatcher won the record. Nothing left to do.
				current, findErr := s.findDelivery(ctx, deliveryID)
				if findErr != nil {
					return nil, findErr
				}
				return &AssignmentOutcome{Delivery: current, Assigned: false, AgentID: current.AgentID}, nil
			}
			// Agent became unavailable between search and claim. Next.
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"delivery_id": deliveryID.String(),
				"agent_id":    candidate.AgentID.String(),
			}), "candidate agent could not be claimed")
			continue
		}

		s.met.IncAssignment("auto")
		s.met.ObserveAssignLatency(s.now().Sub(started))
		agentID := candidate.AgentID
		return &AssignmentOutcome{Delivery: assigned, Assigned: true, AgentID: &agentID}, nil
	}

	s.met.IncAssignment("no_agent")
	s.logg.Info(s.logg.WithDeliveryID(ctx, deliveryID.String()), "no available agent for delivery")
	return &AssignmentOutcome{Delivery: row, Assigned: false}, nil
}

// Accept lets an agent claim a pending delivery for themselves.
func (s *service) Accept(ctx context.Context, input AcceptInput) (*models.Delivery, error) {
	if input.DeliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	if input.Actor.Role != enums.UserRoleDeliveryPerson {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only delivery agents can accept deliveries")
	}

	row, err := s.findDelivery(ctx, input.DeliveryID)
	if err != nil {
		return nil, err
	}
	if row.Status != enums.DeliveryStatusPendingAssignment {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is not awaiting assignment").
			WithDetails(map[string]any{"current_status": row.Status})
	}

	assigned, err := s.claimForAgent(ctx, row, input.Actor.UserID, actorRef(input.Actor), s.candidateETA(row, nil))
	if err != nil {
		if errors.Is(err, errDeliveryTaken) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "delivery already claimed by another agent")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "accept delivery")
	}

	s.met.IncAssignment("accept")
	return assigned, nil
}

// AssignManually lets an admin pin a specific agent onto a delivery.
func (s *service) AssignManually(ctx context.Context, input AssignInput) (*models.Delivery, error) {
	if input.DeliveryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery id required")
	}
	if input.AgentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "agent id required")
	}
	if input.Actor.Role != enums.UserRoleAdmin {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only admins can assign manually")
	}

	row, err := s.findDelivery(ctx, input.DeliveryID)
	if err != nil {
		return nil, err
	}
	if row.Status != enums.DeliveryStatusPendingAssignment {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "delivery is not awaiting assignment").
			WithDetails(map[string]any{"current_status": row.Status})
	}

	assigned, err := s.claimForAgent(ctx, row, input.AgentID, actorRef(input.Actor), s.candidateETA(row, nil))
	if err != nil {
		if errors.Is(err, errDeliveryTaken) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "delivery already claimed by another agent")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "assign delivery")
	}

	s.met.IncAssignment("manual")
	return assigned, nil
}

// claimForAgent runs one assignment attempt inside a transaction: the
// compare-and-set claim, the agent's busy flip, the in-app notification
// and the outbox event all commit together.
func (s *service) claimForAgent(ctx context.Context, row *models.Delivery, agentID uuid.UUID, actor *outbox.ActorRef, eta time.Time) (*models.Delivery, error) {
	now := s.now()
	updates := map[string]any{
		"assigned_at":           now,
		"estimated_delivery_at": eta,
		"updated_at":            now,
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ok, casErr := repo.AssignCAS(ctx, row.ID, agentID, updates)
		if casErr != nil {
			return casErr
		}
		if !ok {
			return errDeliveryTaken
		}
		if busyErr := s.directory.MarkBusy(ctx, tx, agentID, row.ID); busyErr != nil {
			return busyErr
		}
		if notifyErr := s.notifier.NotifyAssignment(ctx, tx, agentID, row.ID, row.OrderID); notifyErr != nil {
			return notifyErr
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDeliveryAssigned,
			AggregateType: enums.AggregateDelivery,
			AggregateID:   row.ID,
			Actor:         actor,
			Version:       1,
			Data: deliveryEventData{
				DeliveryID: row.ID,
				OrderID:    row.OrderID,
				Status:     enums.DeliveryStatusAssigned,
				AgentID:    &agentID,
				ETA:        &eta,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	assigned, err := s.findDelivery(ctx, row.ID)
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"delivery_id": row.ID.String(),
		"agent_id":    agentID.String(),
	})
	s.logg.Info(logCtx, "delivery assigned")

	event := realtime.Event{
		Type:       realtime.EventTypeAssigned,
		DeliveryID: row.ID.String(),
		AgentID:    agentID.String(),
		Payload: map[string]any{
			"order_id": row.OrderID,
			"eta":      eta,
		},
	}
	if brErr := s.rt.BroadcastToDelivery(ctx, row.ID.String(), event); brErr != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, row.ID.String()), "broadcast assignment failed")
	}
	if brErr := s.rt.BroadcastToAdmins(ctx, event); brErr != nil {
		s.logg.Warn(s.logg.WithDeliveryID(ctx, row.ID.String()), "broadcast assignment to admins failed")
	}

	return assigned, nil
}

// candidateETA projects the delivery ETA. With a known candidate the
// approach leg is included; otherwise only the ride plus prep buffer.
func (s *service) candidateETA(row *models.Delivery, candidate *AgentCandidate) time.Time {
	pickup := row.PickupAddress.Location
	dropoff := row.DropoffAddress.Location

	rideKM := geo.HaversineKM(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	total := geo.TravelDuration(rideKM, s.cfg.DefaultSpeedKMH, s.cfg.MinETAMinutes)
	if candidate != nil {
		approachKM := geo.HaversineKM(candidate.Lat, candidate.Lng, pickup.Lat, pickup.Lng)
		total += geo.TravelDuration(approachKM, s.cfg.DefaultSpeedKMH, 0)
	}
	total += time.Duration(s.cfg.PrepBufferMinutes) * time.Minute

	return s.now().Add(total)
}

func sortCandidates(candidates []AgentCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DistanceKM != candidates[j].DistanceKM {
			return candidates[i].DistanceKM < candidates[j].DistanceKM
		}
		return candidates[i].LastUpdated.Before(candidates[j].LastUpdated)
	})
}
