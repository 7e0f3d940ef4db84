package deliveries

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/platefleet-backend/pkg/auth"
	"github.com/angelmondragon/platefleet-backend/pkg/db/models"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
)

func TestSortCandidates_DistanceThenOldestReport(t *testing.T) {
	now := time.Now().UTC()
	near := AgentCandidate{AgentID: uuid.New(), DistanceKM: 1.2, LastUpdated: now}
	farOld := AgentCandidate{AgentID: uuid.New(), DistanceKM: 3.4, LastUpdated: now.Add(-time.Minute)}
	farNew := AgentCandidate{AgentID: uuid.New(), DistanceKM: 3.4, LastUpdated: now}

	candidates := []AgentCandidate{farNew, farOld, near}
	sortCandidates(candidates)

	if candidates[0].AgentID != near.AgentID {
		t.Fatalf("expected nearest candidate first, got %s", candidates[0].AgentID)
	}
	if candidates[1].AgentID != farOld.AgentID {
		t.Fatalf("expected older report to win the distance tie, got %s", candidates[1].AgentID)
	}
	if candidates[2].AgentID != farNew.AgentID {
		t.Fatalf("unexpected last candidate %s", candidates[2].AgentID)
	}
}

func TestService_AutoAssignNoCandidates(t *testing.T) {
	row := pendingDelivery()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return row, nil
	}

	outcome, err := fixture.svc.AutoAssign(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("unexpected auto assign error: %v", err)
	}
	if outcome.Assigned {
		t.Fatal("expected no assignment without candidates")
	}
	if outcome.Delivery.Status != enums.DeliveryStatusPendingAssignment {
		t.Fatalf("expected delivery to stay pending, got %s", outcome.Delivery.Status)
	}
	if len(fixture.outbox.emitted) != 0 {
		t.Fatalf("expected no outbox events, got %d", len(fixture.outbox.emitted))
	}
}

func TestService_AutoAssignPicksNearestAgent(t *testing.T) {
	row := pendingDelivery()
	nearest := uuid.New()
	farther := uuid.New()
	now := time.Now().UTC()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		copied := *row
		return &copied, nil
	}
	fixture.dir.nearbyFn = func(ctx context.Context, lat, lng float64) ([]AgentCandidate, error) {
		return []AgentCandidate{
			{AgentID: farther, Lat: 40.80, Lng: -74.00, DistanceKM: 8.1, LastUpdated: now},
			{AgentID: nearest, Lat: 40.71, Lng: -74.01, DistanceKM: 0.4, LastUpdated: now},
		}, nil
	}
	fixture.repo.assignCASFn = func(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error) {
		if agentID != nearest {
			t.Fatalf("expected nearest agent %s, got %s", nearest, agentID)
		}
		if _, ok := updates["estimated_delivery_at"]; !ok {
			t.Fatal("expected eta in the claim updates")
		}
		row.Status = enums.DeliveryStatusAssigned
		row.AgentID = &agentID
		return true, nil
	}

	outcome, err := fixture.svc.AutoAssign(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("unexpected auto assign error: %v", err)
	}
	if !outcome.Assigned {
		t.Fatal("expected an assignment")
	}
	if outcome.AgentID == nil || *outcome.AgentID != nearest {
		t.Fatalf("expected agent %s, got %v", nearest, outcome.AgentID)
	}
	if len(fixture.dir.markedBusy) != 1 || fixture.dir.markedBusy[0] != nearest {
		t.Fatalf("expected nearest agent marked busy, got %v", fixture.dir.markedBusy)
	}
	if len(fixture.notifier.notified) != 1 || fixture.notifier.notified[0] != nearest {
		t.Fatalf("expected assignment notification for %s, got %v", nearest, fixture.notifier.notified)
	}
	if len(fixture.outbox.emitted) != 1 || fixture.outbox.emitted[0].EventType != enums.EventDeliveryAssigned {
		t.Fatalf("expected one delivery_assigned event, got %v", fixture.outbox.emitted)
	}
}

func TestService_AutoAssignFallsThroughUnclaimableAgents(t *testing.T) {
	row := pendingDelivery()
	first := uuid.New()
	second := uuid.New()
	now := time.Now().UTC()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		copied := *row
		return &copied, nil
	}
	fixture.dir.nearbyFn = func(ctx context.Context, lat, lng float64) ([]AgentCandidate, error) {
		return []AgentCandidate{
			{AgentID: first, DistanceKM: 0.5, LastUpdated: now},
			{AgentID: second, DistanceKM: 1.0, LastUpdated: now},
		}, nil
	}
	fixture.dir.markBusyFn = func(ctx context.Context, tx *gorm.DB, agentID, deliveryID uuid.UUID) error {
		if agentID == first {
			// Went offline between search and claim.
			return fmt.Errorf("agent %s is not available", agentID)
		}
		return nil
	}
	var claims []uuid.UUID
	fixture.repo.assignCASFn = func(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error) {
		claims = append(claims, agentID)
		if agentID == second {
			row.Status = enums.DeliveryStatusAssigned
			row.AgentID = &agentID
		}
		return true, nil
	}

	outcome, err := fixture.svc.AutoAssign(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("unexpected auto assign error: %v", err)
	}
	if !outcome.Assigned {
		t.Fatal("expected fallback assignment")
	}
	if outcome.AgentID == nil || *outcome.AgentID != second {
		t.Fatalf("expected second candidate, got %v", outcome.AgentID)
	}
	if len(claims) != 2 {
		t.Fatalf("expected both candidates tried, got %v", claims)
	}
}

func TestService_AutoAssignLostDeliveryReportsWinner(t *testing.T) {
	row := pendingDelivery()
	winner := uuid.New()
	candidate := uuid.New()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		copied := *row
		return &copied, nil
	}
	fixture.dir.nearbyFn = func(ctx context.Context, lat, lng float64) ([]AgentCandidate, error) {
		return []AgentCandidate{{AgentID: candidate, DistanceKM: 0.8, LastUpdated: time.Now().UTC()}}, nil
	}
	fixture.repo.assignCASFn = func(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error) {
		// A concurrent dispatcher claimed the record first.
		row.Status = enums.DeliveryStatusAssigned
		row.AgentID = &winner
		return false, nil
	}

	outcome, err := fixture.svc.AutoAssign(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("unexpected auto assign error: %v", err)
	}
	if outcome.Assigned {
		t.Fatal("expected no new assignment after losing the claim")
	}
	if outcome.AgentID == nil || *outcome.AgentID != winner {
		t.Fatalf("expected winning agent %s, got %v", winner, outcome.AgentID)
	}
}

func TestService_AutoAssignRequiresPendingStatus(t *testing.T) {
	row := pendingDelivery()
	row.Status = enums.DeliveryStatusAssigned

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return row, nil
	}

	_, err := fixture.svc.AutoAssign(context.Background(), row.ID)
	if err == nil {
		t.Fatal("expected state conflict")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %s", code)
	}
}

func TestService_AcceptClaimsForCallingAgent(t *testing.T) {
	row := pendingDelivery()
	agentID := uuid.New()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		copied := *row
		return &copied, nil
	}
	fixture.repo.assignCASFn = func(ctx context.Context, id, claimed uuid.UUID, updates map[string]any) (bool, error) {
		if claimed != agentID {
			t.Fatalf("expected caller %s to claim, got %s", agentID, claimed)
		}
		row.Status = enums.DeliveryStatusAssigned
		row.AgentID = &claimed
		return true, nil
	}

	assigned, err := fixture.svc.Accept(context.Background(), AcceptInput{
		DeliveryID: row.ID,
		Actor:      auth.Identity{UserID: agentID, Role: enums.UserRoleDeliveryPerson},
	})
	if err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if assigned.AgentID == nil || *assigned.AgentID != agentID {
		t.Fatalf("expected agent %s on the record, got %v", agentID, assigned.AgentID)
	}
}

func TestService_AcceptLostClaimConflicts(t *testing.T) {
	row := pendingDelivery()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		return row, nil
	}
	fixture.repo.assignCASFn = func(ctx context.Context, id, agentID uuid.UUID, updates map[string]any) (bool, error) {
		return false, nil
	}

	_, err := fixture.svc.Accept(context.Background(), AcceptInput{
		DeliveryID: row.ID,
		Actor:      auth.Identity{UserID: uuid.New(), Role: enums.UserRoleDeliveryPerson},
	})
	if err == nil {
		t.Fatal("expected conflict")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeConflict {
		t.Fatalf("expected conflict, got %s", code)
	}
}

func TestService_AcceptRequiresAgentRole(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.svc.Accept(context.Background(), AcceptInput{
		DeliveryID: uuid.New(),
		Actor:      auth.Identity{UserID: uuid.New(), Role: enums.UserRoleCustomer},
	})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestService_AssignManuallyRequiresAdmin(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.svc.AssignManually(context.Background(), AssignInput{
		DeliveryID: uuid.New(),
		AgentID:    uuid.New(),
		Actor:      auth.Identity{UserID: uuid.New(), Role: enums.UserRoleDeliveryPerson},
	})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	if code := pkgerrors.As(err).Code(); code != pkgerrors.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestService_AssignManuallyPinsAgent(t *testing.T) {
	row := pendingDelivery()
	agentID := uuid.New()

	fixture := newServiceFixture(t)
	fixture.repo.findByIDFn = func(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
		copied := *row
		return &copied, nil
	}
	fixture.repo.assignCASFn = func(ctx context.Context, id, claimed uuid.UUID, updates map[string]any) (bool, error) {
		row.Status = enums.DeliveryStatusAssigned
		row.AgentID = &claimed
		return true, nil
	}

	assigned, err := fixture.svc.AssignManually(context.Background(), AssignInput{
		DeliveryID: row.ID,
		AgentID:    agentID,
		Actor:      auth.Identity{UserID: uuid.New(), Role: enums.UserRoleAdmin},
	})
	if err != nil {
		t.Fatalf("unexpected assign error: %v", err)
	}
	if assigned.AgentID == nil || *assigned.AgentID != agentID {
		t.Fatalf("expected pinned agent %s, got %v", agentID, assigned.AgentID)
	}
	if len(fixture.notifier.notified) != 1 {
		t.Fatalf("expected assignment notification, got %v", fixture.notifier.notified)
	}
}
