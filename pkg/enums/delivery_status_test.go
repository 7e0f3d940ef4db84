package enums

import "testing"

func TestDeliveryStatusTransitions(t *testing.T) {
	tests := []struct {
		from    DeliveryStatus
		to      DeliveryStatus
		allowed bool
	}{
		{DeliveryStatusPendingAssignment, DeliveryStatusAssigned, true},
		{DeliveryStatusPendingAssignment, DeliveryStatusCancelled, true},
		{DeliveryStatusPendingAssignment, DeliveryStatusDelivered, false},
		{DeliveryStatusAssigned, DeliveryStatusPickedUp, true},
		{DeliveryStatusAssigned, DeliveryStatusCancelled, true},
		{DeliveryStatusAssigned, DeliveryStatusInTransit, false},
		{DeliveryStatusPickedUp, DeliveryStatusInTransit, true},
		{DeliveryStatusPickedUp, DeliveryStatusCancelled, true},
		{DeliveryStatusPickedUp, DeliveryStatusDelivered, false},
		{DeliveryStatusInTransit, DeliveryStatusDelivered, true},
		{DeliveryStatusInTransit, DeliveryStatusFailed, true},
		{DeliveryStatusInTransit, DeliveryStatusCancelled, false},
		{DeliveryStatusDelivered, DeliveryStatusFailed, false},
		{DeliveryStatusCancelled, DeliveryStatusAssigned, false},
		{DeliveryStatusFailed, DeliveryStatusPendingAssignment, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Fatalf("%s -> %s: expected %v got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestDeliveryStatusTerminality(t *testing.T) {
	terminal := []DeliveryStatus{DeliveryStatusDelivered, DeliveryStatusCancelled, DeliveryStatusFailed}
	for _, status := range terminal {
		if !status.IsTerminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		if targets := status.NextStatuses(); len(targets) != 0 {
			t.Fatalf("expected no targets from %s, got %v", status, targets)
		}
	}

	open := []DeliveryStatus{DeliveryStatusPendingAssignment, DeliveryStatusAssigned, DeliveryStatusPickedUp, DeliveryStatusInTransit}
	for _, status := range open {
		if status.IsTerminal() {
			t.Fatalf("expected %s to stay open", status)
		}
	}

	if DeliveryStatus("BOGUS").IsTerminal() {
		t.Fatal("an unknown status must not count as terminal")
	}
}

func TestParseDeliveryStatus(t *testing.T) {
	status, err := ParseDeliveryStatus("IN_TRANSIT")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if status != DeliveryStatusInTransit {
		t.Fatalf("expected IN_TRANSIT, got %s", status)
	}

	if _, err := ParseDeliveryStatus("in_transit"); err == nil {
		t.Fatal("statuses are uppercase on the wire; lowercase must not parse")
	}
	if _, err := ParseDeliveryStatus(""); err == nil {
		t.Fatal("expected error for empty status")
	}
}

func TestNextStatusesReturnsCopy(t *testing.T) {
	first := DeliveryStatusPendingAssignment.NextStatuses()
	first[0] = DeliveryStatusFailed

	second := DeliveryStatusPendingAssignment.NextStatuses()
	if second[0] != DeliveryStatusAssigned {
		t.Fatal("mutating a returned slice must not leak into the transition table")
	}
}
