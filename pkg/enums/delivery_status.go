package enums

import "fmt"

// DeliveryStatus tracks the lifecycle of a delivery.
type DeliveryStatus string

const (
	DeliveryStatusPendingAssignment DeliveryStatus = "PENDING_ASSIGNMENT"
	DeliveryStatusAssigned          DeliveryStatus = "ASSIGNED"
	DeliveryStatusPickedUp          DeliveryStatus = "PICKED_UP"
	DeliveryStatusInTransit         DeliveryStatus = "IN_TRANSIT"
	DeliveryStatusDelivered         DeliveryStatus = "DELIVERED"
	DeliveryStatusCancelled         DeliveryStatus = "CANCELLED"
	DeliveryStatusFailed            DeliveryStatus = "FAILED"
)

var validDeliveryStatuses = []DeliveryStatus{
	DeliveryStatusPendingAssignment,
	DeliveryStatusAssigned,
	DeliveryStatusPickedUp,
	DeliveryStatusInTransit,
	DeliveryStatusDelivered,
	DeliveryStatusCancelled,
	DeliveryStatusFailed,
}

// allowedTransitions is the single source of truth for the status machine.
// Statuses absent from the map are terminal.
var allowedTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusPendingAssignment: {DeliveryStatusAssigned, DeliveryStatusCancelled},
	DeliveryStatusAssigned:          {DeliveryStatusPickedUp, DeliveryStatusCancelled},
	DeliveryStatusPickedUp:          {DeliveryStatusInTransit, DeliveryStatusCancelled},
	DeliveryStatusInTransit:         {DeliveryStatusDelivered, DeliveryStatusFailed},
}

// String implements fmt.Stringer.
func (d DeliveryStatus) String() string {
	return string(d)
}

// IsValid reports whether the value is a known DeliveryStatus.
func (d DeliveryStatus) IsValid() bool {
	for _, candidate := range validDeliveryStatuses {
		if candidate == d {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from this status.
func (d DeliveryStatus) IsTerminal() bool {
	return d.IsValid() && len(allowedTransitions[d]) == 0
}

// CanTransition reports whether moving from d to next is a legal edge.
func (d DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	for _, candidate := range allowedTransitions[d] {
		if candidate == next {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal targets from this status. The returned
// slice is a copy and safe for callers to hold onto.
func (d DeliveryStatus) NextStatuses() []DeliveryStatus {
	targets := allowedTransitions[d]
	out := make([]DeliveryStatus, len(targets))
	copy(out, targets)
	return out
}

// ParseDeliveryStatus converts raw input into a DeliveryStatus.
func ParseDeliveryStatus(value string) (DeliveryStatus, error) {
	for _, candidate := range validDeliveryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery status %q", value)
}
