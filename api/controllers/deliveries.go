package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/platefleet-backend/api/middleware"
	"github.com/angelmondragon/platefleet-backend/api/responses"
	"github.com/angelmondragon/platefleet-backend/api/validators"
	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/pagination"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

type createDeliveryRequest struct {
	OrderID         string        `json:"order_id" validate:"required"`
	CustomerID      uuid.UUID     `json:"customer_id" validate:"required"`
	RestaurantID    uuid.UUID     `json:"restaurant_id" validate:"required"`
	PickupAddress   types.Address `json:"pickup_address" validate:"required"`
	DropoffAddress  types.Address `json:"dropoff_address" validate:"required"`
	CustomerContact types.Contact `json:"customer_contact" validate:"required"`

	RestaurantContact   *types.Contact `json:"restaurant_contact,omitempty"`
	SpecialInstructions *string        `json:"special_instructions,omitempty" validate:"omitempty,max=500"`
	Fee                 *string        `json:"fee,omitempty"`
}

// CreateDelivery opens a delivery for an order. Repeated calls with the
// same order id return the already-open record.
func CreateDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDeliveryRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := deliveries.CreateInput{
			OrderID:             strings.TrimSpace(req.OrderID),
			CustomerID:          req.CustomerID,
			RestaurantID:        req.RestaurantID,
			PickupAddress:       req.PickupAddress,
			DropoffAddress:      req.DropoffAddress,
			CustomerContact:     req.CustomerContact,
			RestaurantContact:   req.RestaurantContact,
			SpecialInstructions: req.SpecialInstructions,
		}
		if req.Fee != nil {
			fee, err := decimal.NewFromString(*req.Fee)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid fee"))
				return
			}
			input.Fee = &fee
		}

		result, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, result.Delivery)
	}
}

// GetDelivery returns one delivery if the caller may see it.
func GetDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.GetByID(r.Context(), id, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// GetDeliveryByOrder resolves a delivery by its order id.
func GetDeliveryByOrder(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
		if orderID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "order id required"))
			return
		}
		row, err := svc.GetByOrderID(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// ListDeliveries returns a filtered page of deliveries.
func ListDeliveries(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())

		page, err := parsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var filters deliveries.ListFilters
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseDeliveryStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			filters.Status = &status
		}
		for _, spec := range []struct {
			key  string
			dest **uuid.UUID
		}{
			{"agent_id", &filters.AgentID},
			{"customer_id", &filters.CustomerID},
			{"restaurant_id", &filters.RestaurantID},
		} {
			raw := strings.TrimSpace(r.URL.Query().Get(spec.key))
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be a UUID").WithDetails(map[string]any{"field": spec.key}))
				return
			}
			*spec.dest = &id
		}

		result, err := svc.List(r.Context(), filters, page, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ListAvailableDeliveries returns the unassigned pool agents can claim.
func ListAvailableDeliveries(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())
		page, err := parsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ListAvailable(r.Context(), page, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ListMyDeliveries returns the caller's in-flight deliveries, the ones
// between assignment and the terminal states.
func ListMyDeliveries(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())
		page, err := parsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters := deliveries.ListFilters{Statuses: []enums.DeliveryStatus{
			enums.DeliveryStatusAssigned,
			enums.DeliveryStatusPickedUp,
			enums.DeliveryStatusInTransit,
		}}
		result, err := svc.List(r.Context(), filters, page, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// ListDeliveryHistory returns the caller's finished deliveries.
func ListDeliveryHistory(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())
		page, err := parsePageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters := deliveries.ListFilters{Statuses: []enums.DeliveryStatus{
			enums.DeliveryStatusDelivered,
			enums.DeliveryStatusCancelled,
			enums.DeliveryStatusFailed,
		}}
		result, err := svc.List(r.Context(), filters, page, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AcceptDelivery lets an agent claim a pending delivery.
func AcceptDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.Accept(r.Context(), deliveries.AcceptInput{DeliveryID: id, Actor: identity})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// AutoAssignDelivery dispatches the nearest available agent.
func AutoAssignDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		outcome, err := svc.AutoAssign(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, outcome)
	}
}

type assignDeliveryRequest struct {
	AgentID uuid.UUID `json:"agent_id" validate:"required"`
}

// AssignDelivery pins a delivery to a specific agent.
func AssignDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req assignDeliveryRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.AssignManually(r.Context(), deliveries.AssignInput{
			DeliveryID: id,
			AgentID:    req.AgentID,
			Actor:      identity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

type updateDeliveryStatusRequest struct {
	Status string  `json:"status" validate:"required"`
	Reason *string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

// UpdateDeliveryStatus advances a delivery through its lifecycle.
func UpdateDeliveryStatus(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req updateDeliveryStatusRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		target, err := enums.ParseDeliveryStatus(req.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown status").WithDetails(map[string]any{"field": "status"}))
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.UpdateStatus(r.Context(), deliveries.UpdateStatusInput{
			DeliveryID: id,
			Target:     target,
			Reason:     req.Reason,
			Actor:      identity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

type rateDeliveryRequest struct {
	Rating int `json:"rating" validate:"required,min=1,max=5"`
}

// RateDelivery records the customer rating for a completed delivery.
func RateDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req rateDeliveryRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.Rate(r.Context(), deliveries.RateInput{
			DeliveryID: id,
			Rating:     req.Rating,
			Actor:      identity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// AgentDeliveryStats aggregates an agent's delivery history. An optional
// period query narrows the window to the last day, week or month.
func AgentDeliveryStats(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := validators.ParsePathUUID(chi.URLParam(r, "agentId"), "agentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		since, err := statsPeriodStart(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		stats, err := svc.AgentStats(r.Context(), agentID, since, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

func statsPeriodStart(r *http.Request) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("period"))
	if raw == "" {
		return nil, nil
	}
	var span time.Duration
	switch raw {
	case "day":
		span = 24 * time.Hour
	case "week":
		span = 7 * 24 * time.Hour
	case "month":
		span = 30 * 24 * time.Hour
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "period must be day, week or month").WithDetails(map[string]any{"field": "period"})
	}
	since := time.Now().UTC().Add(-span)
	return &since, nil
}

// DeleteDelivery removes a delivery record. In-progress deliveries must
// reach a terminal status before they can be deleted.
func DeleteDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		if err := svc.Delete(r.Context(), id, identity); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "deleted"})
	}
}

func parsePageParams(r *http.Request) (pagination.Params, error) {
	page, err := validators.ParseQueryInt(r, "page", 1, 1, 1_000_000)
	if err != nil {
		return pagination.Params{}, err
	}
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{Page: page, Limit: limit}, nil
}
