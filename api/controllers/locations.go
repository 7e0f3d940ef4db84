package controllers

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/platefleet-backend/api/middleware"
	"github.com/angelmondragon/platefleet-backend/api/responses"
	"github.com/angelmondragon/platefleet-backend/api/validators"
	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/internal/tracking"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/platefleet-backend/pkg/errors"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
	"github.com/angelmondragon/platefleet-backend/pkg/types"
)

type heartbeatRequest struct {
	Lat        float64  `json:"lat" validate:"required,latitude"`
	Lng        float64  `json:"lng" validate:"required,longitude"`
	SpeedKMH   *float64 `json:"speed_kmh,omitempty" validate:"omitempty,min=0,max=300"`
	HeadingDeg *float64 `json:"heading_deg,omitempty" validate:"omitempty,min=0,max=360"`
	Status     *string  `json:"status,omitempty"`
}

// AgentHeartbeat records one position report from an agent device.
func AgentHeartbeat(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := validators.ParsePathUUID(chi.URLParam(r, "agentId"), "agentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req heartbeatRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		identity, _ := middleware.IdentityFromContext(r.Context())
		input := tracking.HeartbeatInput{
			AgentID:    agentID,
			Actor:      identity,
			Location:   types.LatLng{Lat: req.Lat, Lng: req.Lng},
			SpeedKMH:   req.SpeedKMH,
			HeadingDeg: req.HeadingDeg,
		}
		if req.Status != nil {
			status, err := enums.ParseAgentStatus(*req.Status)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown agent status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			input.Status = &status
		}

		row, err := svc.Heartbeat(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// GetAgentLocation returns the latest known position of one agent.
func GetAgentLocation(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := validators.ParsePathUUID(chi.URLParam(r, "agentId"), "agentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		row, err := svc.GetAgent(r.Context(), agentID, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, row)
	}
}

// ListAgentLocations returns agents filtered by availability status.
func ListAgentLocations(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, _ := middleware.IdentityFromContext(r.Context())

		var status *enums.AgentStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			parsed, err := enums.ParseAgentStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown agent status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			status = &parsed
		}

		rows, err := svc.ListAgents(r.Context(), status, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"items": rows})
	}
}

// NearbyAvailableAgents returns available agents around a point, closest
// first. Optional max_distance (km) and limit narrow the result.
func NearbyAvailableAgents(svc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lat, err := validators.ParseQueryFloat(r, "lat", -90, 90)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		lng, err := validators.ParseQueryFloat(r, "lng", -180, 180)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		point := types.LatLng{Lat: lat, Lng: lng}
		if err := point.Validate(); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid coordinates"))
			return
		}

		candidates, err := svc.NearbyAvailable(r.Context(), lat, lng)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if raw := strings.TrimSpace(r.URL.Query().Get("max_distance")); raw != "" {
			maxKM, err := validators.ParseQueryFloat(r, "max_distance", 0, 100)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			trimmed := candidates[:0]
			for _, candidate := range candidates {
				if candidate.DistanceKM <= maxKM {
					trimmed = append(trimmed, candidate)
				}
			}
			candidates = trimmed
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err := validators.ParseQueryInt(r, "limit", len(candidates), 1, 100)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			if limit < len(candidates) {
				candidates = candidates[:limit]
			}
		}

		responses.WriteSuccess(w, map[string]any{"items": candidates})
	}
}

type deliveryPositionResponse struct {
	DeliveryID  uuid.UUID            `json:"delivery_id"`
	Status      enums.DeliveryStatus `json:"status"`
	Location    *types.LatLng        `json:"location"`
	SpeedKMH    *float64             `json:"speed_kmh,omitempty"`
	HeadingDeg  *float64             `json:"heading_deg,omitempty"`
	LastUpdated *time.Time           `json:"last_updated,omitempty"`
	ETA         *time.Time           `json:"eta,omitempty"`
	ETAText     string               `json:"eta_text,omitempty"`
}

// etaText renders the remaining time to the dropoff for rider-facing
// screens.
func etaText(eta *time.Time, now time.Time) string {
	if eta == nil {
		return ""
	}
	minutes := int(math.Ceil(eta.Sub(now).Minutes()))
	if minutes <= 0 {
		return "Arriving now"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// DeliveryAgentLocation reports the live position of the agent carrying a
// delivery. Visibility follows the delivery itself. A delivery without a
// courier or a heartbeat yet answers with a null location rather than an
// error.
func DeliveryAgentLocation(deliverySvc deliveries.Service, trackingSvc tracking.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUUID(chi.URLParam(r, "deliveryId"), "deliveryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		identity, _ := middleware.IdentityFromContext(r.Context())
		delivery, err := deliverySvc.GetByID(r.Context(), id, identity)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payload := deliveryPositionResponse{
			DeliveryID: delivery.ID,
			Status:     delivery.Status,
			ETA:        delivery.EstimatedDeliveryAt,
			ETAText:    etaText(delivery.EstimatedDeliveryAt, time.Now().UTC()),
		}

		row, err := trackingSvc.ActiveDeliveryPosition(r.Context(), id)
		if err != nil {
			if appErr := pkgerrors.As(err); appErr == nil || appErr.Code() != pkgerrors.CodeNotFound {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		} else {
			loc := row.Location
			payload.Location = &loc
			payload.SpeedKMH = row.SpeedKMH
			payload.HeadingDeg = row.HeadingDeg
			updated := row.LastUpdated
			payload.LastUpdated = &updated
		}

		responses.WriteSuccess(w, payload)
	}
}
