package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/platefleet-backend/api/controllers"
	"github.com/angelmondragon/platefleet-backend/api/middleware"
	"github.com/angelmondragon/platefleet-backend/internal/deliveries"
	"github.com/angelmondragon/platefleet-backend/internal/notifications"
	"github.com/angelmondragon/platefleet-backend/internal/tracking"
	"github.com/angelmondragon/platefleet-backend/pkg/config"
	"github.com/angelmondragon/platefleet-backend/pkg/enums"
	"github.com/angelmondragon/platefleet-backend/pkg/logger"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisP controllers.Pinger,
	deliveryService deliveries.Service,
	trackingService tracking.Service,
	notificationsService notifications.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Service-to-service surface; the order service opens deliveries here.
	r.Route("/api/internal/v1", func(r chi.Router) {
		r.Use(middleware.ServiceKey(cfg.Service.InternalKey, logg))
		r.Post("/deliveries", controllers.CreateDelivery(deliveryService, logg))
		r.Get("/deliveries/by-order/{orderId}", controllers.GetDeliveryByOrder(deliveryService, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", controllers.ListDeliveries(deliveryService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleDeliveryPerson, enums.UserRoleAdmin)).
				Get("/available", controllers.ListAvailableDeliveries(deliveryService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleDeliveryPerson)).
				Get("/my-deliveries", controllers.ListMyDeliveries(deliveryService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleDeliveryPerson)).
				Get("/history", controllers.ListDeliveryHistory(deliveryService, logg))
			r.Get("/{deliveryId}", controllers.GetDelivery(deliveryService, logg))
			r.Get("/{deliveryId}/location", controllers.DeliveryAgentLocation(deliveryService, trackingService, logg))
			r.Patch("/{deliveryId}/status", controllers.UpdateDeliveryStatus(deliveryService, logg))

			r.With(middleware.RequireRole(logg, enums.UserRoleDeliveryPerson)).
				Post("/{deliveryId}/accept", controllers.AcceptDelivery(deliveryService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleCustomer, enums.UserRoleAdmin)).
				Post("/{deliveryId}/rate", controllers.RateDelivery(deliveryService, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))
				r.Post("/{deliveryId}/auto-assign", controllers.AutoAssignDelivery(deliveryService, logg))
				r.Post("/{deliveryId}/assign", controllers.AssignDelivery(deliveryService, logg))
				r.Delete("/{deliveryId}", controllers.DeleteDelivery(deliveryService, logg))
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, enums.UserRoleAdmin)).
				Get("/locations", controllers.ListAgentLocations(trackingService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleAdmin)).
				Get("/nearby", controllers.NearbyAvailableAgents(trackingService, logg))
			r.Get("/{agentId}/location", controllers.GetAgentLocation(trackingService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleDeliveryPerson, enums.UserRoleAdmin)).
				Post("/{agentId}/location", controllers.AgentHeartbeat(trackingService, logg))
			r.Get("/{agentId}/stats", controllers.AgentDeliveryStats(deliveryService, logg))
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", controllers.ListNotifications(notificationsService, logg))
			r.Get("/unread-count", controllers.UnreadNotificationCount(notificationsService, logg))
			r.Post("/{notificationId}/read", controllers.MarkNotificationRead(notificationsService, logg))
			r.Post("/read-all", controllers.MarkAllNotificationsRead(notificationsService, logg))
			r.With(middleware.RequireRole(logg, enums.UserRoleAdmin)).
				Post("/broadcast", controllers.BroadcastNotification(notificationsService, logg))
		})
	})

	return r
}
