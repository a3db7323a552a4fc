package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"notifyrouter/internal/model"
	"notifyrouter/internal/service"
	logx "notifyrouter/pkg/logx"
)

type Services struct {
	Notifications *service.Notifications
	Channels      *service.Channels
	Protocols     *service.Protocols
	Quotas        *service.Quotas
	Usage         *service.Usage
}

// API owns the route table. Handler builds a fresh chi router per config
// so a reload can swap token or timeouts.
type API struct {
	svc      Services
	validate *validator.Validate
	log      logx.Logger
}

func New(svc Services, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{svc: svc, validate: validator.New(), log: log}
}

func (a *API) Handler(cfg Config) http.Handler {
	cfg = cfg.withDefaults()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Use(a.tenant)

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", a.createNotification)
			r.Get("/", a.listNotifications)
			r.Post("/push", a.pushNotification)
			r.Post("/read", a.setNotificationsRead)
			r.Get("/stat", a.statNotifications)
			r.Get("/{id}", a.getNotification)
			r.Delete("/{id}", a.deleteNotification)
		})
		r.Delete("/users/{userID}/notifications", a.deleteUserNotifications)

		r.Route("/user-channels", a.channelRoutes(model.UserChannel))
		r.Route("/project-channels", a.channelRoutes(model.ProjectChannel))

		r.Route("/protocols", func(r chi.Router) {
			r.Post("/", a.createProtocol)
			r.Get("/", a.listProtocols)
			r.Get("/{id}", a.getProtocol)
			r.Patch("/{id}", a.updateProtocol)
			r.Delete("/{id}", a.deleteProtocol)
			r.Put("/{id}/plugin", a.updateProtocolPlugin)
			r.Post("/{id}/enable", a.enableProtocol)
			r.Post("/{id}/disable", a.disableProtocol)
		})

		r.Route("/quotas", func(r chi.Router) {
			r.Post("/", a.createQuota)
			r.Get("/", a.listQuotas)
			r.Get("/{protocolID}", a.getQuota)
			r.Patch("/{protocolID}", a.updateQuota)
			r.Delete("/{protocolID}", a.deleteQuota)
		})

		r.Get("/usages", a.listUsage)
		r.Get("/usages/stat", a.statUsage)
	})
	return r
}
