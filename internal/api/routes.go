package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/scenes", listScenesHandler(cfg))
		r.Post("/scenes/search", searchScenesHandler(cfg))
		r.Get("/scenes/{id}/lineage", lineageHandler(cfg))
		r.Post("/scenes/{id}/split", splitHandler(cfg))
		r.Put("/scenes/{id}/boundaries", boundariesHandler(cfg))
		r.Patch("/scenes/{id}/annotations", annotateHandler(cfg))
		r.Patch("/scenes/{id}/flags", flagsHandler(cfg))
		r.Delete("/scenes/{id}", deleteSceneHandler(cfg))

		r.Get("/contents/{contentID}/statistics", statisticsHandler(cfg))
		r.Post("/contents/{contentID}/merge", mergeHandler(cfg))
		r.Post("/contents/{contentID}/rerun", rerunHandler(cfg))

		r.Post("/detections", detectHandler(cfg))
		r.Get("/detections", listJobsHandler(cfg))
		r.Get("/detections/{id}", getJobHandler(cfg))
		r.Post("/detections/{id}/cancel", cancelJobHandler(cfg))

		r.Get("/templates", listTemplatesHandler(cfg))
		r.Post("/templates", registerTemplateHandler(cfg))
		r.Get("/templates/{id}", getTemplateHandler(cfg))
		r.Delete("/templates/{id}", deleteTemplateHandler(cfg))
		r.Post("/templates/{id}/apply", applyTemplateHandler(cfg))

		r.Post("/batch/detect", batchDetectHandler(cfg))
		r.Post("/batch/templates/{id}/apply", batchApplyHandler(cfg))

		r.Get("/workspaces/{workspaceID}/settings", getSettingsHandler(cfg))
		r.Put("/workspaces/{workspaceID}/settings", putSettingsHandler(cfg))
		r.Post("/workspaces/{workspaceID}/learn", learnHandler(cfg))
		r.Get("/workspaces/{workspaceID}/recommendations", recommendationsHandler(cfg))
		r.Get("/workspaces/{workspaceID}/performance", performanceHandler(cfg))

		r.Post("/export/edl", exportEDLHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}
