package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/settings"
)

func getSettingsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := cfg.Settings.Get(r.Context(), chi.URLParam(r, "workspaceID"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ws)
	}
}

// putSettingsHandler replaces the workspace defaults. The learned timestamp is
// owned by the learner and survives manual updates.
func putSettingsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settings.Workspace
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		workspaceID := chi.URLParam(r, "workspaceID")
		current, err := cfg.Settings.Get(r.Context(), workspaceID)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		req.WorkspaceID = workspaceID
		req.LearnedAt = current.LearnedAt

		updated, err := cfg.Settings.Update(r.Context(), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func learnHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := cfg.Learner.Learn(r.Context(), chi.URLParam(r, "workspaceID"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func recommendationsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentID := r.URL.Query().Get("content_id")
		if contentID == "" {
			WriteServiceError(w, cfg.Logger, scene.NewValidationError("content_id is required"))
			return
		}
		rec, err := cfg.Learner.Recommendations(r.Context(), chi.URLParam(r, "workspaceID"), contentID)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

// performanceHandler reports over the trailing "days" query parameter, or the
// monitor default when it is absent.
func performanceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var window time.Duration
		if raw := r.URL.Query().Get("days"); raw != "" {
			days, err := strconv.Atoi(raw)
			if err != nil || days < 1 {
				WriteServiceError(w, cfg.Logger, scene.NewValidationError("days must be a positive integer"))
				return
			}
			window = time.Duration(days) * 24 * time.Hour
		}
		report, err := cfg.Monitor.Report(r.Context(), chi.URLParam(r, "workspaceID"), window)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
