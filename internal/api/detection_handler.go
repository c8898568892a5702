package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const defaultJobsLimit = 50

func writeOutcome(w http.ResponseWriter, out *detection.Outcome) {
	status := http.StatusAccepted
	if out.Cached {
		status = http.StatusOK
	}
	WriteJSON(w, status, out)
}

func detectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req detection.DetectRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		out, err := cfg.Detection.Start(r.Context(), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		writeOutcome(w, out)
	}
}

func rerunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req detection.DetectRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		req.ContentID = chi.URLParam(r, "contentID")
		out, err := cfg.Detection.Rerun(r.Context(), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		writeOutcome(w, out)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := detection.Filter{
			ContentID:   q.Get("content_id"),
			WorkspaceID: q.Get("workspace_id"),
			Status:      detection.Status(q.Get("status")),
			Limit:       defaultJobsLimit,
		}
		switch f.Status {
		case "", detection.StatusPending, detection.StatusProcessing, detection.StatusCompleted,
			detection.StatusFailed, detection.StatusCancelled:
		default:
			WriteServiceError(w, cfg.Logger, scene.NewValidationError("unknown status "+string(f.Status)))
			return
		}
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				WriteServiceError(w, cfg.Logger, scene.NewValidationError("limit must be a positive integer"))
				return
			}
			f.Limit = n
		}

		jobs, err := cfg.Detection.Tracker().List(r.Context(), f)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if jobs == nil {
			jobs = []*detection.Job{}
		}
		WriteJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Detection.Tracker().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Detection.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}
