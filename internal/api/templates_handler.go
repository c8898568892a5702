package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenes/internal/batch"
	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/template"
)

func listTemplatesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := cfg.Templates.List(r.Context(), r.URL.Query().Get("workspace_id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, TemplatesResponse{Templates: templates})
	}
}

func getTemplateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cfg.Templates.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func registerTemplateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t template.Template
		if err := decodeJSON(r, &t); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		saved, err := cfg.Templates.Register(r.Context(), &t)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, saved)
	}
}

func deleteTemplateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func applyTemplateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ApplyTemplateRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if req.ContentID == "" {
			WriteServiceError(w, cfg.Logger, scene.NewValidationError("content_id is required"))
			return
		}
		report, err := cfg.Templates.Apply(r.Context(), chi.URLParam(r, "id"), req.ContentID)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func batchApplyHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchApplyRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if err := checkBatchIDs(req.ContentIDs); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		templateID := chi.URLParam(r, "id")
		if _, err := cfg.Templates.Get(r.Context(), templateID); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		report := batch.Run(r.Context(), cfg.Batch, "apply_template", req.ContentIDs,
			func(ctx context.Context, contentID string) (*template.Report, error) {
				return cfg.Templates.Apply(ctx, templateID, contentID)
			})
		WriteJSON(w, http.StatusOK, report)
	}
}

func batchDetectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchDetectRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		ids := make([]string, 0, len(req.Items))
		items := make(map[string]detection.DetectRequest, len(req.Items))
		for _, item := range req.Items {
			ids = append(ids, item.ContentID)
			items[item.ContentID] = item
		}
		if err := checkBatchIDs(ids); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		report := batch.Run(r.Context(), cfg.Batch, "detect", ids,
			func(ctx context.Context, contentID string) (*detection.Outcome, error) {
				return cfg.Detection.Detect(ctx, items[contentID])
			})
		WriteJSON(w, http.StatusOK, report)
	}
}

func checkBatchIDs(ids []string) error {
	if len(ids) == 0 {
		return scene.NewValidationError("at least one content id is required")
	}
	var problems []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		switch {
		case id == "":
			problems = append(problems, "content id must not be empty")
		case seen[id]:
			problems = append(problems, "duplicate content id "+id)
		}
		seen[id] = true
	}
	if len(problems) > 0 {
		return scene.NewValidationError(slices.Compact(problems)...)
	}
	return nil
}
