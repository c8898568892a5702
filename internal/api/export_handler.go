package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/heimdex/heimdex-scenes/internal/export"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// exportEDLHandler renders the active timeline of one content item. Without
// a media_path the source of the latest detection job is used.
func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req export.Request
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}

		if req.Format == "" {
			req.Format = "edl"
		}
		if strings.ToLower(req.Format) != "edl" {
			WriteError(w, http.StatusBadRequest, "format must be edl", "BAD_REQUEST")
			return
		}
		if req.ContentID == "" {
			WriteError(w, http.StatusBadRequest, "content_id is required", "BAD_REQUEST")
			return
		}
		if req.OutputDir != "" {
			if err := export.ValidateOutputDir(req.OutputDir); err != nil {
				WriteServiceError(w, cfg.Logger, err)
				return
			}
		}

		if req.MediaPath == "" && cfg.Detection != nil {
			job, err := cfg.Detection.Tracker().LatestForContent(r.Context(), req.ContentID)
			if err != nil && !errors.Is(err, scene.ErrNotFound) {
				WriteServiceError(w, cfg.Logger, err)
				return
			}
			if job != nil {
				req.MediaPath = job.SourceRef
			}
		}
		if req.MediaPath == "" {
			WriteError(w, http.StatusBadRequest, "media_path is required", "BAD_REQUEST")
			return
		}

		scenes, err := cfg.Scenes.ListByContent(r.Context(), req.ContentID, false)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		selected, missing, err := export.Select(scenes, req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if len(selected) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "no scenes to export", "NO_SCENES")
			return
		}

		frameRate := req.FrameRate
		if frameRate <= 0 {
			frameRate = export.DefaultFrameRate
		}
		title := export.Title(req.Title)
		edl := export.GenerateEDL(export.Clips(selected, req.MediaPath), title, frameRate)

		resp := export.Response{
			Status:        "ok",
			Format:        "edl",
			ClipCount:     len(selected),
			MissingScenes: missing,
		}
		if req.OutputDir == "" {
			resp.EDL = edl
		} else {
			path, err := export.WriteFile(req.OutputDir, title, edl)
			if err != nil {
				cfg.Logger.Error("failed to write export file", "error", err)
				WriteError(w, http.StatusInternalServerError, "failed to write export file", "INTERNAL_ERROR")
				return
			}
			resp.OutputPath = path
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
