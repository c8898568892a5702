package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-scenes/internal/editing"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/search"
)

func listScenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := searchFromQuery(r.URL.Query())
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		res, err := cfg.Search.List(r.Context(), req.Query, req.Sort, req.Page)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func searchScenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		res, err := cfg.Search.List(r.Context(), req.Query, req.Sort, req.Page)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// searchFromQuery reads a listing from URL parameters. Ranges use min_/max_
// prefixes, and start/end bound the media timeline.
func searchFromQuery(v url.Values) (SearchRequest, error) {
	p := &paramParser{values: v}
	req := SearchRequest{
		Query: search.Query{
			ContentID:     v.Get("content_id"),
			WorkspaceID:   v.Get("workspace_id"),
			Text:          v.Get("q"),
			Confidence:    search.Range{Min: p.floatParam("min_confidence"), Max: p.floatParam("max_confidence")},
			Duration:      search.Range{Min: p.floatParam("min_duration"), Max: p.floatParam("max_duration")},
			Quality:       search.Range{Min: p.floatParam("min_quality"), Max: p.floatParam("max_quality")},
			TimeRange:     search.Range{Min: p.floatParam("start"), Max: p.floatParam("end")},
			IsHighlight:   p.boolParam("is_highlight"),
			IsPromoted:    p.boolParam("is_promoted"),
			IsKeyMoment:   p.boolParam("is_key_moment"),
			HasFaces:      p.boolParam("has_faces"),
			HasSpeech:     p.boolParam("has_speech"),
			Tags:          splitList(v.Get("tags")),
			IncludeMerged: derefBool(p.boolParam("include_merged")),
		},
		Sort: search.Sort{Field: v.Get("sort"), Desc: derefBool(p.boolParam("desc"))},
		Page: search.Page{Page: p.intParam("page"), PageSize: p.intParam("page_size")},
	}
	if len(p.problems) > 0 {
		return SearchRequest{}, scene.NewValidationError(p.problems...)
	}
	return req, nil
}

type paramParser struct {
	values   url.Values
	problems []string
}

func (p *paramParser) floatParam(key string) *float64 {
	raw := p.values.Get(key)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.problems = append(p.problems, key+" must be a number")
		return nil
	}
	return &f
}

func (p *paramParser) boolParam(key string) *bool {
	raw := p.values.Get(key)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.problems = append(p.problems, key+" must be a boolean")
		return nil
	}
	return &b
}

func (p *paramParser) intParam(key string) int {
	raw := p.values.Get(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.problems = append(p.problems, key+" must be an integer")
		return 0
	}
	return n
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func derefBool(b *bool) bool {
	return b != nil && *b
}

func statisticsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cfg.Search.Statistics(r.Context(), chi.URLParam(r, "contentID"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func lineageHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lineage, err := cfg.Search.Lineage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, lineage)
	}
}

func mergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		merged, err := cfg.Editor.Merge(r.Context(), chi.URLParam(r, "contentID"), req.SceneIDs)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, merged)
	}
}

func splitHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SplitRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		children, err := cfg.Editor.Split(r.Context(), chi.URLParam(r, "id"), req.Points)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, SplitResponse{Scenes: children})
	}
}

func boundariesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BoundariesRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		if req.Start == nil || req.End == nil {
			WriteServiceError(w, cfg.Logger, scene.NewValidationError("start and end are required"))
			return
		}
		updated, err := cfg.Editor.UpdateBoundaries(r.Context(), chi.URLParam(r, "id"), *req.Start, *req.End)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func annotateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editing.Annotation
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		updated, err := cfg.Editor.Annotate(r.Context(), chi.URLParam(r, "id"), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func flagsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editing.Flags
		if err := decodeJSON(r, &req); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		updated, err := cfg.Editor.SetFlags(r.Context(), chi.URLParam(r, "id"), req)
		if err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func deleteSceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Editor.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			WriteServiceError(w, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
