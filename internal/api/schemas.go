package api

import (
	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/search"
	"github.com/heimdex/heimdex-scenes/internal/template"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type ErrorResponse struct {
	Error    string   `json:"error"`
	Code     string   `json:"code,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

type SearchRequest struct {
	Query search.Query `json:"query"`
	Sort  search.Sort  `json:"sort"`
	Page  search.Page  `json:"page"`
}

type MergeRequest struct {
	SceneIDs []string `json:"scene_ids"`
}

type SplitRequest struct {
	Points []float64 `json:"points"`
}

type SplitResponse struct {
	Scenes []*scene.Scene `json:"scenes"`
}

type BoundariesRequest struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type ApplyTemplateRequest struct {
	ContentID string `json:"content_id"`
}

type TemplatesResponse struct {
	Templates []*template.Template `json:"templates"`
}

type JobsResponse struct {
	Jobs []*detection.Job `json:"jobs"`
}

type BatchDetectRequest struct {
	Items []detection.DetectRequest `json:"items"`
}

type BatchApplyRequest struct {
	ContentIDs []string `json:"content_ids"`
}
