package cloud

import (
	"math"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// SceneIngestPayload is the request body sent to POST /api/ingest/scenes.
type SceneIngestPayload struct {
	ContentID       string           `json:"content_id"`
	WorkspaceID     string           `json:"workspace_id"`
	JobID           string           `json:"job_id"`
	SourceRef       string           `json:"source_ref,omitempty"`
	TotalDurationMs int              `json:"total_duration_ms,omitempty"`
	Scenes          []SceneIngestDoc `json:"scenes"`
}

type SceneIngestDoc struct {
	SceneID     string   `json:"scene_id"`
	Index       int      `json:"index"`
	StartMs     int      `json:"start_ms"`
	EndMs       int      `json:"end_ms"`
	Label       string   `json:"label,omitempty"`
	Confidence  float64  `json:"confidence"`
	IsHighlight bool     `json:"is_highlight,omitempty"`
	IsPromoted  bool     `json:"is_promoted,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// SceneIngestResponse is the response from POST /api/ingest/scenes.
type SceneIngestResponse struct {
	IndexedCount int    `json:"indexed_count"`
	ContentID    string `json:"content_id"`
	SkippedCount int    `json:"skipped_count"`
}

// PayloadFor describes the active timeline committed by job.
func PayloadFor(job *detection.Job, scenes []*scene.Scene) SceneIngestPayload {
	p := SceneIngestPayload{
		ContentID:       job.ContentID,
		WorkspaceID:     job.WorkspaceID,
		JobID:           job.ID,
		SourceRef:       job.SourceRef,
		TotalDurationMs: toMs(job.MediaDuration),
		Scenes:          make([]SceneIngestDoc, 0, len(scenes)),
	}
	for _, s := range scenes {
		if !s.Active() {
			continue
		}
		p.Scenes = append(p.Scenes, SceneIngestDoc{
			SceneID:     s.ID,
			Index:       s.SceneIndex,
			StartMs:     toMs(s.Start),
			EndMs:       toMs(s.End),
			Label:       s.Metadata.Label,
			Confidence:  s.Confidence,
			IsHighlight: s.IsHighlight,
			IsPromoted:  s.IsPromoted,
			Tags:        s.CustomTags,
		})
	}
	return p
}

func toMs(seconds float64) int {
	return int(math.Round(seconds * 1000))
}
