// Package analytics records one row per completed detection run and tallies
// the user edits made against its scenes afterwards.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// EditKind names a tracked user correction.
type EditKind string

const (
	EditMerge    EditKind = "merge"
	EditSplit    EditKind = "split"
	EditDelete   EditKind = "delete"
	EditPromote  EditKind = "promote"
	EditBoundary EditKind = "boundary"
)

// HighQualityThreshold is the quality score at or above which a scene counts
// as high quality.
const HighQualityThreshold = 0.7

type Edits struct {
	Merged           int `json:"merged"`
	Split            int `json:"split"`
	Deleted          int `json:"deleted"`
	Promoted         int `json:"promoted"`
	BoundaryAdjusted int `json:"boundary_adjusted"`
	Total            int `json:"total"`
}

type Record struct {
	ID          string `json:"id"`
	ContentID   string `json:"content_id"`
	WorkspaceID string `json:"workspace_id"`
	OwnerID     string `json:"owner_id,omitempty"`
	JobID       string `json:"job_id"`

	SceneCount         int     `json:"scene_count"`
	AverageSceneLength float64 `json:"average_scene_length"`
	MinSceneLength     float64 `json:"min_scene_length"`
	MaxSceneLength     float64 `json:"max_scene_length"`

	Params scene.Params `json:"params"`

	AverageQuality    *float64 `json:"average_quality,omitempty"`
	HighQualityScenes int      `json:"high_quality_scenes"`

	Edits Edits `json:"edits"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EditRate is total edits per produced scene.
func (r *Record) EditRate() float64 {
	if r.SceneCount == 0 {
		return 0
	}
	return float64(r.Edits.Total) / float64(r.SceneCount)
}

// NewRecord summarizes the scenes committed by one detection job.
func NewRecord(jobID, contentID, workspaceID, ownerID string, params scene.Params, scenes []*scene.Scene, now time.Time) *Record {
	rec := &Record{
		ID:          scene.NewID(),
		ContentID:   contentID,
		WorkspaceID: workspaceID,
		OwnerID:     ownerID,
		JobID:       jobID,
		SceneCount:  len(scenes),
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(scenes) == 0 {
		return rec
	}

	var total, quality float64
	minLen, maxLen := math.Inf(1), 0.0
	for _, s := range scenes {
		d := s.Duration()
		total += d
		minLen = math.Min(minLen, d)
		maxLen = math.Max(maxLen, d)
		quality += s.QualityScore
		if s.QualityScore >= HighQualityThreshold {
			rec.HighQualityScenes++
		}
	}
	n := float64(len(scenes))
	avgQuality := quality / n
	rec.AverageSceneLength = total / n
	rec.MinSceneLength = minLen
	rec.MaxSceneLength = maxLen
	rec.AverageQuality = &avgQuality
	return rec
}

// Save writes rec through repo, which may be bound to the caller's
// transaction.
func Save(ctx context.Context, repo Repository, rec *Record) error {
	if err := repo.Create(ctx, rec); err != nil {
		return fmt.Errorf("record analytics for job %s: %w", rec.JobID, err)
	}
	return nil
}

// TrackEdit increments kind on the newest analytics row of contentID. Content
// with no completed detection run has nothing to tally and is ignored.
func TrackEdit(ctx context.Context, repo Repository, contentID string, kind EditKind) error {
	rec, err := repo.LatestForContent(ctx, contentID)
	if err != nil {
		return fmt.Errorf("load analytics for %s: %w", contentID, err)
	}
	if rec == nil {
		return nil
	}
	if err := repo.IncrementEdit(ctx, rec.ID, kind); err != nil {
		return fmt.Errorf("track %s edit for %s: %w", kind, contentID, err)
	}
	return nil
}
