package learning

import (
	"context"
	"fmt"
	"math"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	// SensitivityTolerance is the difference from the learned sensitivity
	// above which a change is suggested.
	SensitivityTolerance = 0.1
	// LengthTolerance is the ratio between current and learned lengths below
	// which a change is suggested.
	LengthTolerance = 0.8
)

type Current struct {
	SceneCount    int     `json:"scene_count"`
	AverageLength float64 `json:"average_length"`
	MinLength     float64 `json:"min_length"`
	MaxLength     float64 `json:"max_length"`
	Sensitivity   float64 `json:"sensitivity"`
}

type Suggestion struct {
	Current     float64 `json:"current"`
	Recommended float64 `json:"recommended"`
	Reason      string  `json:"reason"`
}

// Recommendations compares one content item with what its workspace has
// learned recently. Suggested is empty when everything is within tolerance.
type Recommendations struct {
	WorkspaceID string                `json:"workspace_id"`
	ContentID   string                `json:"content_id"`
	Current     Current               `json:"current"`
	Suggested   map[string]Suggestion `json:"suggested"`
}

// Recommendations returns suggestions for the active scenes of contentID.
func (l *Learner) Recommendations(ctx context.Context, workspaceID, contentID string) (*Recommendations, error) {
	scenes, err := l.scenes.ListByContent(ctx, contentID, false)
	if err != nil {
		return nil, fmt.Errorf("load scenes for %s: %w", contentID, err)
	}
	if len(scenes) == 0 {
		return nil, scene.NotFoundf("no scenes for content %s", contentID)
	}
	if workspaceID == "" {
		workspaceID = scenes[0].WorkspaceID
	}

	sens, lengths, err := l.analyze(ctx, workspaceID, l.now().Add(-l.cfg.RecommendationWindow))
	if err != nil {
		return nil, err
	}
	return recommend(workspaceID, contentID, currentOf(scenes), sens, lengths), nil
}

func currentOf(scenes []*scene.Scene) Current {
	c := Current{
		SceneCount:  len(scenes),
		MinLength:   math.Inf(1),
		Sensitivity: scenes[0].DetectionParams.Sensitivity,
	}
	var total float64
	for _, s := range scenes {
		d := s.Duration()
		total += d
		c.MinLength = math.Min(c.MinLength, d)
		c.MaxLength = math.Max(c.MaxLength, d)
	}
	c.AverageLength = total / float64(len(scenes))
	return c
}

func recommend(workspaceID, contentID string, cur Current, sens *SensitivityResult, lengths *LengthResult) *Recommendations {
	rec := &Recommendations{
		WorkspaceID: workspaceID,
		ContentID:   contentID,
		Current:     cur,
		Suggested:   make(map[string]Suggestion),
	}

	if sens != nil && math.Abs(cur.Sensitivity-sens.Optimal) > SensitivityTolerance {
		reason := "too few scene changes detected compared to your editing patterns"
		if cur.Sensitivity > sens.Optimal {
			reason = "too many scenes detected compared to your editing patterns"
		}
		rec.Suggested["sensitivity"] = Suggestion{Current: cur.Sensitivity, Recommended: sens.Optimal, Reason: reason}
	}

	if lengths != nil && lengths.MinSceneLength != nil {
		learned := *lengths.MinSceneLength
		if cur.AverageLength < learned*LengthTolerance {
			rec.Suggested["min_scene_length"] = Suggestion{
				Current:     cur.MinLength,
				Recommended: learned,
				Reason:      "scenes are shorter than the ones you usually keep",
			}
		}
	}
	if lengths != nil && lengths.MaxSceneLength != nil && cur.MaxLength > 0 {
		learned := *lengths.MaxSceneLength
		if learned/cur.MaxLength < LengthTolerance {
			rec.Suggested["max_scene_length"] = Suggestion{
				Current:     cur.MaxLength,
				Recommended: learned,
				Reason:      "scenes are longer than the ones you usually keep",
			}
		}
	}
	return rec
}
