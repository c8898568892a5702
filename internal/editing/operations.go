package editing

import (
	"context"
	"fmt"
	"slices"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// Merge replaces two or more active scenes of contentID with one scene that
// spans all of them. The inputs stay in the store as superseded lineage.
func (e *Engine) Merge(ctx context.Context, contentID string, sceneIDs []string) (*scene.Scene, error) {
	ids := uniq(sceneIDs)
	if len(ids) < 2 {
		return nil, scene.NewValidationError("merge needs at least two distinct scenes")
	}

	var merged *scene.Scene
	err := e.apply(ctx, contentID, string(analytics.EditMerge), func(tl *timeline) (outcome, error) {
		inputs := make([]*scene.Scene, len(ids))
		for i, id := range ids {
			s, err := tl.active(id)
			if err != nil {
				return outcome{}, err
			}
			inputs[i] = s
		}
		scene.SortByStart(inputs)

		start := inputs[0].Start
		end := inputs[0].End
		for _, s := range inputs[1:] {
			start = min(start, s.Start)
			end = max(end, s.End)
		}
		if other := scene.FindConflict(tl.scenes, ids, start, end, e.maxOverlap); other != nil {
			return outcome{}, scene.Conflictf("merged span [%.3f,%.3f) would swallow scene %s", start, end, other.ID)
		}

		now := e.now()
		merged = combine(inputs, start, end)
		merged.ID = scene.NewID()
		merged.MergedFrom = idsOf(inputs)
		merged.CreatedAt = now
		merged.UpdatedAt = now
		if err := tl.insert(ctx, merged); err != nil {
			return outcome{}, err
		}

		for _, s := range inputs {
			s.IsMerged = true
			s.SplitInto = []string{merged.ID}
			s.UpdatedAt = now
			if err := tl.repo.Update(ctx, s); err != nil {
				return outcome{}, err
			}
		}
		return outcome{touched: append([]string{merged.ID}, merged.MergedFrom...)}, nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// combine builds the merged scene from inputs sorted by start.
func combine(inputs []*scene.Scene, start, end float64) *scene.Scene {
	first := inputs[0]
	out := &scene.Scene{
		ContentID:       first.ContentID,
		WorkspaceID:     first.WorkspaceID,
		OwnerID:         first.OwnerID,
		JobID:           first.JobID,
		Start:           start,
		End:             end,
		SplitInto:       []string{},
		DetectionParams: first.DetectionParams,
	}

	var total, quality float64
	var brightness, brightW, motion, motionW float64
	var tags, custom, cues []string
	for _, s := range inputs {
		d := s.Duration()
		total += d
		quality += s.QualityScore * d

		out.Confidence = max(out.Confidence, s.Confidence)
		out.Priority = max(out.Priority, s.Priority)
		out.IsHighlight = out.IsHighlight || s.IsHighlight
		out.IsPromoted = out.IsPromoted || s.IsPromoted
		out.IsKeyMoment = out.IsKeyMoment || s.IsKeyMoment
		out.Version = max(out.Version, s.Version)
		if out.Notes == "" {
			out.Notes = s.Notes
		}

		md := s.Metadata
		if out.Metadata.Label == "" {
			out.Metadata.Label = md.Label
		}
		out.Metadata.HasFaces = out.Metadata.HasFaces || md.HasFaces
		out.Metadata.HasSpeech = out.Metadata.HasSpeech || md.HasSpeech
		out.Metadata.FaceCount += md.FaceCount
		out.Metadata.SpeechConfidence = max(out.Metadata.SpeechConfidence, md.SpeechConfidence)
		if md.Brightness != nil {
			brightness += *md.Brightness * d
			brightW += d
		}
		if md.MotionLevel != nil {
			motion += *md.MotionLevel * d
			motionW += d
		}
		for k, v := range md.AudioFeatures {
			if out.Metadata.AudioFeatures == nil {
				out.Metadata.AudioFeatures = make(map[string]float64)
			}
			out.Metadata.AudioFeatures[k] = max(out.Metadata.AudioFeatures[k], v)
		}
		tags = append(tags, md.Tags...)
		cues = append(cues, md.AudioCues...)
		custom = append(custom, s.CustomTags...)
	}

	out.Version++
	if total > 0 {
		out.QualityScore = quality / total
	}
	if brightW > 0 {
		v := brightness / brightW
		out.Metadata.Brightness = &v
	}
	if motionW > 0 {
		v := motion / motionW
		out.Metadata.MotionLevel = &v
	}
	if len(tags) > 0 {
		out.Metadata.Tags = scene.TagSet(tags)
	}
	if len(cues) > 0 {
		out.Metadata.AudioCues = scene.TagSet(cues)
	}
	out.CustomTags = scene.TagSet(custom)
	return out
}

// Split cuts an active scene at points, each strictly inside the scene. The
// children are contiguous and inherit the parent's metadata and flags.
func (e *Engine) Split(ctx context.Context, sceneID string, points []float64) ([]*scene.Scene, error) {
	if len(points) == 0 {
		return nil, scene.NewValidationError("split needs at least one point")
	}
	target, err := e.sceneContent(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	cuts := slices.Clone(points)
	slices.Sort(cuts)
	cuts = slices.Compact(cuts)

	var children []*scene.Scene
	err = e.apply(ctx, target.ContentID, string(analytics.EditSplit), func(tl *timeline) (outcome, error) {
		parent, err := tl.active(sceneID)
		if err != nil {
			return outcome{}, err
		}
		var problems []string
		for _, p := range cuts {
			if p <= parent.Start || p >= parent.End {
				problems = append(problems, fmt.Sprintf("split point %.3f is outside (%.3f, %.3f)", p, parent.Start, parent.End))
			}
		}
		if len(problems) > 0 {
			return outcome{}, scene.NewValidationError(problems...)
		}

		now := e.now()
		bounds := append(append([]float64{parent.Start}, cuts...), parent.End)
		children = make([]*scene.Scene, 0, len(bounds)-1)
		for i := 1; i < len(bounds); i++ {
			child := parent.Clone()
			child.ID = scene.NewID()
			child.Start = bounds[i-1]
			child.End = bounds[i]
			child.MergedFrom = []string{parent.ID}
			child.SplitInto = []string{}
			child.Version = parent.Version + 1
			child.CreatedAt = now
			child.UpdatedAt = now
			if err := tl.insert(ctx, child); err != nil {
				return outcome{}, err
			}
			children = append(children, child)
		}

		parent.IsMerged = true
		parent.SplitInto = idsOf(children)
		parent.UpdatedAt = now
		if err := tl.repo.Update(ctx, parent); err != nil {
			return outcome{}, err
		}
		return outcome{touched: append([]string{parent.ID}, parent.SplitInto...)}, nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// UpdateBoundaries moves an active scene to [start,end). Every other active
// scene of the content is checked for overlap, not only the neighbours.
func (e *Engine) UpdateBoundaries(ctx context.Context, sceneID string, start, end float64) (*scene.Scene, error) {
	var problems []string
	if start < 0 {
		problems = append(problems, fmt.Sprintf("start %.3f is negative", start))
	}
	if start >= end {
		problems = append(problems, fmt.Sprintf("start %.3f must be before end %.3f", start, end))
	}
	if len(problems) > 0 {
		return nil, scene.NewValidationError(problems...)
	}
	target, err := e.sceneContent(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	var updated *scene.Scene
	err = e.apply(ctx, target.ContentID, string(analytics.EditBoundary), func(tl *timeline) (outcome, error) {
		s, err := tl.active(sceneID)
		if err != nil {
			return outcome{}, err
		}
		if other := scene.FindConflict(tl.scenes, []string{s.ID}, start, end, e.maxOverlap); other != nil {
			return outcome{}, scene.Conflictf("[%.3f,%.3f) overlaps scene %s [%.3f,%.3f)",
				start, end, other.ID, other.Start, other.End)
		}
		s.Start = start
		s.End = end
		s.Version++
		s.UpdatedAt = e.now()
		if err := tl.repo.Update(ctx, s); err != nil {
			return outcome{}, err
		}
		updated = s
		return outcome{touched: []string{s.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete hard-removes an active scene. Unlike merge and split it keeps no
// lineage record. Superseded scenes cannot be deleted because active scenes
// still reference them.
func (e *Engine) Delete(ctx context.Context, sceneID string) error {
	target, err := e.sceneContent(ctx, sceneID)
	if err != nil {
		return err
	}
	return e.apply(ctx, target.ContentID, string(analytics.EditDelete), func(tl *timeline) (outcome, error) {
		if _, err := tl.active(sceneID); err != nil {
			return outcome{}, err
		}
		if err := tl.remove(ctx, sceneID); err != nil {
			return outcome{}, err
		}
		return outcome{touched: []string{sceneID}}, nil
	})
}

// Annotation changes notes and custom tags. Nil Notes leaves them unchanged.
type Annotation struct {
	Notes      *string  `json:"notes,omitempty"`
	AddTags    []string `json:"add_tags,omitempty"`
	RemoveTags []string `json:"remove_tags,omitempty"`
}

func (a Annotation) empty() bool {
	return a.Notes == nil && len(a.AddTags) == 0 && len(a.RemoveTags) == 0
}

// Annotate mutates notes and tags only. Boundaries and indices are untouched.
func (e *Engine) Annotate(ctx context.Context, sceneID string, a Annotation) (*scene.Scene, error) {
	if a.empty() {
		return nil, scene.NewValidationError("annotation is empty")
	}
	target, err := e.sceneContent(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	var updated *scene.Scene
	err = e.apply(ctx, target.ContentID, KindAnnotate, func(tl *timeline) (outcome, error) {
		s, err := tl.find(sceneID)
		if err != nil {
			return outcome{}, err
		}
		if a.Notes != nil {
			s.Notes = *a.Notes
		}
		if len(a.AddTags) > 0 {
			s.AddTags(a.AddTags...)
		}
		if len(a.RemoveTags) > 0 {
			s.CustomTags = slices.DeleteFunc(s.CustomTags, func(t string) bool {
				return slices.Contains(a.RemoveTags, t)
			})
		}
		s.Version++
		s.UpdatedAt = e.now()
		if err := tl.repo.Update(ctx, s); err != nil {
			return outcome{}, err
		}
		updated = s
		return outcome{touched: []string{s.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Flags changes highlight-style markers. Nil fields are left unchanged.
type Flags struct {
	IsHighlight  *bool    `json:"is_highlight,omitempty"`
	IsPromoted   *bool    `json:"is_promoted,omitempty"`
	IsKeyMoment  *bool    `json:"is_key_moment,omitempty"`
	Priority     *int     `json:"priority,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

func (f Flags) validate() error {
	var problems []string
	if f.Priority != nil && (*f.Priority < -10 || *f.Priority > 10) {
		problems = append(problems, "priority must be between -10 and 10")
	}
	if f.QualityScore != nil && (*f.QualityScore < 0 || *f.QualityScore > 1) {
		problems = append(problems, "quality_score must be between 0 and 1")
	}
	if len(problems) > 0 {
		return scene.NewValidationError(problems...)
	}
	return nil
}

// Apply sets the non-nil flags on s and reports whether s became promoted.
func (f Flags) Apply(s *scene.Scene) (promoted bool) {
	if f.IsHighlight != nil {
		s.IsHighlight = *f.IsHighlight
	}
	if f.IsPromoted != nil {
		promoted = *f.IsPromoted && !s.IsPromoted
		s.IsPromoted = *f.IsPromoted
	}
	if f.IsKeyMoment != nil {
		s.IsKeyMoment = *f.IsKeyMoment
	}
	if f.Priority != nil {
		s.Priority = *f.Priority
	}
	if f.QualityScore != nil {
		s.QualityScore = *f.QualityScore
	}
	return promoted
}

// SetFlags updates markers on an active scene. Promoting a scene counts as a
// promote edit in analytics.
func (e *Engine) SetFlags(ctx context.Context, sceneID string, f Flags) (*scene.Scene, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	target, err := e.sceneContent(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	var updated *scene.Scene
	err = e.apply(ctx, target.ContentID, KindFlags, func(tl *timeline) (outcome, error) {
		s, err := tl.active(sceneID)
		if err != nil {
			return outcome{}, err
		}
		out := outcome{touched: []string{s.ID}}
		if f.Apply(s) {
			out.kind = string(analytics.EditPromote)
		}
		s.Version++
		s.UpdatedAt = e.now()
		if err := tl.repo.Update(ctx, s); err != nil {
			return outcome{}, err
		}
		updated = s
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Bulk lets fn mutate the active scenes of contentID in one transaction under
// the content lock. fn returns the scenes it changed; only those are written.
// Boundaries must not be changed through Bulk.
func (e *Engine) Bulk(ctx context.Context, contentID, kind string, fn func(active []*scene.Scene) ([]*scene.Scene, error)) ([]*scene.Scene, error) {
	var changed []*scene.Scene
	err := e.apply(ctx, contentID, kind, func(tl *timeline) (outcome, error) {
		active := scene.ActiveOnly(tl.scenes)
		if len(active) == 0 {
			return outcome{}, scene.NotFoundf("no scenes for content %s", contentID)
		}
		scene.SortByStart(active)

		var err error
		changed, err = fn(active)
		if err != nil {
			return outcome{}, err
		}
		now := e.now()
		for _, s := range changed {
			s.Version++
			s.UpdatedAt = now
			if err := tl.repo.Update(ctx, s); err != nil {
				return outcome{}, err
			}
		}
		return outcome{touched: idsOf(changed)}, nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func idsOf(scenes []*scene.Scene) []string {
	ids := make([]string, len(scenes))
	for i, s := range scenes {
		ids[i] = s.ID
	}
	return ids
}

func uniq(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
