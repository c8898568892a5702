// Package learning tunes per-workspace detection defaults from the edits
// users make to detected scenes.
package learning

import (
	"cmp"
	"math"
	"slices"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	// ApplyThreshold is the score a sensitivity needs before it is written to
	// workspace defaults.
	ApplyThreshold = 0.6
	// MinLengthSamples is the number of samples above which a learned scene
	// length is trusted.
	MinLengthSamples = 5

	defaultQuality = 0.5
)

// SensitivityGroup aggregates the analytics rows that ran with one
// sensitivity value.
type SensitivityGroup struct {
	Sensitivity    float64 `json:"sensitivity"`
	Runs           int     `json:"runs"`
	TotalEdits     int     `json:"total_edits"`
	TotalScenes    int     `json:"total_scenes"`
	EditRate       float64 `json:"edit_rate"`
	AverageQuality float64 `json:"average_quality"`
	AverageScenes  float64 `json:"average_scenes"`
	Score          float64 `json:"score"`
}

type SensitivityResult struct {
	Optimal float64 `json:"optimal_sensitivity"`
	// Confidence is the score of the winning group.
	Confidence float64            `json:"confidence"`
	Groups     []SensitivityGroup `json:"groups"`
}

// Trusted reports whether the result is confident enough to apply.
func (r *SensitivityResult) Trusted() bool {
	return r != nil && r.Confidence > ApplyThreshold
}

// Score rates a sensitivity group. Fewer corrections weigh most, then
// quality, then how close the scene count is to a useful range.
func Score(editRate, avgQuality, avgScenes float64) float64 {
	editScore := 1 - math.Min(1, 2*editRate)

	fit := 1.0
	if avgScenes < 5 || avgScenes > 15 {
		fit = math.Max(0, 1-math.Abs(avgScenes-10)/10)
	}
	granularity := math.Min(1, avgScenes/20)

	return 0.4*editScore + 0.3*avgQuality + 0.2*fit + 0.1*granularity
}

// LearnSensitivity groups records by the sensitivity they ran with, rounded
// to two decimals, and picks the best scoring group. It returns nil for no
// records. Ties go to the lower sensitivity.
func LearnSensitivity(records []*analytics.Record) *SensitivityResult {
	if len(records) == 0 {
		return nil
	}

	type acc struct {
		group     SensitivityGroup
		qualities []float64
	}
	byKey := make(map[float64]*acc)
	for _, rec := range records {
		key := math.Round(rec.Params.Sensitivity*100) / 100
		a, ok := byKey[key]
		if !ok {
			a = &acc{group: SensitivityGroup{Sensitivity: key}}
			byKey[key] = a
		}
		a.group.Runs++
		a.group.TotalEdits += rec.Edits.Total
		a.group.TotalScenes += rec.SceneCount
		if rec.AverageQuality != nil {
			a.qualities = append(a.qualities, *rec.AverageQuality)
		}
	}

	res := &SensitivityResult{Confidence: -1}
	for _, a := range byKey {
		g := a.group
		g.AverageScenes = float64(g.TotalScenes) / float64(g.Runs)
		if g.TotalScenes > 0 {
			g.EditRate = float64(g.TotalEdits) / float64(g.TotalScenes)
		}
		g.AverageQuality = defaultQuality
		if len(a.qualities) > 0 {
			g.AverageQuality = mean(a.qualities)
		}
		g.Score = Score(g.EditRate, g.AverageQuality, g.AverageScenes)
		res.Groups = append(res.Groups, g)
	}
	slices.SortFunc(res.Groups, func(a, b SensitivityGroup) int {
		return cmp.Compare(a.Sensitivity, b.Sensitivity)
	})
	for _, g := range res.Groups {
		if g.Score > res.Confidence {
			res.Confidence = g.Score
			res.Optimal = g.Sensitivity
		}
	}
	return res
}

// LengthResult holds learned scene length bounds. A nil bound had too few
// samples.
type LengthResult struct {
	MinSceneLength *float64 `json:"min_scene_length,omitempty"`
	MaxSceneLength *float64 `json:"max_scene_length,omitempty"`
	MergedSamples  int      `json:"merged_samples"`
	SplitSamples   int      `json:"split_samples"`
}

func (r *LengthResult) Empty() bool {
	return r == nil || (r.MinSceneLength == nil && r.MaxSceneLength == nil)
}

// LearnLengths derives length bounds from superseded scenes. Scenes merged
// into a neighbour were too short, so the minimum moves up to the 75th
// percentile of their lengths. Scenes that were split were too long, so the
// maximum moves down to the 25th percentile of theirs.
func LearnLengths(superseded []*scene.Scene) *LengthResult {
	var merged, split []float64
	for _, s := range superseded {
		switch {
		case !s.IsMerged:
		case len(s.SplitInto) == 1:
			merged = append(merged, s.Duration())
		case len(s.SplitInto) > 1:
			split = append(split, s.Duration())
		}
	}

	res := &LengthResult{MergedSamples: len(merged), SplitSamples: len(split)}
	if len(merged) > MinLengthSamples {
		v := round2(percentile(merged, 0.75))
		res.MinSceneLength = &v
	}
	if len(split) > MinLengthSamples {
		v := round2(percentile(split, 0.25))
		res.MaxSceneLength = &v
	}
	return res
}

// percentile interpolates linearly between closest ranks. p is in [0,1].
func percentile(values []float64, p float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
