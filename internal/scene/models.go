// Package scene defines the scene timeline entity, its invariants and its
// SQLite-backed store.
package scene

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scene is a time-bounded segment of one content item. Start and End are in
// seconds. A scene with IsMerged set has been superseded by a merge or split
// and is no longer part of the active timeline.
type Scene struct {
	ID          string `json:"id"`
	ContentID   string `json:"content_id"`
	WorkspaceID string `json:"workspace_id"`
	OwnerID     string `json:"owner_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`

	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	SceneIndex int     `json:"scene_index"`

	Confidence   float64 `json:"confidence"`
	IsHighlight  bool    `json:"is_highlight"`
	IsPromoted   bool    `json:"is_promoted"`
	IsKeyMoment  bool    `json:"is_key_moment"`
	Priority     int     `json:"priority"`
	QualityScore float64 `json:"quality_score"`

	IsMerged   bool     `json:"is_merged"`
	MergedFrom []string `json:"merged_from"`
	SplitInto  []string `json:"split_into"`
	Version    int      `json:"version"`

	Notes           string   `json:"notes,omitempty"`
	CustomTags      []string `json:"custom_tags"`
	Metadata        Metadata `json:"metadata"`
	DetectionParams Params   `json:"detection_params"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration is always derived from the boundaries.
func (s *Scene) Duration() float64 {
	return s.End - s.Start
}

// Active reports whether the scene is part of the current timeline.
func (s *Scene) Active() bool {
	return !s.IsMerged
}

// Grade returns the letter grade for QualityScore.
func (s *Scene) Grade() string {
	return Grade(s.QualityScore)
}

func (s *Scene) MarshalJSON() ([]byte, error) {
	type alias Scene
	return json.Marshal(struct {
		*alias
		Duration float64 `json:"duration"`
		Grade    string  `json:"grade"`
	}{(*alias)(s), s.Duration(), s.Grade()})
}

// Clone returns a deep copy so callers can mutate without touching cached or
// shared values.
func (s *Scene) Clone() *Scene {
	c := *s
	c.MergedFrom = slices.Clone(s.MergedFrom)
	c.SplitInto = slices.Clone(s.SplitInto)
	c.CustomTags = slices.Clone(s.CustomTags)
	c.Metadata = s.Metadata.Clone()
	return &c
}

// HasTag reports whether tag is present in CustomTags or detected tags.
func (s *Scene) HasTag(tag string) bool {
	return slices.Contains(s.CustomTags, tag) || slices.Contains(s.Metadata.Tags, tag)
}

// AddTags inserts tags into the CustomTags set, keeping it sorted.
func (s *Scene) AddTags(tags ...string) {
	s.CustomTags = TagSet(append(slices.Clone(s.CustomTags), tags...))
}

// Grade maps a quality score to A..F.
func Grade(score float64) string {
	switch {
	case score >= 0.9:
		return "A"
	case score >= 0.8:
		return "B"
	case score >= 0.7:
		return "C"
	case score >= 0.6:
		return "D"
	default:
		return "F"
	}
}

// Metadata is the structured analysis payload attached to a scene.
// Brightness and MotionLevel are nil when the detector did not report them.
type Metadata struct {
	Label            string             `json:"label,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	HasFaces         bool               `json:"has_faces"`
	FaceCount        int                `json:"face_count,omitempty"`
	HasSpeech        bool               `json:"has_speech"`
	SpeechConfidence float64            `json:"speech_confidence,omitempty"`
	Brightness       *float64           `json:"brightness,omitempty"`
	MotionLevel      *float64           `json:"motion_level,omitempty"`
	AudioCues        []string           `json:"audio_cues,omitempty"`
	AudioFeatures    map[string]float64 `json:"audio_features,omitempty"`
}

func (m Metadata) Clone() Metadata {
	c := m
	c.Tags = slices.Clone(m.Tags)
	c.AudioCues = slices.Clone(m.AudioCues)
	if m.Brightness != nil {
		v := *m.Brightness
		c.Brightness = &v
	}
	if m.MotionLevel != nil {
		v := *m.MotionLevel
		c.MotionLevel = &v
	}
	if m.AudioFeatures != nil {
		c.AudioFeatures = make(map[string]float64, len(m.AudioFeatures))
		for k, v := range m.AudioFeatures {
			c.AudioFeatures[k] = v
		}
	}
	return c
}

// Empty reports whether the detector supplied nothing useful.
func (m Metadata) Empty() bool {
	return m.Label == "" && len(m.Tags) == 0 && !m.HasFaces && !m.HasSpeech &&
		m.Brightness == nil && m.MotionLevel == nil && len(m.AudioCues) == 0 && len(m.AudioFeatures) == 0
}

// Candidate is one raw scene produced by the external detector.
type Candidate struct {
	Start         float64            `json:"start"`
	End           float64            `json:"end"`
	Confidence    *float64           `json:"confidence,omitempty"`
	Quality       *float64           `json:"quality,omitempty"`
	Metadata      *Metadata          `json:"metadata,omitempty"`
	AudioCues     []string           `json:"audio_cues,omitempty"`
	AudioFeatures map[string]float64 `json:"audio_features,omitempty"`
}

func (c Candidate) Duration() float64 {
	return c.End - c.Start
}

const DefaultConfidence = 0.5

// ToScene builds an unpersisted active scene from a validated candidate.
func (c Candidate) ToScene(contentID, workspaceID, ownerID, jobID string, params Params, now time.Time) *Scene {
	conf := DefaultConfidence
	if c.Confidence != nil {
		conf = clamp(*c.Confidence, 0, 1)
	}
	quality := conf
	if c.Quality != nil {
		quality = clamp(*c.Quality, 0, 1)
	}

	var md Metadata
	if c.Metadata != nil {
		md = c.Metadata.Clone()
	}
	if len(c.AudioCues) > 0 {
		md.AudioCues = TagSet(append(md.AudioCues, c.AudioCues...))
	}
	if len(c.AudioFeatures) > 0 {
		if md.AudioFeatures == nil {
			md.AudioFeatures = make(map[string]float64, len(c.AudioFeatures))
		}
		for k, v := range c.AudioFeatures {
			md.AudioFeatures[k] = v
		}
	}

	return &Scene{
		ID:              NewID(),
		ContentID:       contentID,
		WorkspaceID:     workspaceID,
		OwnerID:         ownerID,
		JobID:           jobID,
		Start:           c.Start,
		End:             c.End,
		Confidence:      conf,
		QualityScore:    quality,
		MergedFrom:      []string{},
		SplitInto:       []string{},
		Version:         1,
		CustomTags:      []string{},
		Metadata:        md,
		DetectionParams: params,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Params is the canonical, fully-resolved set of detection parameters.
// MaxSceneLength of zero means unbounded.
type Params struct {
	Sensitivity    float64 `json:"sensitivity"`
	MinSceneLength float64 `json:"min_scene_length"`
	MaxSceneLength float64 `json:"max_scene_length"`
	FPS            float64 `json:"fps"`
	UseMultiModal  bool    `json:"use_multi_modal"`
	WorkflowType   string  `json:"workflow_type"`
}

const (
	DefaultSensitivity    = 0.3
	DefaultMinSceneLength = 1.0
	DefaultMaxSceneLength = 0
	DefaultFPS            = 3
	DefaultWorkflowType   = "general"
)

func DefaultParams() Params {
	return Params{
		Sensitivity:    DefaultSensitivity,
		MinSceneLength: DefaultMinSceneLength,
		MaxSceneLength: DefaultMaxSceneLength,
		FPS:            DefaultFPS,
		UseMultiModal:  true,
		WorkflowType:   DefaultWorkflowType,
	}
}

// Normalize canonicalizes p so that logically equal parameter sets compare
// equal and produce the same Key.
func (p Params) Normalize() Params {
	p.Sensitivity = round(clamp(p.Sensitivity, 0, 1), 3)
	p.MinSceneLength = round(math.Max(p.MinSceneLength, 0), 3)
	p.MaxSceneLength = round(math.Max(p.MaxSceneLength, 0), 3)
	if p.FPS <= 0 {
		p.FPS = DefaultFPS
	}
	p.FPS = round(p.FPS, 3)
	p.WorkflowType = strings.ToLower(strings.TrimSpace(p.WorkflowType))
	if p.WorkflowType == "" {
		p.WorkflowType = DefaultWorkflowType
	}
	return p
}

// Key is the canonical parameter key used by the result cache and the
// durable detection state.
func (p Params) Key() string {
	n := p.Normalize()
	return fmt.Sprintf("s=%.3f|min=%.3f|max=%.3f|fps=%.3f|mm=%t|wf=%s",
		n.Sensitivity, n.MinSceneLength, n.MaxSceneLength, n.FPS, n.UseMultiModal, n.WorkflowType)
}

// Validate rejects parameter sets the detector cannot run with.
func (p Params) Validate() error {
	var problems []string
	if p.Sensitivity < 0 || p.Sensitivity > 1 {
		problems = append(problems, "sensitivity must be between 0 and 1")
	}
	if p.MinSceneLength < 0 {
		problems = append(problems, "min_scene_length must not be negative")
	}
	if p.MaxSceneLength < 0 {
		problems = append(problems, "max_scene_length must not be negative")
	}
	if p.MaxSceneLength > 0 && p.MaxSceneLength < p.MinSceneLength {
		problems = append(problems, "max_scene_length must be at least min_scene_length")
	}
	if len(problems) > 0 {
		return NewValidationError(problems...)
	}
	return nil
}

// Overrides is the optional-field form of Params supplied by callers.
type Overrides struct {
	Sensitivity    *float64 `json:"sensitivity,omitempty"`
	MinSceneLength *float64 `json:"min_scene_length,omitempty"`
	MaxSceneLength *float64 `json:"max_scene_length,omitempty"`
	FPS            *float64 `json:"fps,omitempty"`
	UseMultiModal  *bool    `json:"use_multi_modal,omitempty"`
	WorkflowType   *string  `json:"workflow_type,omitempty"`
}

// Apply layers the set fields of o over base.
func (o Overrides) Apply(base Params) Params {
	if o.Sensitivity != nil {
		base.Sensitivity = *o.Sensitivity
	}
	if o.MinSceneLength != nil {
		base.MinSceneLength = *o.MinSceneLength
	}
	if o.MaxSceneLength != nil {
		base.MaxSceneLength = *o.MaxSceneLength
	}
	if o.FPS != nil {
		base.FPS = *o.FPS
	}
	if o.UseMultiModal != nil {
		base.UseMultiModal = *o.UseMultiModal
	}
	if o.WorkflowType != nil {
		base.WorkflowType = *o.WorkflowType
	}
	return base
}

// Resolve fills omitted fields with the documented defaults and normalizes.
func (o Overrides) Resolve() Params {
	return o.Apply(DefaultParams()).Normalize()
}

func NewID() string {
	return uuid.NewString()
}

// TagSet returns a sorted, de-duplicated copy of tags with blanks removed.
func TagSet(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
