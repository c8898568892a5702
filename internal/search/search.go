// Package search answers read-only queries over scenes: filtered listings,
// per-content statistics and merge/split lineage.
package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Store is the read side of the scene repository.
type Store interface {
	Get(ctx context.Context, id string) (*scene.Scene, error)
	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*scene.Scene, error)
	ListByWorkspace(ctx context.Context, workspaceID string, includeMerged bool) ([]*scene.Scene, error)
}

// Range is an inclusive bound. Nil ends are open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

func (r Range) contains(v float64) bool {
	return (r.Min == nil || v >= *r.Min) && (r.Max == nil || v <= *r.Max)
}

func (r Range) validate(name string) error {
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("%s min %.3f exceeds max %.3f", name, *r.Min, *r.Max)
	}
	return nil
}

// Query filters scenes. At least one of ContentID or WorkspaceID is required.
// Boolean pointers left nil do not filter.
type Query struct {
	ContentID   string `json:"content_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Text        string `json:"text,omitempty"`

	Confidence Range `json:"confidence"`
	Duration   Range `json:"duration"`
	Quality    Range `json:"quality"`
	// TimeRange keeps scenes that intersect [Min,Max] on the media timeline.
	TimeRange Range `json:"time_range"`

	IsHighlight *bool `json:"is_highlight,omitempty"`
	IsPromoted  *bool `json:"is_promoted,omitempty"`
	IsKeyMoment *bool `json:"is_key_moment,omitempty"`
	HasFaces    *bool `json:"has_faces,omitempty"`
	HasSpeech   *bool `json:"has_speech,omitempty"`

	// Tags must all be present, in custom or detected tags.
	Tags          []string `json:"tags,omitempty"`
	IncludeMerged bool     `json:"include_merged,omitempty"`
}

func (q Query) validate() error {
	var problems []string
	if q.ContentID == "" && q.WorkspaceID == "" {
		problems = append(problems, "content_id or workspace_id is required")
	}
	for name, r := range map[string]Range{
		"confidence": q.Confidence, "duration": q.Duration, "quality": q.Quality, "time_range": q.TimeRange,
	} {
		if err := r.validate(name); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return scene.NewValidationError(problems...)
	}
	return nil
}

func (q Query) matches(s *scene.Scene) bool {
	if q.ContentID != "" && s.ContentID != q.ContentID {
		return false
	}
	if q.WorkspaceID != "" && s.WorkspaceID != q.WorkspaceID {
		return false
	}
	if !q.IncludeMerged && !s.Active() {
		return false
	}
	if !q.Confidence.contains(s.Confidence) || !q.Duration.contains(s.Duration()) || !q.Quality.contains(s.QualityScore) {
		return false
	}
	if q.TimeRange.Min != nil && s.End < *q.TimeRange.Min {
		return false
	}
	if q.TimeRange.Max != nil && s.Start > *q.TimeRange.Max {
		return false
	}
	if !boolMatch(q.IsHighlight, s.IsHighlight) || !boolMatch(q.IsPromoted, s.IsPromoted) ||
		!boolMatch(q.IsKeyMoment, s.IsKeyMoment) || !boolMatch(q.HasFaces, s.Metadata.HasFaces) ||
		!boolMatch(q.HasSpeech, s.Metadata.HasSpeech) {
		return false
	}
	for _, tag := range q.Tags {
		if !s.HasTag(tag) {
			return false
		}
	}
	if q.Text != "" && !textMatch(s, strings.ToLower(q.Text)) {
		return false
	}
	return true
}

func boolMatch(want *bool, got bool) bool {
	return want == nil || *want == got
}

func textMatch(s *scene.Scene, needle string) bool {
	if strings.Contains(strings.ToLower(s.Notes), needle) || strings.Contains(strings.ToLower(s.Metadata.Label), needle) {
		return true
	}
	for _, t := range slices.Concat(s.CustomTags, s.Metadata.Tags, s.Metadata.AudioCues) {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

// Sort orders a listing. Field is one of start, index, duration, confidence,
// quality, priority or updated_at.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

var sortKeys = map[string]func(*scene.Scene) float64{
	"start":      func(s *scene.Scene) float64 { return s.Start },
	"index":      func(s *scene.Scene) float64 { return float64(s.SceneIndex) },
	"duration":   func(s *scene.Scene) float64 { return s.Duration() },
	"confidence": func(s *scene.Scene) float64 { return s.Confidence },
	"quality":    func(s *scene.Scene) float64 { return s.QualityScore },
	"priority":   func(s *scene.Scene) float64 { return float64(s.Priority) },
	"updated_at": func(s *scene.Scene) float64 { return float64(s.UpdatedAt.UnixMicro()) },
}

func (o Sort) apply(scenes []*scene.Scene) error {
	field := o.Field
	if field == "" {
		field = "start"
	}
	key, ok := sortKeys[field]
	if !ok {
		return scene.NewValidationError(fmt.Sprintf("unknown sort field %q", o.Field))
	}
	slices.SortStableFunc(scenes, func(a, b *scene.Scene) int {
		c := cmp.Compare(key(a), key(b))
		if c == 0 {
			c = cmp.Or(cmp.Compare(a.ContentID, b.ContentID), cmp.Compare(a.Start, b.Start))
		}
		if o.Desc {
			return -c
		}
		return c
	})
	return nil
}

// Page selects a 1-based page.
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PageSize
}

// Pagination describes where a page sits in the full result.
type Pagination struct {
	TotalCount  int  `json:"total_count"`
	PageSize    int  `json:"page_size"`
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	HasPrevious bool `json:"has_previous"`
	HasNext     bool `json:"has_next"`
}

// Paginate computes pagination metadata for total results.
func Paginate(total int, p Page) Pagination {
	p = p.normalize()
	totalPages := int(math.Ceil(float64(total) / float64(p.PageSize)))

	current := p.Page
	if current > totalPages && totalPages > 0 {
		current = totalPages
	}
	m := Pagination{
		TotalCount:  total,
		PageSize:    p.PageSize,
		CurrentPage: current,
		TotalPages:  totalPages,
		HasPrevious: current > 1,
		HasNext:     current < totalPages,
	}
	if total == 0 {
		m.HasPrevious = false
		m.HasNext = false
	}
	return m
}

type Result struct {
	Scenes     []*scene.Scene `json:"scenes"`
	Pagination Pagination     `json:"pagination"`
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// List returns one page of scenes matching q in the requested order.
func (s *Service) List(ctx context.Context, q Query, o Sort, p Page) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var all []*scene.Scene
	var err error
	if q.ContentID != "" {
		all, err = s.store.ListByContent(ctx, q.ContentID, q.IncludeMerged)
	} else {
		all, err = s.store.ListByWorkspace(ctx, q.WorkspaceID, q.IncludeMerged)
	}
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}

	matched := make([]*scene.Scene, 0, len(all))
	for _, sc := range all {
		if q.matches(sc) {
			matched = append(matched, sc)
		}
	}
	if err := o.apply(matched); err != nil {
		return nil, err
	}

	p = p.normalize()
	meta := Paginate(len(matched), p)
	lo := min(p.offset(), len(matched))
	hi := min(lo+p.PageSize, len(matched))
	return &Result{Scenes: matched[lo:hi], Pagination: meta}, nil
}

// Statistics summarizes the active timeline of one content item.
type Statistics struct {
	ContentID       string         `json:"content_id"`
	SceneCount      int            `json:"scene_count"`
	SupersededCount int            `json:"superseded_count"`
	TotalDuration   float64        `json:"total_duration"`
	AverageDuration float64        `json:"average_duration"`
	MinDuration     float64        `json:"min_duration"`
	MaxDuration     float64        `json:"max_duration"`
	AverageConf     float64        `json:"average_confidence"`
	AverageQuality  float64        `json:"average_quality"`
	Grades          map[string]int `json:"grades"`
	Highlights      int            `json:"highlights"`
	Promoted        int            `json:"promoted"`
	KeyMoments      int            `json:"key_moments"`
	WithFaces       int            `json:"with_faces"`
	WithSpeech      int            `json:"with_speech"`
	Tags            map[string]int `json:"tags"`
	UpdatedAt       *time.Time     `json:"updated_at,omitempty"`
}

func (s *Service) Statistics(ctx context.Context, contentID string) (*Statistics, error) {
	all, err := s.store.ListByContent(ctx, contentID, true)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	if len(all) == 0 {
		return nil, scene.NotFoundf("no scenes for content %s", contentID)
	}
	return Summarize(contentID, all), nil
}

// Summarize computes statistics over scenes, superseded ones included in
// SupersededCount only.
func Summarize(contentID string, scenes []*scene.Scene) *Statistics {
	st := &Statistics{
		ContentID: contentID,
		Grades:    map[string]int{"A": 0, "B": 0, "C": 0, "D": 0, "F": 0},
		Tags:      make(map[string]int),
	}
	var conf, quality float64
	for _, sc := range scenes {
		if st.UpdatedAt == nil || sc.UpdatedAt.After(*st.UpdatedAt) {
			t := sc.UpdatedAt
			st.UpdatedAt = &t
		}
		if !sc.Active() {
			st.SupersededCount++
			continue
		}
		d := sc.Duration()
		if st.SceneCount == 0 {
			st.MinDuration, st.MaxDuration = d, d
		}
		st.SceneCount++
		st.TotalDuration += d
		st.MinDuration = min(st.MinDuration, d)
		st.MaxDuration = max(st.MaxDuration, d)
		conf += sc.Confidence
		quality += sc.QualityScore
		st.Grades[sc.Grade()]++
		if sc.IsHighlight {
			st.Highlights++
		}
		if sc.IsPromoted {
			st.Promoted++
		}
		if sc.IsKeyMoment {
			st.KeyMoments++
		}
		if sc.Metadata.HasFaces {
			st.WithFaces++
		}
		if sc.Metadata.HasSpeech {
			st.WithSpeech++
		}
		for _, t := range scene.TagSet(slices.Concat(sc.CustomTags, sc.Metadata.Tags)) {
			st.Tags[t]++
		}
	}
	if st.SceneCount > 0 {
		n := float64(st.SceneCount)
		st.AverageDuration = st.TotalDuration / n
		st.AverageConf = conf / n
		st.AverageQuality = quality / n
	}
	return st
}

// Lineage is the merge/split neighbourhood of one scene. Ancestors and
// Descendants are ordered breadth-first from the scene outwards.
type Lineage struct {
	Scene       *scene.Scene   `json:"scene"`
	Ancestors   []*scene.Scene `json:"ancestors"`
	Descendants []*scene.Scene `json:"descendants"`
	// Active lists the scenes currently representing this one on the timeline.
	Active []*scene.Scene `json:"active"`
}

func (s *Service) Lineage(ctx context.Context, sceneID string) (*Lineage, error) {
	target, err := s.store.Get(ctx, sceneID)
	if err != nil {
		return nil, fmt.Errorf("load scene %s: %w", sceneID, err)
	}
	if target == nil {
		return nil, scene.NotFoundf("scene %s", sceneID)
	}
	all, err := s.store.ListByContent(ctx, target.ContentID, true)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	byID := make(map[string]*scene.Scene, len(all))
	for _, sc := range all {
		byID[sc.ID] = sc
	}

	l := &Lineage{
		Scene:       target,
		Ancestors:   walk(byID, target, func(sc *scene.Scene) []string { return sc.MergedFrom }),
		Descendants: walk(byID, target, func(sc *scene.Scene) []string { return sc.SplitInto }),
	}
	if target.Active() {
		l.Active = []*scene.Scene{target}
	}
	for _, d := range l.Descendants {
		if d.Active() {
			l.Active = append(l.Active, d)
		}
	}
	scene.SortByStart(l.Active)
	return l, nil
}

// walk follows edges breadth-first. Edges to scenes no longer stored (hard
// deleted) are skipped.
func walk(byID map[string]*scene.Scene, from *scene.Scene, edges func(*scene.Scene) []string) []*scene.Scene {
	seen := map[string]bool{from.ID: true}
	queue := []*scene.Scene{from}
	var out []*scene.Scene
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range edges(cur) {
			next, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
