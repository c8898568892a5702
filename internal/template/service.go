package template

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// KindTemplate is the edit kind reported for template application.
const KindTemplate = "template"

// Bulker runs a function over the active scenes of one content item inside a
// single edit transaction. editing.Engine implements it.
type Bulker interface {
	Bulk(ctx context.Context, contentID, kind string, fn func(active []*scene.Scene) ([]*scene.Scene, error)) ([]*scene.Scene, error)
}

// Report summarizes one Apply call.
type Report struct {
	TemplateID string  `json:"template_id"`
	ContentID  string  `json:"content_id"`
	Scenes     int     `json:"scene_count"`
	Changed    int     `json:"changed_count"`
	Rules      []Match `json:"rules"`
}

type Service struct {
	repo    Repository
	editor  Bulker
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	builtin map[string]*Template
}

func NewService(repo Repository, editor Bulker, logger *slog.Logger) *Service {
	s := &Service{
		repo:    repo,
		editor:  editor,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		builtin: make(map[string]*Template),
	}
	for _, t := range Builtins() {
		s.builtin[t.ID] = t
	}
	return s
}

// List returns built-in templates followed by the custom templates visible
// to workspaceID.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*Template, error) {
	s.mu.RLock()
	out := make([]*Template, 0, len(s.builtin))
	for _, t := range s.builtin {
		out = append(out, t)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Template) int { return strings.Compare(a.ID, b.ID) })

	custom, err := s.repo.List(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return append(out, custom...), nil
}

func (s *Service) Get(ctx context.Context, id string) (*Template, error) {
	s.mu.RLock()
	t, ok := s.builtin[id]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, scene.NotFoundf("template %s not found", id)
	}
	return t, nil
}

// Register validates and stores a custom template. An empty ID gets a fresh
// one. Built-in IDs are reserved.
func (s *Service) Register(ctx context.Context, t *Template) (*Template, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = scene.NewID()
	}
	s.mu.RLock()
	_, reserved := s.builtin[t.ID]
	s.mu.RUnlock()
	if reserved {
		return nil, scene.Conflictf("template id %s is reserved", t.ID)
	}

	existing, err := s.repo.Get(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t.BuiltIn = false
	t.CreatedAt = now
	if existing != nil {
		t.CreatedAt = existing.CreatedAt
	}
	t.UpdatedAt = now
	if err := s.repo.Upsert(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("template registered", "template_id", t.ID, "name", t.Name, "rules", len(t.Rules))
	return t, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	_, reserved := s.builtin[id]
	s.mu.RUnlock()
	if reserved {
		return scene.Conflictf("built-in template %s cannot be deleted", id)
	}
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return scene.NotFoundf("template %s not found", id)
	}
	return s.repo.Delete(ctx, id)
}

// Apply runs a template over the active scenes of contentID and persists the
// changed scenes in one edit.
func (s *Service) Apply(ctx context.Context, templateID, contentID string) (*Report, error) {
	t, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}

	report := &Report{TemplateID: t.ID, ContentID: contentID}
	_, err = s.editor.Bulk(ctx, contentID, KindTemplate, func(active []*scene.Scene) ([]*scene.Scene, error) {
		matches, changed := t.Run(active)
		report.Scenes = len(active)
		report.Changed = len(changed)
		report.Rules = matches
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("template applied",
		"template_id", t.ID,
		"content_id", contentID,
		"scenes", report.Scenes,
		"changed", report.Changed,
	)
	return report, nil
}
