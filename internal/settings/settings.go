// Package settings holds per-workspace detection defaults and resolves the
// parameters a detection job runs with.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// Workspace is the stored default configuration of one workspace.
type Workspace struct {
	WorkspaceID             string     `json:"workspace_id"`
	DefaultSensitivity      float64    `json:"default_sensitivity"`
	DefaultMinSceneLength   float64    `json:"default_min_scene_length"`
	DefaultMaxSceneLength   float64    `json:"default_max_scene_length"`
	MultiModalEnabled       bool       `json:"multi_modal_enabled"`
	HeavyAIEnabled          bool       `json:"heavy_ai_enabled"`
	AudioAnalysisEnabled    bool       `json:"audio_analysis_enabled"`
	TextSegmentationEnabled bool       `json:"text_segmentation_enabled"`
	DefaultWorkflowType     string     `json:"default_workflow_type"`
	LearnedAt               *time.Time `json:"learned_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Defaults returns the settings used for a workspace with no stored row.
func Defaults(workspaceID string) Workspace {
	d := scene.DefaultParams()
	return Workspace{
		WorkspaceID:           workspaceID,
		DefaultSensitivity:    d.Sensitivity,
		DefaultMinSceneLength: d.MinSceneLength,
		DefaultMaxSceneLength: d.MaxSceneLength,
		MultiModalEnabled:     d.UseMultiModal,
		HeavyAIEnabled:        true,
		DefaultWorkflowType:   d.WorkflowType,
	}
}

// Params returns the workspace defaults as a parameter set. Multi-modal is
// off whenever heavy AI is off.
func (w Workspace) Params() scene.Params {
	p := scene.DefaultParams()
	p.Sensitivity = w.DefaultSensitivity
	p.MinSceneLength = w.DefaultMinSceneLength
	p.MaxSceneLength = w.DefaultMaxSceneLength
	p.UseMultiModal = w.MultiModalEnabled && w.HeavyAIEnabled
	if w.DefaultWorkflowType != "" {
		p.WorkflowType = w.DefaultWorkflowType
	}
	return p
}

func (w Workspace) validate() error {
	p := w.Params()
	p.UseMultiModal = false
	return p.Validate()
}

// Learned carries the values a learning run wants to write. Nil fields are
// left unchanged.
type Learned struct {
	Sensitivity    *float64
	MinSceneLength *float64
	MaxSceneLength *float64
}

func (l Learned) Empty() bool {
	return l.Sensitivity == nil && l.MinSceneLength == nil && l.MaxSceneLength == nil
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Get returns the stored settings or the defaults.
func (s *Service) Get(ctx context.Context, workspaceID string) (Workspace, error) {
	w, err := s.repo.Get(ctx, workspaceID)
	if err != nil {
		return Workspace{}, fmt.Errorf("load settings for %s: %w", workspaceID, err)
	}
	if w == nil {
		return Defaults(workspaceID), nil
	}
	return *w, nil
}

// Update validates and stores w. Disabling heavy AI also disables multi-modal.
func (s *Service) Update(ctx context.Context, w Workspace) (Workspace, error) {
	if w.WorkspaceID == "" {
		return Workspace{}, scene.NewValidationError("workspace_id is required")
	}
	if err := w.validate(); err != nil {
		return Workspace{}, err
	}
	if !w.HeavyAIEnabled {
		w.MultiModalEnabled = false
	}
	if w.DefaultWorkflowType == "" {
		w.DefaultWorkflowType = scene.DefaultWorkflowType
	}
	w.UpdatedAt = time.Now().UTC()

	if err := s.repo.Upsert(ctx, &w); err != nil {
		return Workspace{}, fmt.Errorf("save settings for %s: %w", w.WorkspaceID, err)
	}
	return w, nil
}

// Resolve reads the workspace defaults once, layers the explicit overrides on
// top and freezes the result. Explicit values always win, except that
// multi-modal stays off for a workspace with heavy AI disabled.
func (s *Service) Resolve(ctx context.Context, workspaceID string, overrides scene.Overrides) (scene.Params, error) {
	w, err := s.Get(ctx, workspaceID)
	if err != nil {
		return scene.Params{}, err
	}
	p := overrides.Apply(w.Params())
	if !w.HeavyAIEnabled {
		p.UseMultiModal = false
	}
	if err := p.Validate(); err != nil {
		return scene.Params{}, err
	}
	return p.Normalize(), nil
}

// ApplyLearned writes learned defaults for a workspace.
func (s *Service) ApplyLearned(ctx context.Context, workspaceID string, l Learned, at time.Time) (Workspace, error) {
	w, err := s.Get(ctx, workspaceID)
	if err != nil {
		return Workspace{}, err
	}
	if l.Sensitivity != nil {
		w.DefaultSensitivity = *l.Sensitivity
	}
	if l.MinSceneLength != nil {
		w.DefaultMinSceneLength = *l.MinSceneLength
	}
	if l.MaxSceneLength != nil {
		w.DefaultMaxSceneLength = *l.MaxSceneLength
	}
	if w.DefaultMaxSceneLength > 0 && w.DefaultMaxSceneLength < w.DefaultMinSceneLength {
		s.logger.Warn("learned max scene length below min, leaving max unbounded",
			"workspace_id", workspaceID, "min", w.DefaultMinSceneLength, "max", w.DefaultMaxSceneLength)
		w.DefaultMaxSceneLength = 0
	}
	learnedAt := at.UTC()
	w.LearnedAt = &learnedAt

	updated, err := s.Update(ctx, w)
	if err != nil {
		return Workspace{}, err
	}
	s.logger.Info("applied learned settings", "workspace_id", workspaceID,
		"sensitivity", updated.DefaultSensitivity,
		"min_scene_length", updated.DefaultMinSceneLength,
		"max_scene_length", updated.DefaultMaxSceneLength)
	return updated, nil
}
