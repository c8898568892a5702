package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/editing"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/settings"
)

const (
	DefaultWindow               = 30 * 24 * time.Hour
	DefaultRecommendationWindow = 7 * 24 * time.Hour
)

type AnalyticsStore interface {
	ListByWorkspace(ctx context.Context, workspaceID string, since time.Time) ([]*analytics.Record, error)
	Workspaces(ctx context.Context, since time.Time) ([]string, error)
}

type SceneStore interface {
	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*scene.Scene, error)
	ListSuperseded(ctx context.Context, workspaceID string, since time.Time) ([]*scene.Scene, error)
}

// SettingsStore is the part of settings.Service the learner writes through.
type SettingsStore interface {
	ApplyLearned(ctx context.Context, workspaceID string, l settings.Learned, at time.Time) (settings.Workspace, error)
}

type Config struct {
	// Window bounds the history a learning run reads. Zero means DefaultWindow.
	Window time.Duration
	// RecommendationWindow bounds the history recommendations compare
	// against. Zero means DefaultRecommendationWindow.
	RecommendationWindow time.Duration
	// Schedule is a cron spec for LearnAll. Empty or "off" disables it.
	Schedule string
	Metrics  *metrics.Metrics
}

// Outcome describes one learning run for a workspace.
type Outcome struct {
	WorkspaceID string              `json:"workspace_id"`
	Sensitivity *SensitivityResult  `json:"sensitivity,omitempty"`
	Lengths     *LengthResult       `json:"lengths,omitempty"`
	Applied     bool                `json:"applied"`
	Settings    *settings.Workspace `json:"settings,omitempty"`
	LearnedAt   time.Time           `json:"learned_at"`
}

type Learner struct {
	analytics AnalyticsStore
	scenes    SceneStore
	settings  SettingsStore
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	flight singleflight.Group
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(as AnalyticsStore, ss SceneStore, st SettingsStore, cfg Config, logger *slog.Logger) *Learner {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RecommendationWindow <= 0 {
		cfg.RecommendationWindow = DefaultRecommendationWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Learner{
		analytics: as,
		scenes:    ss,
		settings:  st,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Learn runs sensitivity and length learning for one workspace and writes the
// trusted results to its defaults. Concurrent calls for the same workspace
// share a single run.
func (l *Learner) Learn(ctx context.Context, workspaceID string) (*Outcome, error) {
	if workspaceID == "" {
		return nil, scene.NewValidationError("workspace_id is required")
	}
	v, err, shared := l.flight.Do(workspaceID, func() (any, error) {
		return l.learn(ctx, workspaceID)
	})
	if shared {
		l.logger.Debug("learning run coalesced", "workspace_id", workspaceID)
	}
	if err != nil {
		l.metrics.LearnRun("error")
		return nil, err
	}
	return v.(*Outcome), nil
}

func (l *Learner) learn(ctx context.Context, workspaceID string) (*Outcome, error) {
	now := l.now()
	since := now.Add(-l.cfg.Window)

	sens, lengths, err := l.analyze(ctx, workspaceID, since)
	if err != nil {
		return nil, err
	}
	out := &Outcome{WorkspaceID: workspaceID, Sensitivity: sens, Lengths: lengths, LearnedAt: now}

	var learned settings.Learned
	if sens.Trusted() {
		v := sens.Optimal
		learned.Sensitivity = &v
	}
	if lengths != nil {
		learned.MinSceneLength = lengths.MinSceneLength
		learned.MaxSceneLength = lengths.MaxSceneLength
	}
	if learned.Empty() {
		l.metrics.LearnRun("skipped")
		l.logger.Debug("nothing learned", "workspace_id", workspaceID)
		return out, nil
	}

	w, err := l.settings.ApplyLearned(ctx, workspaceID, learned, now)
	if err != nil {
		return nil, fmt.Errorf("apply learned settings for %s: %w", workspaceID, err)
	}
	out.Applied = true
	out.Settings = &w
	l.metrics.LearnRun("applied")
	return out, nil
}

func (l *Learner) analyze(ctx context.Context, workspaceID string, since time.Time) (*SensitivityResult, *LengthResult, error) {
	records, err := l.analytics.ListByWorkspace(ctx, workspaceID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("load analytics for %s: %w", workspaceID, err)
	}
	superseded, err := l.scenes.ListSuperseded(ctx, workspaceID, since)
	if err != nil {
		return nil, nil, fmt.Errorf("load edited scenes for %s: %w", workspaceID, err)
	}
	return LearnSensitivity(records), LearnLengths(superseded), nil
}

// LearnAll runs Learn for every workspace with analytics in the window.
// Failures are logged and joined.
func (l *Learner) LearnAll(ctx context.Context) error {
	workspaces, err := l.analytics.Workspaces(ctx, l.now().Add(-l.cfg.Window))
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	var errs []error
	for _, ws := range workspaces {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := l.Learn(ctx, ws); err != nil {
			l.logger.Error("learning failed", "workspace_id", ws, "error", err)
			errs = append(errs, err)
		}
	}
	l.logger.Info("learning pass finished", "workspaces", len(workspaces), "failed", len(errs))
	return errors.Join(errs...)
}

// Start schedules LearnAll. It is a no-op when no schedule is configured.
func (l *Learner) Start() error {
	spec := strings.TrimSpace(l.cfg.Schedule)
	if spec == "" || strings.EqualFold(spec, "off") {
		l.logger.Info("learning schedule disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if err := l.LearnAll(l.ctx); err != nil {
			l.logger.Warn("scheduled learning incomplete", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid learn schedule %q: %w", spec, err)
	}
	c.Start()
	l.cron = c
	l.logger.Info("learning scheduled", "schedule", spec)
	return nil
}

// Stop halts the schedule and waits for running and triggered runs, or for
// ctx to end.
func (l *Learner) Stop(ctx context.Context) {
	l.cancel()
	done := make(chan struct{})
	go func() {
		if l.cron != nil {
			<-l.cron.Stop().Done()
		}
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("learner stop timed out")
	}
}

// SceneEdited re-learns the edited workspace in the background after a
// structural edit.
func (l *Learner) SceneEdited(_ context.Context, ev editing.Event) {
	switch ev.Kind {
	case string(analytics.EditMerge), string(analytics.EditSplit),
		string(analytics.EditBoundary), string(analytics.EditDelete):
	default:
		return
	}
	if ev.WorkspaceID == "" || l.ctx.Err() != nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.Learn(l.ctx, ev.WorkspaceID); err != nil {
			l.logger.Warn("learning after edit failed", "workspace_id", ev.WorkspaceID, "error", err)
		}
	}()
}
