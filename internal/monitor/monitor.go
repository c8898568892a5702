// Package monitor reports detection performance, problems and estimated cost
// per workspace over a trailing window.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/settings"
)

const (
	DefaultWindow      = 7 * 24 * time.Hour
	DefaultSlowCeiling = 300 * time.Second

	// MinSuccessRate is the rate below which low_success_rate is raised.
	MinSuccessRate = 0.9
	// RecentFailureWindow is how far back a failure counts as recent.
	RecentFailureWindow = 24 * time.Hour
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

const (
	IssueLowSuccessRate = "low_success_rate"
	IssueSlowProcessing = "slow_processing"
	IssueRecentFailures = "recent_failures"
)

// CostRates are per-minute prices. Each enabled feature adds its rate.
type CostRates struct {
	Base             float64 `json:"base"`
	MultiModal       float64 `json:"multi_modal"`
	AudioAnalysis    float64 `json:"audio_analysis"`
	TextSegmentation float64 `json:"text_segmentation"`
}

var DefaultRates = CostRates{
	Base:             0.01,
	MultiModal:       0.02,
	AudioAnalysis:    0.01,
	TextSegmentation: 0.005,
}

type JobStore interface {
	List(ctx context.Context, f detection.Filter) ([]*detection.Job, error)
}

type SettingsStore interface {
	Get(ctx context.Context, workspaceID string) (settings.Workspace, error)
}

type Config struct {
	Window      time.Duration
	SlowCeiling time.Duration
	Rates       *CostRates
	Metrics     *metrics.Metrics
}

// Summary aggregates the jobs of one window. Durations are seconds and only
// cover completed jobs. SuccessRate is completed over completed plus failed.
type Summary struct {
	Total            int        `json:"total_jobs"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	Cancelled        int        `json:"cancelled"`
	Active           int        `json:"active"`
	SuccessRate      float64    `json:"success_rate"`
	AverageDuration  float64    `json:"average_duration"`
	MinDuration      float64    `json:"min_duration"`
	MaxDuration      float64    `json:"max_duration"`
	AverageScenes    float64    `json:"average_scene_count"`
	ProcessedMinutes float64    `json:"processed_minutes"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
}

// Finished counts jobs that ran to success or failure.
func (s Summary) Finished() int {
	return s.Completed + s.Failed
}

type Issue struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Value    float64  `json:"value"`
}

type Cost struct {
	ProcessedMinutes float64            `json:"processed_minutes"`
	RatePerMinute    float64            `json:"rate_per_minute"`
	Breakdown        map[string]float64 `json:"breakdown"`
	Total            float64            `json:"total"`
}

type Report struct {
	WorkspaceID string    `json:"workspace_id"`
	Since       time.Time `json:"since"`
	Summary     Summary   `json:"summary"`
	Issues      []Issue   `json:"issues"`
	Cost        Cost      `json:"cost"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Monitor struct {
	jobs     JobStore
	settings SettingsStore
	cfg      Config
	rates    CostRates
	logger   *slog.Logger
	now      func() time.Time
}

func New(jobs JobStore, st SettingsStore, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SlowCeiling <= 0 {
		cfg.SlowCeiling = DefaultSlowCeiling
	}
	rates := DefaultRates
	if cfg.Rates != nil {
		rates = *cfg.Rates
	}
	return &Monitor{
		jobs:     jobs,
		settings: st,
		cfg:      cfg,
		rates:    rates,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Report builds the performance report of workspaceID. A window of zero uses
// the configured default.
func (m *Monitor) Report(ctx context.Context, workspaceID string, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = m.cfg.Window
	}
	now := m.now()
	since := now.Add(-window)

	jobs, err := m.jobs.List(ctx, detection.Filter{WorkspaceID: workspaceID, Since: since})
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", workspaceID, err)
	}
	ws, err := m.settings.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	summary := Summarize(jobs)
	report := &Report{
		WorkspaceID: workspaceID,
		Since:       since,
		Summary:     summary,
		Issues:      DetectIssues(summary, now, m.cfg.SlowCeiling),
		Cost:        EstimateCost(summary.ProcessedMinutes, ws, m.rates),
		GeneratedAt: now,
	}
	if summary.Finished() > 0 {
		m.cfg.Metrics.SetSuccessRate(workspaceID, summary.SuccessRate)
	}
	if len(report.Issues) > 0 {
		m.logger.Warn("detection performance issues", "workspace_id", workspaceID, "issues", len(report.Issues))
	}
	return report, nil
}

// Summarize aggregates jobs.
func Summarize(jobs []*detection.Job) Summary {
	var s Summary
	var totalDuration, totalScenes, mediaSeconds float64
	s.MinDuration = math.Inf(1)

	for _, j := range jobs {
		s.Total++
		switch j.Status {
		case detection.StatusCompleted:
			s.Completed++
			d := j.Duration.Seconds()
			totalDuration += d
			s.MinDuration = math.Min(s.MinDuration, d)
			s.MaxDuration = math.Max(s.MaxDuration, d)
			totalScenes += float64(j.SceneCount)
			mediaSeconds += j.MediaDuration
		case detection.StatusFailed:
			s.Failed++
			at := j.UpdatedAt
			if j.CompletedAt != nil {
				at = *j.CompletedAt
			}
			if s.LastFailureAt == nil || at.After(*s.LastFailureAt) {
				s.LastFailureAt = &at
			}
		case detection.StatusCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
	}

	if s.Completed > 0 {
		n := float64(s.Completed)
		s.AverageDuration = totalDuration / n
		s.AverageScenes = totalScenes / n
	} else {
		s.MinDuration = 0
	}
	if s.Finished() > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Finished())
	}
	s.ProcessedMinutes = mediaSeconds / 60
	return s
}

// DetectIssues flags problems in s. A window without finished jobs has none.
func DetectIssues(s Summary, now time.Time, slowCeiling time.Duration) []Issue {
	issues := []Issue{}
	if s.Finished() == 0 {
		return issues
	}
	if s.SuccessRate < MinSuccessRate {
		issues = append(issues, Issue{
			Type:     IssueLowSuccessRate,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("success rate %.0f%% is below %.0f%%", s.SuccessRate*100, MinSuccessRate*100),
			Value:    s.SuccessRate,
		})
	}
	if s.Completed > 0 && s.AverageDuration > slowCeiling.Seconds() {
		issues = append(issues, Issue{
			Type:     IssueSlowProcessing,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("average processing time %.0fs exceeds %.0fs", s.AverageDuration, slowCeiling.Seconds()),
			Value:    s.AverageDuration,
		})
	}
	if s.LastFailureAt != nil && now.Sub(*s.LastFailureAt) <= RecentFailureWindow {
		issues = append(issues, Issue{
			Type:     IssueRecentFailures,
			Severity: SeverityHigh,
			Message:  "detection failed within the last 24 hours",
			Value:    float64(s.Failed),
		})
	}
	return issues
}

// EstimateCost prices processed minutes with the features the workspace has
// enabled. Multi-modal is only charged when heavy AI is on.
func EstimateCost(minutes float64, ws settings.Workspace, rates CostRates) Cost {
	c := Cost{
		ProcessedMinutes: minutes,
		Breakdown:        map[string]float64{"base": minutes * rates.Base},
	}
	rate := rates.Base
	if ws.MultiModalEnabled && ws.HeavyAIEnabled {
		rate += rates.MultiModal
		c.Breakdown["multi_modal"] = minutes * rates.MultiModal
	}
	if ws.AudioAnalysisEnabled {
		rate += rates.AudioAnalysis
		c.Breakdown["audio_analysis"] = minutes * rates.AudioAnalysis
	}
	if ws.TextSegmentationEnabled {
		rate += rates.TextSegmentation
		c.Breakdown["text_segmentation"] = minutes * rates.TextSegmentation
	}
	c.RatePerMinute = rate
	c.Total = minutes * rate
	return c
}
