package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/logging"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/settings"
)

func job(status detection.Status, took time.Duration, scenes int, media float64, at time.Time) *detection.Job {
	j := &detection.Job{
		ID:            scene.NewID(),
		ContentID:     scene.NewID(),
		WorkspaceID:   "w1",
		Status:        status,
		Parameters:    scene.DefaultParams(),
		SceneCount:    scenes,
		MediaDuration: media,
		CreatedAt:     at.Add(-took),
		UpdatedAt:     at,
	}
	if status.Terminal() {
		j.CompletedAt = &at
		j.Duration = took
	}
	return j
}

func TestSummarize(t *testing.T) {
	now := time.Now().UTC()
	s := Summarize([]*detection.Job{
		job(detection.StatusCompleted, 60*time.Second, 10, 600, now),
		job(detection.StatusCompleted, 120*time.Second, 20, 1200, now),
		job(detection.StatusFailed, 5*time.Second, 0, 0, now.Add(-time.Hour)),
		job(detection.StatusCancelled, time.Second, 0, 0, now),
		job(detection.StatusProcessing, 0, 0, 0, now),
	})

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 1, s.Active)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 90.0, s.AverageDuration)
	assert.Equal(t, 60.0, s.MinDuration)
	assert.Equal(t, 120.0, s.MaxDuration)
	assert.Equal(t, 15.0, s.AverageScenes)
	assert.Equal(t, 30.0, s.ProcessedMinutes)
	require.NotNil(t, s.LastFailureAt)

	empty := Summarize(nil)
	assert.Zero(t, empty.MinDuration)
	assert.Zero(t, empty.SuccessRate)
}

func TestDetectIssues(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-2 * time.Hour)
	old := now.Add(-48 * time.Hour)

	tests := []struct {
		name string
		s    Summary
		want []string
	}{
		{"no finished jobs", Summary{Active: 3}, nil},
		{"healthy", Summary{Completed: 10, SuccessRate: 1, AverageDuration: 30}, nil},
		{"low success old failure", Summary{Completed: 8, Failed: 2, SuccessRate: 0.8, AverageDuration: 30, LastFailureAt: &old},
			[]string{IssueLowSuccessRate}},
		{"slow", Summary{Completed: 5, SuccessRate: 1, AverageDuration: 301}, []string{IssueSlowProcessing}},
		{"recent failure", Summary{Completed: 19, Failed: 1, SuccessRate: 0.95, AverageDuration: 30, LastFailureAt: &recent},
			[]string{IssueRecentFailures}},
		{"everything", Summary{Completed: 1, Failed: 1, SuccessRate: 0.5, AverageDuration: 900, LastFailureAt: &recent},
			[]string{IssueLowSuccessRate, IssueSlowProcessing, IssueRecentFailures}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, is := range DetectIssues(tt.s, now, DefaultSlowCeiling) {
				got = append(got, is.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectIssues_Severity(t *testing.T) {
	now := time.Now()
	issues := DetectIssues(Summary{Completed: 1, Failed: 1, SuccessRate: 0.5, AverageDuration: 900, LastFailureAt: &now}, now, DefaultSlowCeiling)
	require.Len(t, issues, 3)
	assert.Equal(t, SeverityHigh, issues[0].Severity)
	assert.Equal(t, SeverityMedium, issues[1].Severity)
	assert.Equal(t, SeverityHigh, issues[2].Severity)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name string
		ws   settings.Workspace
		rate float64
	}{
		{"base only", settings.Workspace{}, 0.01},
		{"multi-modal", settings.Workspace{MultiModalEnabled: true, HeavyAIEnabled: true}, 0.03},
		{"multi-modal without heavy ai", settings.Workspace{MultiModalEnabled: true}, 0.01},
		{"all features", settings.Workspace{MultiModalEnabled: true, HeavyAIEnabled: true, AudioAnalysisEnabled: true, TextSegmentationEnabled: true}, 0.045},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := EstimateCost(100, tt.ws, DefaultRates)
			assert.InDelta(t, tt.rate, c.RatePerMinute, 1e-9)
			assert.InDelta(t, tt.rate*100, c.Total, 1e-9)

			var sum float64
			for _, v := range c.Breakdown {
				sum += v
			}
			assert.InDelta(t, c.Total, sum, 1e-9)
		})
	}
}

func TestMonitor_Report(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	jobs := detection.NewRepository(database.Conn())
	svc := settings.NewService(settings.NewRepository(database.Conn()), logging.Discard())
	ws := settings.Defaults("w1")
	ws.AudioAnalysisEnabled = true
	_, err = svc.Update(ctx, ws)
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, j := range []*detection.Job{
		job(detection.StatusCompleted, 40*time.Second, 8, 300, now.Add(-time.Hour)),
		job(detection.StatusCompleted, 20*time.Second, 4, 300, now.Add(-2*time.Hour)),
		job(detection.StatusFailed, 10*time.Second, 0, 0, now.Add(-3*time.Hour)),
		job(detection.StatusCompleted, 20*time.Second, 4, 6000, now.Add(-30*24*time.Hour)),
	} {
		require.NoError(t, jobs.Create(ctx, j))
	}

	m := metrics.New("test")
	mon := New(jobs, svc, Config{Metrics: m}, logging.Discard())
	report, err := mon.Report(ctx, "w1", 0)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Summary.Total)
	assert.InDelta(t, 2.0/3.0, report.Summary.SuccessRate, 1e-9)
	assert.Equal(t, 30.0, report.Summary.AverageDuration)
	assert.Equal(t, 10.0, report.Summary.ProcessedMinutes)

	var types []string
	for _, is := range report.Issues {
		types = append(types, is.Type)
	}
	assert.Equal(t, []string{IssueLowSuccessRate, IssueRecentFailures}, types)

	// defaults have multi-modal and heavy AI on, plus audio analysis
	assert.InDelta(t, 0.04, report.Cost.RatePerMinute, 1e-9)
	assert.InDelta(t, 0.4, report.Cost.Total, 1e-9)
	assert.InDelta(t, 2.0/3.0, testutil.ToFloat64(m.SuccessRate.WithLabelValues("w1")), 1e-9)

	report, err = mon.Report(ctx, "w2", 0)
	require.NoError(t, err)
	assert.Zero(t, report.Summary.Total)
	assert.Empty(t, report.Issues)
}
