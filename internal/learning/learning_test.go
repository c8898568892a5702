package learning

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/editing"
	"github.com/heimdex/heimdex-scenes/internal/logging"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/settings"
)

func ptr[T any](v T) *T { return &v }

func record(workspaceID string, sensitivity float64, scenes, edits int, quality *float64, at time.Time) *analytics.Record {
	p := scene.DefaultParams()
	p.Sensitivity = sensitivity
	return &analytics.Record{
		ID:             scene.NewID(),
		ContentID:      scene.NewID(),
		WorkspaceID:    workspaceID,
		JobID:          scene.NewID(),
		SceneCount:     scenes,
		Params:         p,
		AverageQuality: quality,
		Edits:          analytics.Edits{Total: edits},
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// scenarioD builds history where sensitivity 0.2 needed many corrections and
// 0.4 needed few.
func scenarioD(workspaceID string, at time.Time) []*analytics.Record {
	q := ptr(0.7)
	recs := []*analytics.Record{
		record(workspaceID, 0.2, 10, 8, q, at),
		record(workspaceID, 0.2, 10, 8, q, at),
	}
	for i := range 10 {
		edits := 0
		if i == 0 {
			edits = 9
		}
		recs = append(recs, record(workspaceID, 0.4, 9, edits, q, at))
	}
	return recs
}

func TestScore(t *testing.T) {
	tests := []struct {
		name                      string
		editRate, quality, scenes float64
		want                      float64
	}{
		{"perfect", 0, 1, 20, 0.4 + 0.3 + 0.2*0 + 0.1},
		{"in range", 0.1, 0.7, 9, 0.32 + 0.21 + 0.2 + 0.045},
		{"heavy edits", 0.8, 0.7, 10, 0 + 0.21 + 0.2 + 0.05},
		{"few scenes", 0, 0.5, 2, 0.4 + 0.15 + 0.2*0.2 + 0.01},
		{"far too many", 0, 0.5, 40, 0.4 + 0.15 + 0 + 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.editRate, tt.quality, tt.scenes), 1e-9)
		})
	}
}

func TestLearnSensitivity_ScenarioD(t *testing.T) {
	res := LearnSensitivity(scenarioD("w1", time.Now()))
	require.NotNil(t, res)
	assert.Equal(t, 0.4, res.Optimal)
	assert.InDelta(t, 0.775, res.Confidence, 1e-9)
	assert.True(t, res.Trusted())

	require.Len(t, res.Groups, 2)
	assert.Equal(t, 0.2, res.Groups[0].Sensitivity)
	assert.InDelta(t, 0.8, res.Groups[0].EditRate, 1e-9)
	assert.InDelta(t, 0.1, res.Groups[1].EditRate, 1e-9)
	assert.InDelta(t, 9.0, res.Groups[1].AverageScenes, 1e-9)
}

func TestLearnSensitivity_Edges(t *testing.T) {
	assert.Nil(t, LearnSensitivity(nil))

	res := LearnSensitivity([]*analytics.Record{record("w1", 0.333, 0, 0, nil, time.Now())})
	require.NotNil(t, res)
	assert.Equal(t, 0.33, res.Optimal)
	assert.Equal(t, 0.5, res.Groups[0].AverageQuality)
	assert.False(t, res.Trusted())
}

func superseded(duration float64, children int) *scene.Scene {
	s := &scene.Scene{ID: scene.NewID(), Start: 0, End: duration, IsMerged: true}
	for range children {
		s.SplitInto = append(s.SplitInto, scene.NewID())
	}
	return s
}

func TestLearnLengths(t *testing.T) {
	var in []*scene.Scene
	for _, d := range []float64{1, 2, 3, 4, 5, 6} {
		in = append(in, superseded(d, 1))
	}
	for _, d := range []float64{30, 40, 50, 60, 70} {
		in = append(in, superseded(d, 2))
	}
	in = append(in, &scene.Scene{Start: 0, End: 99})

	res := LearnLengths(in)
	assert.Equal(t, 6, res.MergedSamples)
	assert.Equal(t, 5, res.SplitSamples)
	require.NotNil(t, res.MinSceneLength)
	assert.InDelta(t, 4.75, *res.MinSceneLength, 1e-9)
	assert.Nil(t, res.MaxSceneLength, "five samples are not enough")

	in = append(in, superseded(80, 3))
	res = LearnLengths(in)
	require.NotNil(t, res.MaxSceneLength)
	assert.InDelta(t, 42.5, *res.MaxSceneLength, 1e-9)
}

func TestRecommend_Tolerances(t *testing.T) {
	cur := Current{SceneCount: 12, AverageLength: 3, MinLength: 1, MaxLength: 60, Sensitivity: 0.5}

	rec := recommend("w1", "c1", cur, &SensitivityResult{Optimal: 0.3}, &LengthResult{
		MinSceneLength: ptr(5.0),
		MaxSceneLength: ptr(40.0),
	})
	require.Contains(t, rec.Suggested, "sensitivity")
	assert.Contains(t, rec.Suggested["sensitivity"].Reason, "too many")
	assert.Equal(t, 5.0, rec.Suggested["min_scene_length"].Recommended)
	assert.Equal(t, 40.0, rec.Suggested["max_scene_length"].Recommended)

	rec = recommend("w1", "c1", cur, &SensitivityResult{Optimal: 0.45}, &LengthResult{
		MinSceneLength: ptr(3.5),
		MaxSceneLength: ptr(50.0),
	})
	assert.Empty(t, rec.Suggested)

	rec = recommend("w1", "c1", cur, nil, nil)
	assert.Empty(t, rec.Suggested)
}

type fixture struct {
	learner   *Learner
	analytics *analytics.SQLiteRepository
	scenes    *scene.SQLiteRepository
	settings  *settings.Service
	metrics   *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		analytics: analytics.NewRepository(database.Conn()),
		scenes:    scene.NewRepository(database.Conn()),
		settings:  settings.NewService(settings.NewRepository(database.Conn()), logging.Discard()),
		metrics:   metrics.New("test"),
	}
	f.learner = New(f.analytics, f.scenes, f.settings, Config{Metrics: f.metrics}, logging.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.learner.Stop(ctx)
	})
	return f
}

func TestLearn_AppliesTrustedSensitivity(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	now := time.Now().UTC()
	for _, rec := range scenarioD("w1", now) {
		require.NoError(t, f.analytics.Create(ctx, rec))
	}
	require.NoError(t, f.analytics.Create(ctx, record("w1", 0.9, 10, 0, ptr(1.0), now.Add(-60*24*time.Hour))))

	out, err := f.learner.Learn(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, 0.4, out.Sensitivity.Optimal)
	assert.Len(t, out.Sensitivity.Groups, 2, "rows outside the window are ignored")

	w, err := f.settings.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, w.DefaultSensitivity)
	require.NotNil(t, w.LearnedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LearnRunsTotal.WithLabelValues("applied")))
}

func TestLearn_SkipsUntrusted(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.NoError(t, f.analytics.Create(ctx, record("w1", 0.7, 40, 40, ptr(0.2), time.Now().UTC())))

	out, err := f.learner.Learn(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, out.Applied)

	w, err := f.settings.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, scene.DefaultSensitivity, w.DefaultSensitivity)
	assert.Nil(t, w.LearnedAt)

	_, err = f.learner.Learn(ctx, "")
	assert.ErrorIs(t, err, scene.ErrValidation)
}

func TestLearn_LengthsFromEdits(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	now := time.Now().UTC()
	for i := range 6 {
		s := scene.Candidate{Start: float64(i * 10), End: float64(i*10) + 2}.
			ToScene("c1", "w1", "o1", "j1", scene.DefaultParams(), now)
		s.IsMerged = true
		s.SplitInto = []string{"m1"}
		require.NoError(t, f.scenes.Insert(ctx, s))
	}

	out, err := f.learner.Learn(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, out.Applied)

	w, err := f.settings.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, w.DefaultMinSceneLength)
	assert.Equal(t, scene.DefaultSensitivity, w.DefaultSensitivity)
}

type blockingAnalytics struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingAnalytics) ListByWorkspace(context.Context, string, time.Time) ([]*analytics.Record, error) {
	b.calls.Add(1)
	<-b.release
	return nil, nil
}

func (b *blockingAnalytics) Workspaces(context.Context, time.Time) ([]string, error) {
	return []string{"w1"}, nil
}

type noScenes struct{}

func (noScenes) ListByContent(context.Context, string, bool) ([]*scene.Scene, error) { return nil, nil }
func (noScenes) ListSuperseded(context.Context, string, time.Time) ([]*scene.Scene, error) {
	return nil, nil
}

type unusedSettings struct{}

func (unusedSettings) ApplyLearned(context.Context, string, settings.Learned, time.Time) (settings.Workspace, error) {
	return settings.Workspace{}, fmt.Errorf("unexpected apply")
}

func TestLearn_ConcurrentTriggersCoalesce(t *testing.T) {
	store := &blockingAnalytics{release: make(chan struct{})}
	l := New(store, noScenes{}, unusedSettings{}, Config{}, logging.Discard())

	var wg sync.WaitGroup
	results := make([]*Outcome, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := l.Learn(context.Background(), "w1")
			assert.NoError(t, err)
			results[i] = out
		}()
	}

	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.Equal(t, int32(1), store.calls.Load())
	for _, out := range results {
		assert.Same(t, results[0], out)
	}
}

func TestSceneEdited_TriggersLearning(t *testing.T) {
	store := &blockingAnalytics{release: make(chan struct{})}
	close(store.release)
	l := New(store, noScenes{}, unusedSettings{}, Config{}, logging.Discard())

	l.SceneEdited(context.Background(), editing.Event{Kind: editing.KindAnnotate, WorkspaceID: "w1"})
	l.SceneEdited(context.Background(), editing.Event{Kind: "merge"})
	l.SceneEdited(context.Background(), editing.Event{Kind: "split", WorkspaceID: "w1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.Stop(ctx)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestStart_Schedule(t *testing.T) {
	l := New(&blockingAnalytics{}, noScenes{}, unusedSettings{}, Config{Schedule: "not a spec"}, logging.Discard())
	assert.Error(t, l.Start())

	l = New(&blockingAnalytics{}, noScenes{}, unusedSettings{}, Config{Schedule: "off"}, logging.Discard())
	assert.NoError(t, l.Start())

	l = New(&blockingAnalytics{}, noScenes{}, unusedSettings{}, Config{Schedule: "@every 1h"}, logging.Discard())
	require.NoError(t, l.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.Stop(ctx)
}

func TestRecommendations(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	now := time.Now().UTC()
	for _, rec := range scenarioD("w1", now) {
		require.NoError(t, f.analytics.Create(ctx, rec))
	}
	params := scene.DefaultParams()
	params.Sensitivity = 0.7
	for i := range 3 {
		s := scene.Candidate{Start: float64(i * 10), End: float64(i*10) + 10}.
			ToScene("c1", "w1", "o1", "j1", params, now)
		s.SceneIndex = i
		require.NoError(t, f.scenes.Insert(ctx, s))
	}

	rec, err := f.learner.Recommendations(ctx, "", "c1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkspaceID)
	assert.Equal(t, 3, rec.Current.SceneCount)
	assert.Equal(t, 10.0, rec.Current.AverageLength)
	require.Contains(t, rec.Suggested, "sensitivity")
	assert.Equal(t, 0.4, rec.Suggested["sensitivity"].Recommended)

	_, err = f.learner.Recommendations(ctx, "w1", "missing")
	assert.ErrorIs(t, err, scene.ErrNotFound)
}
