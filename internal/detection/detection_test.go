package detection

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/cache"
	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/logging"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/settings"
	"github.com/heimdex/heimdex-scenes/internal/validate"
)

type fixture struct {
	conn     *sql.DB
	tracker  *Tracker
	scenes   *scene.SQLiteRepository
	analytic *analytics.SQLiteRepository
	cache    *cache.ResultCache
	settings *settings.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	conn := database.Conn()
	logger := logging.Discard()
	sceneRepo := scene.NewRepository(conn)
	return &fixture{
		conn:     conn,
		tracker:  NewTracker(conn, TrackerConfig{}, logger),
		scenes:   sceneRepo,
		analytic: analytics.NewRepository(conn),
		cache:    cache.New(16, logger, cache.WithStore(sceneRepo)),
		settings: settings.NewService(settings.NewRepository(conn), logger),
	}
}

func (f *fixture) runner(d Detector, timeout time.Duration) *Runner {
	return NewRunner(f.tracker, RunnerConfig{
		Detector: d,
		Resolver: f.settings,
		Cache:    f.cache,
		Timeout:  timeout,
	}, logging.Discard())
}

func contiguous(n int, length float64) []scene.Candidate {
	out := make([]scene.Candidate, n)
	for i := range out {
		out[i] = scene.Candidate{Start: float64(i) * length, End: float64(i+1) * length}
	}
	return out
}

func submit(t *testing.T, f *fixture, contentID string) *Job {
	t.Helper()
	job, err := f.tracker.Submit(context.Background(), Request{
		ContentID: contentID, WorkspaceID: "w1", OwnerID: "o1", SourceRef: "/media/a.mp4",
		Params: scene.DefaultParams(),
	})
	require.NoError(t, err)
	return job
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	job := submit(t, f, "c1")
	assert.Equal(t, StatusPending, job.Status)

	job, err := f.tracker.Advance(ctx, job.ID, "shots", 40)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.NotNil(t, job.StartedAt)

	done, scenes, vres, err := f.tracker.Complete(ctx, job.ID, &Result{Scenes: contiguous(4, 5)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 4, done.SceneCount)
	assert.Equal(t, 20.0, done.MediaDuration)
	assert.Equal(t, 100, done.Progress)
	assert.Len(t, scenes, 4)
	assert.Equal(t, 4, vres.FinalCount)

	stored, err := f.tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.GreaterOrEqual(t, stored.Duration, time.Duration(0))

	persisted, err := f.scenes.ListByContent(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, persisted, 4)
	for i, s := range persisted {
		assert.Equal(t, i, s.SceneIndex)
		assert.Equal(t, job.ID, s.JobID)
	}

	rec, err := f.analytic.LatestForContent(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 4, rec.SceneCount)
	assert.Equal(t, job.ID, rec.JobID)

	st, err := f.scenes.DetectionState(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, st.Valid)
	assert.Equal(t, scene.DefaultParams().Key(), st.ParamsKey)

	_, err = f.tracker.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, scene.ErrConflict)
	_, err = f.tracker.Advance(ctx, job.ID, "late", 50)
	assert.ErrorIs(t, err, scene.ErrConflict)
}

func TestTracker_CompleteReplacesPreviousScenes(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first := submit(t, f, "c1")
	_, _, _, err := f.tracker.Complete(ctx, first.ID, &Result{Scenes: contiguous(6, 5)})
	require.NoError(t, err)

	second := submit(t, f, "c1")
	_, _, _, err = f.tracker.Complete(ctx, second.ID, &Result{Scenes: contiguous(3, 10)})
	require.NoError(t, err)

	all, err := f.scenes.ListByContent(ctx, "c1", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, s := range all {
		assert.Equal(t, second.ID, s.JobID)
	}
}

func TestTracker_ValidationFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	job := submit(t, f, "c1")

	cands := append(contiguous(3, 5), scene.Candidate{Start: 20, End: 20.2})
	_, _, vres, err := f.tracker.Complete(ctx, job.ID, &Result{Scenes: cands})
	require.Error(t, err)
	assert.ErrorIs(t, err, scene.ErrValidation)
	assert.Equal(t, 1, validate.Count(vres.Errors, validate.CodeTooShort))

	stored, err := f.tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "too_short")

	persisted, err := f.scenes.ListByContent(ctx, "c1", true)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	rec, err := f.analytic.LatestForContent(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no analytics for a failed run")
}

func TestTracker_CancelledJobCannotComplete(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	job := submit(t, f, "c1")

	cancelled, err := f.tracker.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, _, _, err = f.tracker.Complete(ctx, job.ID, &Result{Scenes: contiguous(2, 5)})
	assert.ErrorIs(t, err, scene.ErrConflict)

	persisted, err := f.scenes.ListByContent(ctx, "c1", true)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestTracker_FailKeepsMessageVerbatim(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	job := submit(t, f, "c1")

	failed, err := f.tracker.Fail(ctx, job.ID, errors.New("decoder: unsupported codec hevc"))
	require.NoError(t, err)
	assert.Equal(t, "decoder: unsupported codec hevc", failed.Error)

	_, err = f.tracker.Fail(ctx, job.ID, errors.New("again"))
	assert.ErrorIs(t, err, scene.ErrConflict)

	_, err = f.tracker.Get(ctx, "missing")
	assert.ErrorIs(t, err, scene.ErrNotFound)
}

func TestTracker_SubmitValidates(t *testing.T) {
	f := setup(t)
	_, err := f.tracker.Submit(context.Background(), Request{Params: scene.DefaultParams()})
	assert.ErrorIs(t, err, scene.ErrValidation)
}

func TestRunner_DetectThenCacheHit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	var calls atomic.Int32
	d := DetectorFunc(func(ctx context.Context, ref string, p scene.Params, progress ProgressFunc) (*Result, error) {
		calls.Add(1)
		progress("shots", 50)
		return &Result{Scenes: contiguous(5, 4), MediaDuration: 21}, nil
	})
	r := f.runner(d, time.Second)
	defer r.Close()

	req := DetectRequest{ContentID: "c1", WorkspaceID: "w1", SourceRef: "/media/a.mp4"}
	out, err := r.Detect(ctx, req)
	require.NoError(t, err)
	assert.False(t, out.Cached)
	require.NotNil(t, out.Job)
	assert.Equal(t, StatusCompleted, out.Job.Status)
	assert.Equal(t, 21.0, out.Job.MediaDuration)

	sens := 0.3
	again, err := r.Detect(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1", Overrides: scene.Overrides{Sensitivity: &sens}})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Len(t, again.Scenes, 5)
	assert.Equal(t, int32(1), calls.Load())

	forced, err := r.Detect(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1", Force: true})
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_DetectorErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	d := DetectorFunc(func(context.Context, string, scene.Params, ProgressFunc) (*Result, error) {
		return nil, errors.New("model server returned 503")
	})
	r := f.runner(d, time.Second)
	defer r.Close()

	out, err := r.Detect(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, scene.ErrDetection)
	require.NotNil(t, out.Job)
	assert.Equal(t, StatusFailed, out.Job.Status)
	assert.Equal(t, "model server returned 503", out.Job.Error)
}

func TestRunner_TimeoutFailsJob(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	d := DetectorFunc(func(ctx context.Context, _ string, _ scene.Params, _ ProgressFunc) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := f.runner(d, 50*time.Millisecond)
	defer r.Close()

	out, err := r.Detect(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, scene.ErrDetection)

	job, err := f.tracker.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")
}

func TestRunner_StartAndCancel(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	started := make(chan struct{})
	d := DetectorFunc(func(ctx context.Context, _ string, _ scene.Params, _ ProgressFunc) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := f.runner(d, 0)

	out, err := r.Start(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Job.Status)

	<-started
	cancelled, err := r.Cancel(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	r.Close()

	job, err := f.tracker.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)

	persisted, err := f.scenes.ListByContent(ctx, "c1", true)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestRunner_RerunCancelsActiveJobs(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	d := DetectorFunc(func(ctx context.Context, _ string, _ scene.Params, _ ProgressFunc) (*Result, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		<-release
		return &Result{Scenes: contiguous(2, 5)}, nil
	})
	r := f.runner(d, 0)

	first, err := r.Start(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1"})
	require.NoError(t, err)
	<-started

	second, err := r.Rerun(ctx, DetectRequest{ContentID: "c1", WorkspaceID: "w1"})
	require.NoError(t, err)
	close(release)
	r.Close()

	j1, err := f.tracker.Get(ctx, first.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j1.Status)

	latest, err := f.tracker.LatestForContent(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, second.Job.ID, latest.ID)
	assert.Equal(t, StatusCompleted, latest.Status)
}

func TestJobJSON_DurationOnlyWhenTerminal(t *testing.T) {
	j := &Job{ID: "j", Status: StatusProcessing}
	b, err := j.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "duration_ms")

	j.Status = StatusCompleted
	j.Duration = 1500 * time.Millisecond
	b, err = j.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"duration_ms":1500`)
}
