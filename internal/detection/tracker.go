package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/validate"
)

// OptionsFunc derives validation options for a job's resolved parameters.
type OptionsFunc func(scene.Params) validate.Options

// Tracker is the job state machine. Scenes become visible only through
// Complete, which commits them in a single transaction.
type Tracker struct {
	conn      *sql.DB
	jobs      *SQLiteRepository
	scenes    *scene.SQLiteRepository
	analytics *analytics.SQLiteRepository
	locks     *scene.Locks
	options   OptionsFunc
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type TrackerConfig struct {
	Locks   *scene.Locks
	Options OptionsFunc
	Metrics *metrics.Metrics
}

func NewTracker(conn *sql.DB, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if cfg.Locks == nil {
		cfg.Locks = scene.NewLocks()
	}
	if cfg.Options == nil {
		cfg.Options = validate.OptionsFor
	}
	return &Tracker{
		conn:      conn,
		jobs:      NewRepository(conn),
		scenes:    scene.NewRepository(conn),
		analytics: analytics.NewRepository(conn),
		locks:     cfg.Locks,
		options:   cfg.Options,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a pending job.
func (t *Tracker) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := t.now()
	job := &Job{
		ID:          scene.NewID(),
		ContentID:   req.ContentID,
		WorkspaceID: req.WorkspaceID,
		OwnerID:     req.OwnerID,
		SourceRef:   req.SourceRef,
		Status:      StatusPending,
		Parameters:  req.Params.Normalize(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	t.logger.Info("detection job submitted", "job_id", job.ID, "content_id", job.ContentID, "params", job.Parameters.Key())
	return job, nil
}

// Get returns the job or ErrNotFound.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, scene.NotFoundf("job %s", jobID)
	}
	return job, nil
}

func (t *Tracker) List(ctx context.Context, f Filter) ([]*Job, error) {
	return t.jobs.List(ctx, f)
}

func (t *Tracker) ListActiveByContent(ctx context.Context, contentID string) ([]*Job, error) {
	return t.jobs.ListActiveByContent(ctx, contentID)
}

// LatestForContent returns the newest job for contentID or ErrNotFound.
func (t *Tracker) LatestForContent(ctx context.Context, contentID string) (*Job, error) {
	job, err := t.jobs.LatestForContent(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, scene.NotFoundf("no detection job for content %s", contentID)
	}
	return job, nil
}

// Advance records progress. The first call moves a pending job to processing.
func (t *Tracker) Advance(ctx context.Context, jobID, step string, progress int) (*Job, error) {
	job, err := t.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, scene.Conflictf("job %s is %s", jobID, job.Status)
	}

	now := t.now()
	if job.Status == StatusPending {
		job.Status = StatusProcessing
		job.StartedAt = &now
	}
	job.CurrentStep = step
	job.Progress = min(max(progress, job.Progress, 0), 100)
	job.UpdatedAt = now

	if err := t.jobs.Transition(ctx, job, activeStatuses...); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete validates the candidates and, if they pass, atomically replaces
// the content's scene set, marks the job completed, records analytics and
// marks the durable cache state. A validation failure fails the job and
// discards every candidate.
func (t *Tracker) Complete(ctx context.Context, jobID string, result *Result) (*Job, []*scene.Scene, validate.Result, error) {
	job, err := t.Get(ctx, jobID)
	if err != nil {
		return nil, nil, validate.Result{}, err
	}
	if job.Status.Terminal() {
		return nil, nil, validate.Result{}, scene.Conflictf("job %s is %s", jobID, job.Status)
	}

	vres := validate.ValidateAll(result.Scenes, t.options(job.Parameters))
	if !vres.Valid {
		verr := vres.Err()
		if _, ferr := t.Fail(ctx, jobID, verr); ferr != nil {
			t.logger.Error("failed to fail job after validation error", "job_id", jobID, "error", ferr)
		}
		return nil, nil, vres, verr
	}
	for _, w := range vres.Warnings {
		if w.Code == validate.CodeDuplicate {
			t.logger.Warn("dropped duplicate candidate", "job_id", jobID, "detail", w.String())
		}
	}

	release := t.locks.Lock(job.ContentID)
	defer release()

	now := t.now()
	scenes := make([]*scene.Scene, len(vres.Scenes))
	for i, c := range vres.Scenes {
		scenes[i] = c.ToScene(job.ContentID, job.WorkspaceID, job.OwnerID, job.ID, job.Parameters, now)
	}
	scene.Reindex(scenes)

	job.SceneCount = len(scenes)
	job.MediaDuration = result.mediaDuration()
	job.Progress = 100
	job.CurrentStep = "completed"
	job.finish(StatusCompleted, now)

	err = db.WithTx(ctx, t.conn, func(tx *sql.Tx) error {
		sceneRepo := t.scenes.WithTx(tx)
		if _, err := sceneRepo.DeleteByContent(ctx, job.ContentID); err != nil {
			return fmt.Errorf("replace scenes: %w", err)
		}
		for _, s := range scenes {
			if err := sceneRepo.Insert(ctx, s); err != nil {
				return err
			}
		}
		if err := t.jobs.WithTx(tx).Transition(ctx, job, activeStatuses...); err != nil {
			return err
		}
		rec := analytics.NewRecord(job.ID, job.ContentID, job.WorkspaceID, job.OwnerID, job.Parameters, scenes, now)
		if err := analytics.Save(ctx, t.analytics.WithTx(tx), rec); err != nil {
			return err
		}
		return sceneRepo.MarkDetected(ctx, job.ContentID, job.Parameters.Key(), job.ID)
	})
	if err != nil {
		if !errors.Is(err, scene.ErrConflict) {
			if _, ferr := t.Fail(ctx, jobID, fmt.Errorf("commit scenes: %w", err)); ferr != nil {
				t.logger.Error("failed to fail job after commit error", "job_id", jobID, "error", ferr)
			}
		}
		return nil, nil, vres, err
	}

	t.metrics.ObserveJob(string(StatusCompleted), job.Duration)
	t.metrics.AddScenes(len(scenes))
	t.logger.Info("detection job completed", "job_id", job.ID, "content_id", job.ContentID,
		"original_count", vres.OriginalCount, "final_count", vres.FinalCount, "warnings", len(vres.Warnings))
	return job, scenes, vres, nil
}

// Fail moves an active job to failed, keeping the error message verbatim.
func (t *Tracker) Fail(ctx context.Context, jobID string, cause error) (*Job, error) {
	job, err := t.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, scene.Conflictf("job %s is %s", jobID, job.Status)
	}

	job.Error = cause.Error()
	job.finish(StatusFailed, t.now())
	if err := t.jobs.Transition(ctx, job, activeStatuses...); err != nil {
		return nil, err
	}

	t.metrics.ObserveJob(string(StatusFailed), job.Duration)
	t.logger.Warn("detection job failed", "job_id", job.ID, "content_id", job.ContentID, "error", job.Error)
	return job, nil
}

// Cancel is legal only from pending or processing.
func (t *Tracker) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := t.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Active() {
		return nil, scene.Conflictf("job %s is %s and cannot be cancelled", jobID, job.Status)
	}

	job.finish(StatusCancelled, t.now())
	if err := t.jobs.Transition(ctx, job, activeStatuses...); err != nil {
		return nil, err
	}

	t.metrics.ObserveJob(string(StatusCancelled), job.Duration)
	t.logger.Info("detection job cancelled", "job_id", job.ID, "content_id", job.ContentID)
	return job, nil
}
