package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

// ProgressFunc receives intermediate progress from a detector.
type ProgressFunc func(step string, progress int)

// Detector is the external scene detection collaborator.
type Detector interface {
	DetectScenes(ctx context.Context, sourceRef string, params scene.Params, progress ProgressFunc) (*Result, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, sourceRef string, params scene.Params, progress ProgressFunc) (*Result, error)

func (f DetectorFunc) DetectScenes(ctx context.Context, sourceRef string, params scene.Params, progress ProgressFunc) (*Result, error) {
	return f(ctx, sourceRef, params, progress)
}

// ParamResolver turns caller overrides into frozen parameters using the
// workspace defaults.
type ParamResolver interface {
	Resolve(ctx context.Context, workspaceID string, overrides scene.Overrides) (scene.Params, error)
}

// ResultCache is the subset of the result cache the runner needs.
type ResultCache interface {
	Get(ctx context.Context, contentID string, params scene.Params) ([]*scene.Scene, bool)
	Replace(ctx context.Context, contentID string, params scene.Params, scenes []*scene.Scene)
}

// CompletionObserver is told about every committed detection.
type CompletionObserver interface {
	DetectionCompleted(ctx context.Context, job *Job)
}

type DetectRequest struct {
	ContentID   string          `json:"content_id"`
	WorkspaceID string          `json:"workspace_id"`
	OwnerID     string          `json:"owner_id,omitempty"`
	SourceRef   string          `json:"source_ref"`
	Overrides   scene.Overrides `json:"parameters"`
	// Force skips the result cache.
	Force bool `json:"force,omitempty"`
}

// Outcome is either a cache hit (Cached with Scenes) or a submitted job.
type Outcome struct {
	Job    *Job           `json:"job,omitempty"`
	Scenes []*scene.Scene `json:"scenes,omitempty"`
	Params scene.Params   `json:"parameters"`
	Cached bool           `json:"cached"`
}

// Runner orchestrates detection: parameter resolution, cache lookup, job
// submission, the detector call with its timeout, and completion.
type Runner struct {
	tracker  *Tracker
	detector Detector
	resolver ParamResolver
	cache    ResultCache
	observer CompletionObserver
	timeout  time.Duration
	logger   *slog.Logger

	root     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

type RunnerConfig struct {
	Detector Detector
	Resolver ParamResolver
	Cache    ResultCache
	Observer CompletionObserver
	Timeout  time.Duration
}

func NewRunner(tracker *Tracker, cfg RunnerConfig, logger *slog.Logger) *Runner {
	root, stop := context.WithCancel(context.Background())
	return &Runner{
		tracker:  tracker,
		detector: cfg.Detector,
		resolver: cfg.Resolver,
		cache:    cfg.Cache,
		observer: cfg.Observer,
		timeout:  cfg.Timeout,
		logger:   logger,
		root:     root,
		stop:     stop,
		inflight: make(map[string]context.CancelFunc),
	}
}

func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// Start resolves parameters and either returns cached scenes or submits a job
// and runs the detector in the background. The returned job is pending.
func (r *Runner) Start(ctx context.Context, req DetectRequest) (*Outcome, error) {
	out, err := r.prepare(ctx, req)
	if err != nil || out.Cached {
		return out, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.execute(r.root, out.Job); err != nil {
			r.logger.Debug("background detection ended with error", "job_id", out.Job.ID, "error", err)
		}
	}()
	return out, nil
}

// Detect is Start followed by waiting for the job to finish. It is used by
// batch detection where the window must not advance before the item resolves.
func (r *Runner) Detect(ctx context.Context, req DetectRequest) (*Outcome, error) {
	out, err := r.prepare(ctx, req)
	if err != nil || out.Cached {
		return out, err
	}

	r.wg.Add(1)
	defer r.wg.Done()
	job, err := r.execute(ctx, out.Job)
	if job != nil {
		out.Job = job
	}
	return out, err
}

// Rerun cancels any pending or processing job for the content and starts a
// fresh detection that bypasses the cache.
func (r *Runner) Rerun(ctx context.Context, req DetectRequest) (*Outcome, error) {
	active, err := r.tracker.ListActiveByContent(ctx, req.ContentID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range active {
		if _, err := r.Cancel(ctx, j.ID); err != nil && !errors.Is(err, scene.ErrConflict) {
			return nil, err
		}
	}
	req.Force = true
	return r.Start(ctx, req)
}

// Cancel cancels the job and aborts its in-flight detector call.
func (r *Runner) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.tracker.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	cancel, ok := r.inflight[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return job, nil
}

// Close aborts in-flight detector calls and waits for them to settle.
func (r *Runner) Close() {
	r.stop()
	r.wg.Wait()
}

func (r *Runner) prepare(ctx context.Context, req DetectRequest) (*Outcome, error) {
	if r.root.Err() != nil {
		return nil, errors.New("detection runner is closed")
	}
	params, err := r.resolver.Resolve(ctx, req.WorkspaceID, req.Overrides)
	if err != nil {
		return nil, err
	}

	if !req.Force && r.cache != nil {
		if scenes, ok := r.cache.Get(ctx, req.ContentID, params); ok {
			r.logger.Info("detection served from cache", "content_id", req.ContentID, "params", params.Key())
			return &Outcome{Scenes: scenes, Params: params, Cached: true}, nil
		}
	}

	job, err := r.tracker.Submit(ctx, Request{
		ContentID:   req.ContentID,
		WorkspaceID: req.WorkspaceID,
		OwnerID:     req.OwnerID,
		SourceRef:   req.SourceRef,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Job: job, Params: params}, nil
}

func (r *Runner) execute(parent context.Context, job *Job) (*Job, error) {
	var ctx context.Context
	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	// Cancel from the root as well so Close reaches synchronous callers.
	stopRoot := context.AfterFunc(r.root, cancel)
	defer stopRoot()

	r.mu.Lock()
	r.inflight[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, job.ID)
		r.mu.Unlock()
	}()

	// Bookkeeping must survive cancellation of the detector call.
	bg := context.WithoutCancel(ctx)
	logger := r.logger.With("job_id", job.ID, "content_id", job.ContentID)

	if _, err := r.tracker.Advance(bg, job.ID, "detecting", 0); err != nil {
		return nil, err
	}

	result, err := r.detector.DetectScenes(ctx, job.SourceRef, job.Parameters, func(step string, progress int) {
		if _, err := r.tracker.Advance(bg, job.ID, step, progress); err != nil {
			logger.Debug("progress update rejected", "step", step, "error", err)
		}
	})

	if cause := ctx.Err(); cause != nil {
		return nil, r.abandon(bg, job, cause)
	}
	if err != nil {
		failed, ferr := r.tracker.Fail(bg, job.ID, err)
		if ferr != nil {
			return nil, ferr
		}
		return failed, fmt.Errorf("job %s: %w", job.ID, &scene.DetectionError{Message: err.Error()})
	}
	if result == nil {
		result = &Result{}
	}

	done, scenes, _, err := r.tracker.Complete(bg, job.ID, result)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Replace(bg, job.ContentID, job.Parameters, scenes)
	}
	if r.observer != nil {
		r.observer.DetectionCompleted(bg, done)
	}
	return done, nil
}

// abandon settles a job whose detector context ended early: a timeout or
// shutdown fails it; an explicit cancel has already moved it to cancelled.
func (r *Runner) abandon(ctx context.Context, job *Job, cause error) error {
	var msg string
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		msg = fmt.Sprintf("detection timed out after %s", r.timeout)
	case r.root.Err() != nil:
		msg = "interrupted by shutdown"
	default:
		current, err := r.tracker.Get(ctx, job.ID)
		if err == nil && current.Status == StatusCancelled {
			return scene.Conflictf("job %s was cancelled", job.ID)
		}
		msg = "detection aborted: " + cause.Error()
	}

	if _, err := r.tracker.Fail(ctx, job.ID, errors.New(msg)); err != nil && !errors.Is(err, scene.ErrConflict) {
		return err
	}
	return fmt.Errorf("job %s: %w", job.ID, &scene.DetectionError{Message: msg})
}
