// Package cloud pushes committed scene timelines to a downstream index.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/heimdex/heimdex-scenes/internal/detection"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

type SceneStore interface {
	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*scene.Scene, error)
}

type Uploader interface {
	UploadScenes(ctx context.Context, payload SceneIngestPayload) (*SceneIngestResponse, error)
}

type PublisherConfig struct {
	// Attempts is the number of uploads tried for a retryable failure.
	Attempts int
	// Backoff is the wait before the first retry. It doubles on each retry.
	Backoff time.Duration
}

// Publisher uploads the active timeline of every completed detection. It
// implements detection.CompletionObserver; uploads run in the background.
type Publisher struct {
	uploader Uploader
	scenes   SceneStore
	cfg      PublisherConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewPublisher(uploader Uploader, scenes SceneStore, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if cfg.Attempts < 1 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		uploader: uploader,
		scenes:   scenes,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (p *Publisher) DetectionCompleted(_ context.Context, job *detection.Job) {
	if job == nil || job.Status != detection.StatusCompleted {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.Publish(p.ctx, job); err != nil {
			p.logger.Error("scene publish failed", "job_id", job.ID, "content_id", job.ContentID, "error", err)
		}
	}()
}

// Publish uploads the current timeline of job's content, retrying server
// errors with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, job *detection.Job) error {
	scenes, err := p.scenes.ListByContent(ctx, job.ContentID, false)
	if err != nil {
		return fmt.Errorf("load scenes for %s: %w", job.ContentID, err)
	}
	payload := PayloadFor(job, scenes)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.Backoff
	policy.Multiplier = 2

	upload := func() (*SceneIngestResponse, error) {
		resp, err := p.uploader.UploadScenes(ctx, payload)
		var uploadErr *UploadError
		if errors.As(err, &uploadErr) && !uploadErr.IsRetryable() {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("scene upload failed, retrying", "content_id", payload.ContentID, "wait", wait, "error", err)
	}

	resp, err := backoff.Retry(ctx, upload,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.cfg.Attempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return fmt.Errorf("publish scenes for %s: %w", payload.ContentID, err)
	}
	p.logger.Info("scenes published",
		"content_id", payload.ContentID,
		"indexed_count", resp.IndexedCount,
		"skipped_count", resp.SkippedCount,
	)
	return nil
}

// Close stops accepting jobs and waits for in-flight uploads, or for ctx to
// end, in which case the uploads are cancelled.
func (p *Publisher) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("publisher close timed out")
	}
	p.cancel()
}
