// Package batch fans an operation out over many content items in fixed-size
// concurrency windows.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-scenes/internal/metrics"
)

const DefaultWindow = 3

type Config struct {
	// Window is the number of items run concurrently. Zero means DefaultWindow.
	Window  int
	Metrics *metrics.Metrics
}

type Runner struct {
	window  int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Runner{window: cfg.Window, metrics: cfg.Metrics, logger: logger}
}

func (r *Runner) Window() int {
	return r.window
}

// Result is the outcome of one item. Error is empty on success.
type Result[T any] struct {
	ContentID string `json:"content_id"`
	Value     T      `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	err       error
}

func (r Result[T]) Err() error { return r.err }

// Report lists results in input order.
type Report[T any] struct {
	Operation string      `json:"operation"`
	Windows   int         `json:"windows"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []Result[T] `json:"results"`
	Elapsed   float64     `json:"elapsed_seconds"`
}

// Run calls fn once per id. Items of one window run concurrently and the
// next window starts only after every item of the current one has returned.
// An error or panic in one item is recorded against that item only. Once ctx
// is done, items of windows not yet started fail with the context error.
func Run[T any](ctx context.Context, r *Runner, operation string, ids []string, fn func(ctx context.Context, contentID string) (T, error)) *Report[T] {
	started := time.Now()
	report := &Report[T]{
		Operation: operation,
		Results:   make([]Result[T], len(ids)),
	}

	for lo := 0; lo < len(ids); lo += r.window {
		hi := min(lo+r.window, len(ids))
		report.Windows++

		if err := ctx.Err(); err != nil {
			for i := lo; i < hi; i++ {
				report.Results[i] = Result[T]{ContentID: ids[i], Error: err.Error(), err: err}
			}
			continue
		}

		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				v, err := call(ctx, r.logger, ids[i], fn)
				res := Result[T]{ContentID: ids[i], Value: v, err: err}
				if err != nil {
					res.Error = err.Error()
				}
				report.Results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, res := range report.Results {
		r.metrics.BatchItem(operation, res.err)
		if res.err != nil {
			report.Failed++
			r.logger.Warn("batch item failed", "operation", operation, "content_id", res.ContentID, "error", res.err)
		} else {
			report.Succeeded++
		}
	}
	report.Elapsed = time.Since(started).Seconds()

	r.logger.Info("batch finished",
		"operation", operation,
		"items", len(ids),
		"windows", report.Windows,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report
}

func call[T any](ctx context.Context, logger *slog.Logger, id string, fn func(context.Context, string) (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("batch item panicked", "content_id", id, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, id)
}
