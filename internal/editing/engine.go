// Package editing applies user corrections to a content item's scene set
// while keeping lineage, ordering and the no-overlap invariant intact.
package editing

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/analytics"
	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/metrics"
	"github.com/heimdex/heimdex-scenes/internal/scene"
	"github.com/heimdex/heimdex-scenes/internal/validate"
)

// Invalidator drops cached detection results for a content item. Invalidate
// also retires the durable result; Refresh only drops cached copies so the
// next lookup rereads the stored scenes.
type Invalidator interface {
	Invalidate(ctx context.Context, contentID string)
	Refresh(ctx context.Context, contentID string)
}

// Event describes one committed edit.
type Event struct {
	Kind        string
	ContentID   string
	WorkspaceID string
	SceneIDs    []string
	At          time.Time
}

// EditObserver is notified after an edit commits.
type EditObserver interface {
	SceneEdited(ctx context.Context, ev Event)
}

// Annotation kinds that have no analytics counter.
const (
	KindAnnotate = "annotate"
	KindFlags    = "flags"
)

type Config struct {
	Locks      *scene.Locks
	Cache      Invalidator
	Metrics    *metrics.Metrics
	Observers  []EditObserver
	MaxOverlap float64
}

type Engine struct {
	conn       *sql.DB
	scenes     *scene.SQLiteRepository
	analytics  *analytics.SQLiteRepository
	locks      *scene.Locks
	cache      Invalidator
	metrics    *metrics.Metrics
	observers  []EditObserver
	maxOverlap float64
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(conn *sql.DB, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Locks == nil {
		cfg.Locks = scene.NewLocks()
	}
	if cfg.MaxOverlap <= 0 {
		cfg.MaxOverlap = validate.DefaultMaxOverlap
	}
	return &Engine{
		conn:       conn,
		scenes:     scene.NewRepository(conn),
		analytics:  analytics.NewRepository(conn),
		locks:      cfg.Locks,
		cache:      cfg.Cache,
		metrics:    cfg.Metrics,
		observers:  cfg.Observers,
		maxOverlap: cfg.MaxOverlap,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// AddObserver registers o for subsequent edits. It must be called before the
// engine is shared between goroutines.
func (e *Engine) AddObserver(o EditObserver) {
	e.observers = append(e.observers, o)
}

// timeline is the full scene set of one content item loaded inside an edit
// transaction, superseded scenes included.
type timeline struct {
	repo   *scene.SQLiteRepository
	scenes []*scene.Scene
	byID   map[string]*scene.Scene
}

func (tl *timeline) find(id string) (*scene.Scene, error) {
	s, ok := tl.byID[id]
	if !ok {
		return nil, scene.NotFoundf("scene %s", id)
	}
	return s, nil
}

func (tl *timeline) active(id string) (*scene.Scene, error) {
	s, err := tl.find(id)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, scene.Conflictf("scene %s was superseded by %v", id, s.SplitInto)
	}
	return s, nil
}

func (tl *timeline) insert(ctx context.Context, s *scene.Scene) error {
	s.SceneIndex = -1
	if err := tl.repo.Insert(ctx, s); err != nil {
		return err
	}
	tl.scenes = append(tl.scenes, s)
	tl.byID[s.ID] = s
	return nil
}

func (tl *timeline) remove(ctx context.Context, id string) error {
	if err := tl.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete scene %s: %w", id, err)
	}
	delete(tl.byID, id)
	kept := tl.scenes[:0]
	for _, s := range tl.scenes {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	tl.scenes = kept
	return nil
}

// sceneContent resolves the content item a scene belongs to.
func (e *Engine) sceneContent(ctx context.Context, sceneID string) (*scene.Scene, error) {
	s, err := e.scenes.Get(ctx, sceneID)
	if err != nil {
		return nil, fmt.Errorf("load scene %s: %w", sceneID, err)
	}
	if s == nil {
		return nil, scene.NotFoundf("scene %s", sceneID)
	}
	return s, nil
}

// outcome reports what an edit touched. Kind, when set, replaces the kind
// passed to apply.
type outcome struct {
	touched []string
	kind    string
}

// structural reports whether kind changes the shape of the timeline. Only
// those edits retire the stored detection result; metadata edits keep it.
func structural(kind string) bool {
	switch analytics.EditKind(kind) {
	case analytics.EditMerge, analytics.EditSplit, analytics.EditBoundary, analytics.EditDelete:
		return true
	}
	return false
}

// apply runs fn under the content lock inside a single transaction, then
// recompacts indices, marks the durable cache state stale after structural
// edits and tallies the edit. Cache updates, metrics and observers run after
// commit.
func (e *Engine) apply(ctx context.Context, contentID, kind string, fn func(tl *timeline) (outcome, error)) error {
	release := e.locks.Lock(contentID)
	defer release()

	var out outcome
	var workspaceID string
	err := db.WithTx(ctx, e.conn, func(tx *sql.Tx) error {
		repo := e.scenes.WithTx(tx)
		all, err := repo.ListByContent(ctx, contentID, true)
		if err != nil {
			return fmt.Errorf("load scenes for %s: %w", contentID, err)
		}
		tl := &timeline{repo: repo, scenes: all, byID: make(map[string]*scene.Scene, len(all))}
		for _, s := range all {
			tl.byID[s.ID] = s
			workspaceID = s.WorkspaceID
		}

		out, err = fn(tl)
		if err != nil {
			return err
		}
		if out.kind != "" {
			kind = out.kind
		}

		for _, s := range scene.Reindex(tl.scenes) {
			if err := repo.UpdateIndex(ctx, s.ID, s.SceneIndex); err != nil {
				return fmt.Errorf("reindex scene %s: %w", s.ID, err)
			}
		}
		if structural(kind) {
			if err := repo.InvalidateDetected(ctx, contentID); err != nil {
				return fmt.Errorf("invalidate detection state: %w", err)
			}
		}
		if ek, ok := editKind(kind); ok {
			if err := analytics.TrackEdit(ctx, e.analytics.WithTx(tx), contentID, ek); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.cache != nil {
		if structural(kind) {
			e.cache.Invalidate(ctx, contentID)
		} else {
			e.cache.Refresh(ctx, contentID)
		}
	}
	e.metrics.Edit(kind)
	e.logger.Info("scene edit applied", "kind", kind, "content_id", contentID, "scenes", out.touched)

	ev := Event{Kind: kind, ContentID: contentID, WorkspaceID: workspaceID, SceneIDs: out.touched, At: e.now()}
	for _, o := range e.observers {
		o.SceneEdited(ctx, ev)
	}
	return nil
}

func editKind(kind string) (analytics.EditKind, bool) {
	switch ek := analytics.EditKind(kind); ek {
	case analytics.EditMerge, analytics.EditSplit, analytics.EditDelete, analytics.EditPromote, analytics.EditBoundary:
		return ek, true
	}
	return "", false
}
