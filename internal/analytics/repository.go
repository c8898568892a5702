package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/db"
)

type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	LatestForContent(ctx context.Context, contentID string) (*Record, error)
	IncrementEdit(ctx context.Context, id string, kind EditKind) error
	ListByWorkspace(ctx context.Context, workspaceID string, since time.Time) ([]*Record, error)
	Workspaces(ctx context.Context, since time.Time) ([]string, error)
}

type SQLiteRepository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

func (r *SQLiteRepository) WithTx(tx *sql.Tx) *SQLiteRepository {
	return &SQLiteRepository{db: tx}
}

const recordColumns = `id, content_id, workspace_id, owner_id, job_id, scene_count,
	average_scene_length, min_scene_length, max_scene_length,
	sensitivity, min_scene_length_param, max_scene_length_param, use_multi_modal, workflow_type,
	average_quality, high_quality_scenes,
	edits_merged, edits_split, edits_deleted, edits_promoted, edits_boundary, edits_total,
	created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	var avgQuality sql.NullFloat64
	if rec.AverageQuality != nil {
		avgQuality = sql.NullFloat64{Float64: *rec.AverageQuality, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scene_detection_analytics (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ContentID, rec.WorkspaceID, rec.OwnerID, rec.JobID, rec.SceneCount,
		rec.AverageSceneLength, rec.MinSceneLength, rec.MaxSceneLength,
		rec.Params.Sensitivity, rec.Params.MinSceneLength, rec.Params.MaxSceneLength,
		boolToInt(rec.Params.UseMultiModal), rec.Params.WorkflowType,
		avgQuality, rec.HighQualityScenes,
		rec.Edits.Merged, rec.Edits.Split, rec.Edits.Deleted, rec.Edits.Promoted, rec.Edits.BoundaryAdjusted, rec.Edits.Total,
		db.FormatTime(rec.CreatedAt), db.FormatTime(rec.UpdatedAt))
	return err
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM scene_detection_analytics WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *SQLiteRepository) LatestForContent(ctx context.Context, contentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM scene_detection_analytics
		WHERE content_id = ? ORDER BY created_at DESC LIMIT 1
	`, contentID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *SQLiteRepository) IncrementEdit(ctx context.Context, id string, kind EditKind) error {
	column, ok := map[EditKind]string{
		EditMerge:    "edits_merged",
		EditSplit:    "edits_split",
		EditDelete:   "edits_deleted",
		EditPromote:  "edits_promoted",
		EditBoundary: "edits_boundary",
	}[kind]
	if !ok {
		return fmt.Errorf("unknown edit kind %q", kind)
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE scene_detection_analytics
		SET `+column+` = `+column+` + 1, edits_total = edits_total + 1, updated_at = ?
		WHERE id = ?
	`, db.FormatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) ListByWorkspace(ctx context.Context, workspaceID string, since time.Time) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM scene_detection_analytics
		WHERE workspace_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`, workspaceID, db.FormatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Workspaces lists the workspaces with analytics since the given time.
func (r *SQLiteRepository) Workspaces(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM scene_detection_analytics
		WHERE created_at >= ? ORDER BY workspace_id
	`, db.FormatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var multiModal int
	var avgQuality sql.NullFloat64
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.ContentID, &rec.WorkspaceID, &rec.OwnerID, &rec.JobID, &rec.SceneCount,
		&rec.AverageSceneLength, &rec.MinSceneLength, &rec.MaxSceneLength,
		&rec.Params.Sensitivity, &rec.Params.MinSceneLength, &rec.Params.MaxSceneLength, &multiModal, &rec.Params.WorkflowType,
		&avgQuality, &rec.HighQualityScenes,
		&rec.Edits.Merged, &rec.Edits.Split, &rec.Edits.Deleted, &rec.Edits.Promoted, &rec.Edits.BoundaryAdjusted, &rec.Edits.Total,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Params.UseMultiModal = multiModal == 1
	rec.Params = rec.Params.Normalize()
	if avgQuality.Valid {
		v := avgQuality.Float64
		rec.AverageQuality = &v
	}
	rec.CreatedAt = db.ParseTime(createdAt)
	rec.UpdatedAt = db.ParseTime(updatedAt)
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
