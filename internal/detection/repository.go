package detection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/db"
	"github.com/heimdex/heimdex-scenes/internal/scene"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, job *Job, from ...Status) error
	List(ctx context.Context, f Filter) ([]*Job, error)
	ListActiveByContent(ctx context.Context, contentID string) ([]*Job, error)
	LatestForContent(ctx context.Context, contentID string) (*Job, error)
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

const jobColumns = `id, content_id, workspace_id, owner_id, source_ref, status, progress, current_step,
	parameters, scene_count, media_duration_s, error, started_at, completed_at, duration_ms, created_at, updated_at`

func (r *SQLiteRepository) Create(ctx context.Context, j *Job) error {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO detection_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.ContentID, j.WorkspaceID, j.OwnerID, j.SourceRef, string(j.Status), j.Progress, j.CurrentStep,
		string(params), j.SceneCount, j.MediaDuration, nullString(j.Error), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullDuration(j), db.FormatTime(j.CreatedAt), db.FormatTime(j.UpdatedAt))
	return err
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM detection_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// Transition persists the mutable fields of j, but only while the stored
// status is one of from. A job that moved on in the meantime yields
// ErrConflict.
func (r *SQLiteRepository) Transition(ctx context.Context, j *Job, from ...Status) error {
	if len(from) == 0 {
		return fmt.Errorf("transition of job %s: no source status", j.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(j.Status), j.Progress, j.CurrentStep, j.SceneCount, j.MediaDuration,
		nullString(j.Error), nullTime(j.StartedAt), nullTime(j.CompletedAt), nullDuration(j), db.FormatTime(j.UpdatedAt), j.ID}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE detection_jobs SET
			status = ?, progress = ?, current_step = ?, scene_count = ?, media_duration_s = ?,
			error = ?, started_at = ?, completed_at = ?, duration_ms = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return scene.Conflictf("job %s is no longer %v", j.ID, from)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]*Job, error) {
	var where []string
	var args []any
	if f.ContentID != "" {
		where = append(where, "content_id = ?")
		args = append(args, f.ContentID)
	}
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, db.FormatTime(f.Since))
	}

	query := `SELECT ` + jobColumns + ` FROM detection_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.list(ctx, query, args...)
}

func (r *SQLiteRepository) ListActiveByContent(ctx context.Context, contentID string) ([]*Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM detection_jobs
		WHERE content_id = ? AND status IN ('pending', 'processing')
		ORDER BY created_at
	`, contentID)
}

func (r *SQLiteRepository) LatestForContent(ctx context.Context, contentID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM detection_jobs WHERE content_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, contentID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status, params string
	var errMsg, startedAt, completedAt sql.NullString
	var durationMS sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.ContentID, &j.WorkspaceID, &j.OwnerID, &j.SourceRef, &status, &j.Progress, &j.CurrentStep,
		&params, &j.SceneCount, &j.MediaDuration, &errMsg, &startedAt, &completedAt, &durationMS, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	if err := json.Unmarshal([]byte(params), &j.Parameters); err != nil {
		return nil, fmt.Errorf("job %s parameters: %w", j.ID, err)
	}
	j.Error = errMsg.String
	if startedAt.Valid {
		t := db.ParseTime(startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := db.ParseTime(completedAt.String)
		j.CompletedAt = &t
	}
	if durationMS.Valid {
		j.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	}
	j.CreatedAt = db.ParseTime(createdAt)
	j.UpdatedAt = db.ParseTime(updatedAt)
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: db.FormatTime(*t), Valid: true}
}

func nullDuration(j *Job) sql.NullInt64 {
	if !j.Status.Terminal() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: j.Duration.Milliseconds(), Valid: true}
}
