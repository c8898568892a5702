package scene

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/heimdex/heimdex-scenes/internal/db"
)

type Repository interface {
	Insert(ctx context.Context, s *Scene) error
	Get(ctx context.Context, id string) (*Scene, error)
	Update(ctx context.Context, s *Scene) error
	UpdateIndex(ctx context.Context, id string, index int) error
	Delete(ctx context.Context, id string) error
	DeleteByContent(ctx context.Context, contentID string) (int, error)

	ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*Scene, error)
	ListByWorkspace(ctx context.Context, workspaceID string, includeMerged bool) ([]*Scene, error)
	ListSuperseded(ctx context.Context, workspaceID string, since time.Time) ([]*Scene, error)

	MarkDetected(ctx context.Context, contentID, paramsKey, jobID string) error
	InvalidateDetected(ctx context.Context, contentID string) error
	DetectionState(ctx context.Context, contentID string) (*DetectionState, error)
}

// DetectionState records which parameter key produced the persisted scene set
// of a content item, and whether that set is still untouched by edits.
type DetectionState struct {
	ContentID string
	ParamsKey string
	JobID     string
	Valid     bool
	UpdatedAt time.Time
}

type SQLiteRepository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

// WithTx returns a repository bound to tx.
func (r *SQLiteRepository) WithTx(tx *sql.Tx) *SQLiteRepository {
	return &SQLiteRepository{db: tx}
}

const sceneColumns = `id, content_id, workspace_id, owner_id, job_id, start_s, end_s, duration_s, scene_index,
	confidence, is_highlight, is_promoted, is_key_moment, priority, quality_score,
	is_merged, merged_from, split_into, version, notes, custom_tags, metadata,
	detection_params, params_key, created_at, updated_at`

func (r *SQLiteRepository) Insert(ctx context.Context, s *Scene) error {
	enc, err := encodeScene(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scenes (`+sceneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ContentID, s.WorkspaceID, s.OwnerID, nullString(s.JobID), s.Start, s.End, s.Duration(), s.SceneIndex,
		s.Confidence, boolToInt(s.IsHighlight), boolToInt(s.IsPromoted), boolToInt(s.IsKeyMoment), s.Priority, s.QualityScore,
		boolToInt(s.IsMerged), enc.mergedFrom, enc.splitInto, s.Version, s.Notes, enc.customTags, enc.metadata,
		enc.params, s.DetectionParams.Key(), db.FormatTime(s.CreatedAt), db.FormatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert scene %s: %w", s.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Scene, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scenes WHERE id = ?`, id)
	s, err := scanScene(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, s *Scene) error {
	enc, err := encodeScene(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE scenes SET
			start_s = ?, end_s = ?, duration_s = ?, scene_index = ?,
			confidence = ?, is_highlight = ?, is_promoted = ?, is_key_moment = ?, priority = ?, quality_score = ?,
			is_merged = ?, merged_from = ?, split_into = ?, version = ?, notes = ?, custom_tags = ?, metadata = ?,
			updated_at = ?
		WHERE id = ?
	`, s.Start, s.End, s.Duration(), s.SceneIndex,
		s.Confidence, boolToInt(s.IsHighlight), boolToInt(s.IsPromoted), boolToInt(s.IsKeyMoment), s.Priority, s.QualityScore,
		boolToInt(s.IsMerged), enc.mergedFrom, enc.splitInto, s.Version, s.Notes, enc.customTags, enc.metadata,
		db.FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update scene %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFoundf("scene %s", s.ID)
	}
	return nil
}

func (r *SQLiteRepository) UpdateIndex(ctx context.Context, id string, index int) error {
	_, err := r.db.ExecContext(ctx, "UPDATE scenes SET scene_index = ? WHERE id = ?", index, id)
	return err
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM scenes WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) DeleteByContent(ctx context.Context, contentID string) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM scenes WHERE content_id = ?", contentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepository) ListByContent(ctx context.Context, contentID string, includeMerged bool) ([]*Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE content_id = ?`
	if !includeMerged {
		query += ` AND is_merged = 0`
	}
	query += ` ORDER BY is_merged, start_s, scene_index, created_at`
	return r.list(ctx, query, contentID)
}

func (r *SQLiteRepository) ListByWorkspace(ctx context.Context, workspaceID string, includeMerged bool) ([]*Scene, error) {
	query := `SELECT ` + sceneColumns + ` FROM scenes WHERE workspace_id = ?`
	if !includeMerged {
		query += ` AND is_merged = 0`
	}
	query += ` ORDER BY content_id, start_s, scene_index`
	return r.list(ctx, query, workspaceID)
}

// ListSuperseded returns merge/split inputs of a workspace touched since the
// given time.
func (r *SQLiteRepository) ListSuperseded(ctx context.Context, workspaceID string, since time.Time) ([]*Scene, error) {
	return r.list(ctx, `
		SELECT `+sceneColumns+` FROM scenes
		WHERE workspace_id = ? AND is_merged = 1 AND updated_at >= ?
		ORDER BY updated_at
	`, workspaceID, db.FormatTime(since))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*Scene, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenes []*Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, rows.Err()
}

func (r *SQLiteRepository) MarkDetected(ctx context.Context, contentID, paramsKey, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO detection_state (content_id, params_key, job_id, valid, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			params_key = excluded.params_key, job_id = excluded.job_id, valid = 1, updated_at = excluded.updated_at
	`, contentID, paramsKey, jobID, db.FormatTime(time.Now()))
	return err
}

func (r *SQLiteRepository) InvalidateDetected(ctx context.Context, contentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE detection_state SET valid = 0, updated_at = ? WHERE content_id = ?
	`, db.FormatTime(time.Now()), contentID)
	return err
}

func (r *SQLiteRepository) DetectionState(ctx context.Context, contentID string) (*DetectionState, error) {
	var st DetectionState
	var valid int
	var updatedAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT content_id, params_key, job_id, valid, updated_at FROM detection_state WHERE content_id = ?
	`, contentID).Scan(&st.ContentID, &st.ParamsKey, &st.JobID, &valid, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Valid = valid == 1
	st.UpdatedAt = db.ParseTime(updatedAt)
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScene(row rowScanner) (*Scene, error) {
	var s Scene
	var jobID sql.NullString
	var duration float64
	var highlight, promoted, keyMoment, merged int
	var mergedFrom, splitInto, customTags, metadata, params, paramsKey string
	var createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.ContentID, &s.WorkspaceID, &s.OwnerID, &jobID, &s.Start, &s.End, &duration, &s.SceneIndex,
		&s.Confidence, &highlight, &promoted, &keyMoment, &s.Priority, &s.QualityScore,
		&merged, &mergedFrom, &splitInto, &s.Version, &s.Notes, &customTags, &metadata,
		&params, &paramsKey, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.JobID = jobID.String
	s.IsHighlight = highlight == 1
	s.IsPromoted = promoted == 1
	s.IsKeyMoment = keyMoment == 1
	s.IsMerged = merged == 1
	s.CreatedAt = db.ParseTime(createdAt)
	s.UpdatedAt = db.ParseTime(updatedAt)

	if err := decodeJSON(mergedFrom, &s.MergedFrom); err != nil {
		return nil, fmt.Errorf("scene %s merged_from: %w", s.ID, err)
	}
	if err := decodeJSON(splitInto, &s.SplitInto); err != nil {
		return nil, fmt.Errorf("scene %s split_into: %w", s.ID, err)
	}
	if err := decodeJSON(customTags, &s.CustomTags); err != nil {
		return nil, fmt.Errorf("scene %s custom_tags: %w", s.ID, err)
	}
	if err := decodeJSON(metadata, &s.Metadata); err != nil {
		return nil, fmt.Errorf("scene %s metadata: %w", s.ID, err)
	}
	if err := decodeJSON(params, &s.DetectionParams); err != nil {
		return nil, fmt.Errorf("scene %s detection_params: %w", s.ID, err)
	}
	if s.MergedFrom == nil {
		s.MergedFrom = []string{}
	}
	if s.SplitInto == nil {
		s.SplitInto = []string{}
	}
	if s.CustomTags == nil {
		s.CustomTags = []string{}
	}
	return &s, nil
}

type encodedScene struct {
	mergedFrom, splitInto, customTags, metadata, params string
}

func encodeScene(s *Scene) (encodedScene, error) {
	var enc encodedScene
	var err error
	if enc.mergedFrom, err = encodeJSON(nonNil(s.MergedFrom)); err != nil {
		return enc, err
	}
	if enc.splitInto, err = encodeJSON(nonNil(s.SplitInto)); err != nil {
		return enc, err
	}
	if enc.customTags, err = encodeJSON(nonNil(s.CustomTags)); err != nil {
		return enc, err
	}
	if enc.metadata, err = encodeJSON(s.Metadata); err != nil {
		return enc, err
	}
	if enc.params, err = encodeJSON(s.DetectionParams); err != nil {
		return enc, err
	}
	return enc, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
