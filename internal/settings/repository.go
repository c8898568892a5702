package settings

import (
	"context"
	"database/sql"

	"github.com/heimdex/heimdex-scenes/internal/db"
)

type Repository interface {
	Get(ctx context.Context, workspaceID string) (*Workspace, error)
	Upsert(ctx context.Context, w *Workspace) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

func (r *SQLiteRepository) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	var w Workspace
	var multiModal, heavyAI, audio, text int
	var learnedAt sql.NullString
	var updatedAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT workspace_id, default_sensitivity, default_min_scene_length, default_max_scene_length,
			multi_modal_enabled, heavy_ai_enabled, audio_analysis_enabled, text_segmentation_enabled,
			default_workflow_type, learned_at, updated_at
		FROM workspace_scene_settings WHERE workspace_id = ?
	`, workspaceID).Scan(&w.WorkspaceID, &w.DefaultSensitivity, &w.DefaultMinSceneLength, &w.DefaultMaxSceneLength,
		&multiModal, &heavyAI, &audio, &text, &w.DefaultWorkflowType, &learnedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w.MultiModalEnabled = multiModal == 1
	w.HeavyAIEnabled = heavyAI == 1
	w.AudioAnalysisEnabled = audio == 1
	w.TextSegmentationEnabled = text == 1
	if learnedAt.Valid {
		t := db.ParseTime(learnedAt.String)
		w.LearnedAt = &t
	}
	w.UpdatedAt = db.ParseTime(updatedAt)
	return &w, nil
}

func (r *SQLiteRepository) Upsert(ctx context.Context, w *Workspace) error {
	var learnedAt sql.NullString
	if w.LearnedAt != nil {
		learnedAt = sql.NullString{String: db.FormatTime(*w.LearnedAt), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workspace_scene_settings (workspace_id, default_sensitivity, default_min_scene_length,
			default_max_scene_length, multi_modal_enabled, heavy_ai_enabled, audio_analysis_enabled,
			text_segmentation_enabled, default_workflow_type, learned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			default_sensitivity = excluded.default_sensitivity,
			default_min_scene_length = excluded.default_min_scene_length,
			default_max_scene_length = excluded.default_max_scene_length,
			multi_modal_enabled = excluded.multi_modal_enabled,
			heavy_ai_enabled = excluded.heavy_ai_enabled,
			audio_analysis_enabled = excluded.audio_analysis_enabled,
			text_segmentation_enabled = excluded.text_segmentation_enabled,
			default_workflow_type = excluded.default_workflow_type,
			learned_at = excluded.learned_at,
			updated_at = excluded.updated_at
	`, w.WorkspaceID, w.DefaultSensitivity, w.DefaultMinSceneLength, w.DefaultMaxSceneLength,
		boolToInt(w.MultiModalEnabled), boolToInt(w.HeavyAIEnabled), boolToInt(w.AudioAnalysisEnabled),
		boolToInt(w.TextSegmentationEnabled), w.DefaultWorkflowType, learnedAt, db.FormatTime(w.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
