package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/heimdex/heimdex-scenes/internal/db"
)

type Repository interface {
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context, workspaceID string) ([]*Template, error)
	Upsert(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
}

type SQLiteRepository struct {
	db db.DBTX
}

func NewRepository(conn db.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: conn}
}

const templateColumns = `id, name, description, workspace_id, rules, created_at, updated_at`

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Template, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM scene_templates WHERE id = ?", id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// List returns the templates visible to workspaceID: its own plus the ones
// stored without a workspace.
func (r *SQLiteRepository) List(ctx context.Context, workspaceID string) ([]*Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM scene_templates
		WHERE workspace_id = '' OR workspace_id = ?
		ORDER BY name, id
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Upsert(ctx context.Context, t *Template) error {
	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scene_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			workspace_id = excluded.workspace_id,
			rules = excluded.rules,
			updated_at = excluded.updated_at
	`, t.ID, t.Name, t.Description, t.WorkspaceID, string(rules),
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt))
	return err
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM scene_templates WHERE id = ?", id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(s scanner) (*Template, error) {
	var t Template
	var rules, createdAt, updatedAt string
	if err := s.Scan(&t.ID, &t.Name, &t.Description, &t.WorkspaceID, &rules, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &t.Rules); err != nil {
		return nil, fmt.Errorf("decode rules of template %s: %w", t.ID, err)
	}
	t.CreatedAt = db.ParseTime(createdAt)
	t.UpdatedAt = db.ParseTime(updatedAt)
	return &t, nil
}
