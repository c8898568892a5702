package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{
		"scenes", "detection_state", "detection_jobs", "config", "_migrations",
		"scene_detection_analytics", "workspace_scene_settings", "scene_templates",
	}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_WALEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	var journalMode string
	err = database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	err = db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations error = %v", err)
	}

	if count != 3 {
		t.Errorf("migration count = %d, want 3", count)
	}
}

func TestMarkInterruptedJobs(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = db1.Conn().Exec(`
		INSERT INTO detection_jobs (id, content_id, workspace_id, status, progress, created_at, updated_at)
		VALUES ('test-job', 'c1', 'w1', 'processing', 50, datetime('now'), datetime('now'))
	`)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}
	_, err = db1.Conn().Exec(`
		INSERT INTO detection_jobs (id, content_id, workspace_id, status, progress, created_at, updated_at)
		VALUES ('done-job', 'c1', 'w1', 'completed', 100, datetime('now'), datetime('now'))
	`)
	if err != nil {
		t.Fatalf("insert job error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var status, errMsg string
	err = db2.Conn().QueryRow("SELECT status, error FROM detection_jobs WHERE id = 'test-job'").Scan(&status, &errMsg)
	if err != nil {
		t.Fatalf("query job error = %v", err)
	}

	if status != "failed" {
		t.Errorf("job status = %s, want failed", status)
	}
	if errMsg != "interrupted by restart" {
		t.Errorf("job error = %s, want 'interrupted by restart'", errMsg)
	}

	err = db2.Conn().QueryRow("SELECT status FROM detection_jobs WHERE id = 'done-job'").Scan(&status)
	if err != nil {
		t.Fatalf("query job error = %v", err)
	}
	if status != "completed" {
		t.Errorf("completed job status = %s, want completed", status)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	database, err := New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	boom := errors.New("boom")
	err = WithTx(context.Background(), database.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO config (key, value) VALUES ('k', 'v')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	var count int
	if err := database.Conn().QueryRow("SELECT COUNT(*) FROM config WHERE key = 'k'").Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 0 {
		t.Errorf("row persisted after rollback")
	}

	err = WithTx(context.Background(), database.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO config (key, value) VALUES ('k', 'v')")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	if err := database.Conn().QueryRow("SELECT COUNT(*) FROM config WHERE key = 'k'").Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(1500 * time.Microsecond)

	if !(FormatTime(a) < FormatTime(b)) {
		t.Errorf("FormatTime(%v) >= FormatTime(%v)", a, b)
	}
	if got := ParseTime(FormatTime(b)); !got.Equal(b) {
		t.Errorf("ParseTime round trip = %v, want %v", got, b)
	}
	if got := ParseTime("2024-01-02 03:04:05"); !got.Equal(a) {
		t.Errorf("ParseTime(sqlite) = %v, want %v", got, a)
	}
}
