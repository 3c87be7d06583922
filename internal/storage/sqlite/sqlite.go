package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/runbox/internal/storage"

	_ "modernc.org/sqlite"
)

// LedgerStore implements storage.Ledger backed by a SQLite database.
type LedgerStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*LedgerStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pooled connection to ":memory:" would see its own empty database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &LedgerStore{db: db}, nil
}

func (s *LedgerStore) Track(ctx context.Context, sb *storage.Sandbox) error {
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (container_id, session_id, execution_id, image, workspace, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			session_id = excluded.session_id,
			execution_id = excluded.execution_id,
			image = excluded.image,
			workspace = excluded.workspace`,
		sb.ContainerID, sb.SessionID, sb.ExecutionID, sb.Image, sb.Workspace,
		sb.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("tracking sandbox: %w", err)
	}
	return nil
}

func (s *LedgerStore) Forget(ctx context.Context, containerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE container_id = ?`, containerID); err != nil {
		return fmt.Errorf("forgetting sandbox: %w", err)
	}
	return nil
}

func (s *LedgerStore) Get(ctx context.Context, id string) (*storage.Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT container_id, session_id, execution_id, image, workspace, created_at
		FROM sandboxes WHERE container_id = ?`, id)
	sb, err := scanSandbox(row)
	if err == nil {
		return sb, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying sandbox: %w", err)
	}

	// Prefix match
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, session_id, execution_id, image, workspace, created_at
		FROM sandboxes WHERE container_id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying sandbox: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous container prefix %q matches %d sandboxes", id, len(matches))
	}
}

func (s *LedgerStore) List(ctx context.Context) ([]storage.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT container_id, session_id, execution_id, image, workspace, created_at
		FROM sandboxes ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()

	var out []storage.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSandbox(s scanner) (*storage.Sandbox, error) {
	var sb storage.Sandbox
	var createdAt string
	if err := s.Scan(&sb.ContainerID, &sb.SessionID, &sb.ExecutionID, &sb.Image, &sb.Workspace, &createdAt); err != nil {
		return nil, err
	}
	sb.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &sb, nil
}
