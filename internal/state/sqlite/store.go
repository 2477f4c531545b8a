package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/rezkam/calsync/internal/domain"
	"github.com/rezkam/calsync/internal/state"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store keeps the state document in a local sqlite database. Unlike the
// file backend it also records an append-only history of sync runs.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and runs migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// sqlite handles one writer; keep the pool honest.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*state.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM sync_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state row: %w", err)
	}

	doc := state.NewDocument()
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state row: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func (s *Store) Save(ctx context.Context, doc *state.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, doc, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		string(data))
	if err != nil {
		return fmt.Errorf("failed to save state row: %w", err)
	}
	return nil
}

// RecordRun appends one sync run summary to the history table.
func (s *Store) RecordRun(ctx context.Context, rec state.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, started_at, elapsed_ms, created, updated, deleted, skipped, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StartedAt.UTC(), rec.Elapsed.Milliseconds(),
		rec.Created, rec.Updated, rec.Deleted, rec.Skipped, rec.Errors)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
