package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/workflow"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a file-backed store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the store.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" gives an ephemeral store.
	Path string
	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
}

// OpenSQLite opens (and migrates) a SQLite store.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			kind TEXT NOT NULL,
			reference TEXT NOT NULL,
			version TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (kind, reference, version)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			status TEXT NOT NULL,
			failure TEXT,
			input TEXT,
			parent_run_id TEXT,
			parent_token_id TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			stream TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (run_id, stream, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT PRIMARY KEY,
			context TEXT NOT NULL,
			tokens TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const (
	kindWorkflow = "workflow"
	kindTask     = "task"
	kindAction   = "action"
)

func (s *SQLiteStore) saveResource(ctx context.Context, kind, reference, version string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, reference, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (kind, reference, version, body, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, reference, version) DO UPDATE SET body=excluded.body`,
		kind, reference, version, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save %s %s@%s: %w", kind, reference, version, err)
	}
	return nil
}

func (s *SQLiteStore) loadResource(ctx context.Context, kind, reference, version string, out any) error {
	var raw string
	var err error
	if version == "" {
		// Latest is the most recently inserted version.
		err = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE kind=? AND reference=? ORDER BY rowid DESC LIMIT 1`,
			kind, reference).Scan(&raw)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT body FROM definitions WHERE kind=? AND reference=? AND version=?`,
			kind, reference, version).Scan(&raw)
	}
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s@%s: %w", kind, reference, version, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s@%s: %w", kind, reference, version, err)
	}
	return json.Unmarshal([]byte(raw), out)
}

// SaveDefinition implements Store.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	return s.saveResource(ctx, kindWorkflow, def.Reference, def.Version, def)
}

// SaveTask implements Store.
func (s *SQLiteStore) SaveTask(ctx context.Context, reference, version string, task *workflow.Task) error {
	return s.saveResource(ctx, kindTask, reference, version, task)
}

// SaveAction implements Store.
func (s *SQLiteStore) SaveAction(ctx context.Context, reference, version string, action *workflow.Action) error {
	return s.saveResource(ctx, kindAction, reference, version, action)
}

// ResolveDefinition implements workflow.Resolver.
func (s *SQLiteStore) ResolveDefinition(ctx context.Context, reference, version string) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := s.loadResource(ctx, kindWorkflow, reference, version, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ResolveTask implements workflow.Resolver.
func (s *SQLiteStore) ResolveTask(ctx context.Context, reference, version string) (*workflow.Task, error) {
	var task workflow.Task
	if err := s.loadResource(ctx, kindTask, reference, version, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ResolveAction implements workflow.Resolver.
func (s *SQLiteStore) ResolveAction(ctx context.Context, reference, version string) (*workflow.Action, error) {
	var action workflow.Action
	if err := s.loadResource(ctx, kindAction, reference, version, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// CreateRun implements coordinator.RunStore.
func (s *SQLiteStore) CreateRun(ctx context.Context, info coordinator.RunInfo, input map[string]any) error {
	rawInput, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode run input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, definition, status, input, parent_run_id, parent_token_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.RunID, info.Definition, string(info.Status), string(rawInput),
		info.ParentRunID, info.ParentTokenID,
		info.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", info.RunID, err)
	}
	return nil
}

// UpdateRunStatus implements coordinator.RunStore.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status coordinator.RunStatus, failure *coordinator.FailureInfo, completedAt *time.Time) error {
	var rawFailure any
	if failure != nil {
		b, err := json.Marshal(failure)
		if err != nil {
			return fmt.Errorf("failed to encode failure: %w", err)
		}
		rawFailure = string(b)
	}
	var completed any
	if completedAt != nil {
		completed = completedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, failure=?, completed_at=? WHERE id=?`,
		string(status), rawFailure, completed, runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// PersistSnapshot implements coordinator.RunStore.
func (s *SQLiteStore) PersistSnapshot(ctx context.Context, runID string, snapshot map[string]any, active []*coordinator.Token) error {
	rawCtx, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	rawTokens, err := json.Marshal(active)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, context, tokens, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET context=excluded.context, tokens=excluded.tokens, updated_at=excluded.updated_at`,
		runID, string(rawCtx), string(rawTokens), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to persist snapshot for %s: %w", runID, err)
	}
	return nil
}

// AppendEvents implements coordinator.RunStore.
func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, stream coordinator.Stream, events []coordinator.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Sequence, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (run_id, stream, sequence, body) VALUES (?, ?, ?, ?)`,
			runID, string(stream), ev.Sequence, string(raw)); err != nil {
			return fmt.Errorf("failed to append event %d: %w", ev.Sequence, err)
		}
	}
	return tx.Commit()
}

// Events implements coordinator.RunStore.
func (s *SQLiteStore) Events(ctx context.Context, runID string, stream coordinator.Stream, from, to uint64) ([]coordinator.Event, error) {
	query := `SELECT body FROM events WHERE run_id=? AND stream=? AND sequence>=?`
	args := []any{runID, string(stream), from}
	if to > 0 {
		query += ` AND sequence<=?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []coordinator.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev coordinator.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadRun implements Store.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition, status, failure, input, parent_run_id, parent_token_id, created_at, completed_at
		 FROM runs WHERE id=?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return rec, err
}

// ListRuns implements Store.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	query := `SELECT id, definition, status, failure, input, parent_run_id, parent_token_id, created_at, completed_at
		 FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var rec RunRecord
	var status, createdAt string
	var failure, input, parentRun, parentToken, completedAt sql.NullString

	if err := row.Scan(&rec.RunID, &rec.Definition, &status, &failure, &input,
		&parentRun, &parentToken, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Status = coordinator.RunStatus(status)
	rec.ParentRunID = parentRun.String
	rec.ParentTokenID = parentToken.String

	if failure.Valid && failure.String != "" {
		var fi coordinator.FailureInfo
		if err := json.Unmarshal([]byte(failure.String), &fi); err != nil {
			return nil, fmt.Errorf("failed to decode failure: %w", err)
		}
		rec.Failure = &fi
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &rec.Input); err != nil {
			return nil, fmt.Errorf("failed to decode input: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	return &rec, nil
}
