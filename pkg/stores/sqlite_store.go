package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const defaultListLimit = 50

// SQLiteStore implements the Journal interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Journal = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewPermanentError("journal path is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	// An in-memory database lives and dies with its connection.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 && cfg.Path != MemoryPath {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates a store, initializes it and applies migrations.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordRun stores a run and its changes. A run without an ID gets one.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	steps, err := json.Marshal(stepsOrEmpty(run.Steps))
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO runs (
			id, domain, requested, from_state, to_state, status,
			changed, state_changed, definition_changed, check_mode,
			steps, message, error, error_code, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		run.ID,
		run.Domain,
		run.Requested,
		string(run.From),
		string(run.To),
		string(run.Status),
		run.Changed,
		run.StateChanged,
		run.DefinitionChanged,
		run.CheckMode,
		string(steps),
		run.Message,
		run.Error,
		run.ErrorCode,
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	changeQuery := `
		INSERT INTO run_changes (
			run_id, seq, path, kind, name, action, before_value, after_value, ignored, applied
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, c := range run.Changes {
		_, err := tx.ExecContext(ctx, changeQuery,
			run.ID, i, c.Path, string(c.Kind), c.Name, string(c.Action),
			c.Before, c.After, c.Ignored, c.Applied,
		)
		if err != nil {
			return fmt.Errorf("failed to record change %s: %w", c.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `
	id, domain, requested, from_state, to_state, status,
	changed, state_changed, definition_changed, check_mode,
	steps, message, error, error_code, started_at, completed_at
`

// GetRun retrieves a run and its changes by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("run not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	changes, err := s.listChanges(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Changes = changes
	return run, nil
}

// ListRuns lists runs newest first. Changes are not loaded.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.ChangedOnly {
		where = append(where, "changed = 1")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// PruneRuns deletes runs started before the given time and returns how
// many were removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) listChanges(ctx context.Context, runID string) ([]engine.Change, error) {
	query := `
		SELECT path, kind, name, action, before_value, after_value, ignored, applied
		FROM run_changes
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []engine.Change
	for rows.Next() {
		var (
			c            engine.Change
			kind, action string
		)
		if err := rows.Scan(&c.Path, &kind, &c.Name, &action, &c.Before, &c.After, &c.Ignored, &c.Applied); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Kind = engine.ChangeKind(kind)
		c.Action = engine.ChangeAction(action)
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                  Run
		from, to, status     string
		steps                string
		startedAt, completed string
	)
	err := row.Scan(
		&run.ID,
		&run.Domain,
		&run.Requested,
		&from,
		&to,
		&status,
		&run.Changed,
		&run.StateChanged,
		&run.DefinitionChanged,
		&run.CheckMode,
		&steps,
		&run.Message,
		&run.Error,
		&run.ErrorCode,
		&startedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	run.From = lifecycle.State(from)
	run.To = lifecycle.State(to)
	run.Status = RunStatus(status)

	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of run %s: %w", run.ID, err)
	}
	if len(run.Steps) == 0 {
		run.Steps = nil
	}
	if run.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at of run %s: %w", run.ID, err)
	}
	if run.CompletedAt, err = time.Parse(timeFormat, completed); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at of run %s: %w", run.ID, err)
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func stepsOrEmpty(steps []lifecycle.EffectorName) []lifecycle.EffectorName {
	if steps == nil {
		return []lifecycle.EffectorName{}
	}
	return steps
}
