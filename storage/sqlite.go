package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStore persists runs in a SQLite database file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLite stores NaN as NULL.
func toNullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func fromNullFloat(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// Init opens the database and creates the tables.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(s.path) == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	dsn := filepath.Clean(s.path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("create tables: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, regime, seed, created_at, config)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Regime, run.Seed, toMillis(run.CreatedAt), run.Config)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}
	run, err := scanRun(db.QueryRowContext(ctx, `
		SELECT id, regime, seed, created_at, config FROM runs WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, true, nil
}

// ListRuns returns every run, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, regime, seed, created_at, config FROM runs ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		run     Run
		created int64
	)
	if err := row.Scan(&run.ID, &run.Regime, &run.Seed, &created, &run.Config); err != nil {
		return Run{}, err
	}
	run.CreatedAt = fromMillis(created)
	return run, nil
}

func (s *SQLiteStore) SaveMetrics(ctx context.Context, runID string, metrics []Metric) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metrics (run_id, name, epoch, value) VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range metrics {
			if _, err := stmt.ExecContext(ctx, runID, m.Name, m.Epoch, toNullFloat(m.Value)); err != nil {
				return fmt.Errorf("insert metric %s: %w", m.Name, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, runID string) ([]Metric, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT name, epoch, value FROM metrics WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get metrics %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var (
			m Metric
			v sql.NullFloat64
		)
		if err := rows.Scan(&m.Name, &m.Epoch, &v); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Value = fromNullFloat(v)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePairs(ctx context.Context, runID string, pairs []PairRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO ace_pairs (run_id, category, sensitivity, effect) VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range pairs {
			if _, err := stmt.ExecContext(ctx, runID, p.Category, toNullFloat(p.Sensitivity), toNullFloat(p.Effect)); err != nil {
				return fmt.Errorf("insert pair: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetPairs(ctx context.Context, runID string) ([]PairRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT category, sensitivity, effect FROM ace_pairs WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("get pairs %s: %w", runID, err)
	}
	defer rows.Close()

	var out []PairRecord
	for rows.Next() {
		var (
			p    PairRecord
			s, e sql.NullFloat64
		)
		if err := rows.Scan(&p.Category, &s, &e); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		p.Sensitivity, p.Effect = fromNullFloat(s), fromNullFloat(e)
		out = append(out, p)
	}
	return out, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			regime TEXT NOT NULL,
			seed INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			config BLOB
		);
		CREATE TABLE IF NOT EXISTS metrics (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			name TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			value REAL
		);
		CREATE TABLE IF NOT EXISTS ace_pairs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			category TEXT NOT NULL,
			sensitivity REAL,
			effect REAL
		);
		CREATE INDEX IF NOT EXISTS metrics_run ON metrics(run_id);
		CREATE INDEX IF NOT EXISTS ace_pairs_run ON ace_pairs(run_id);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
