package telemetry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const insertTiming = `INSERT INTO timings
	(run_id, kind, pair, search_s, convert_s, parse_s, retained_a, retained_b, reduction_s, inference_s, status, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores records in the timings table of a SQLite database.
type SQLiteSink struct {
	db     *sql.DB
	insert *sql.Stmt
	runID  string
}

// OpenSQLite creates or opens the database at path and prepares the schema.
func OpenSQLite(ctx context.Context, path, runID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; the aggregator is the only one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	insert, err := db.PrepareContext(ctx, insertTiming)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: insert, runID: runID}, nil
}

// Write inserts one record.
func (s *SQLiteSink) Write(rec Record) error {
	_, err := s.insert.Exec(
		s.runID,
		string(rec.Kind),
		rec.Pair.String(),
		rec.Search.Seconds(),
		rec.Convert.Seconds(),
		rec.Parse.Seconds(),
		rec.RetainedA,
		rec.RetainedB,
		rec.Reduction.Seconds(),
		rec.Inference.Seconds(),
		rec.Status,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DB returns the underlying database for queries.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

// Close closes the statement and the database.
func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	_ = s.insert.Close()
	err := s.db.Close()
	s.db = nil
	return err
}
