// Package store persists the node's job journal in Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Event is one row of the job journal.
type Event struct {
	NodeID    string
	JobID     string
	JobNumber uint64
	Server    string
	Event     string
	Status    string
	RetCode   int
	ErrorMsg  string
	Exclusive bool
	At        time.Time
}

// AppendEvent inserts a journal row.
func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO job_events (node_id, job_id, job_number, server, event, status, ret_code, error_msg, exclusive, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.NodeID, e.JobID, int64(e.JobNumber), e.Server, e.Event, e.Status, e.RetCode, nullText(e.ErrorMsg), e.Exclusive, e.At)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// History returns the journal rows for jobID, oldest first.
func (s *Store) History(ctx context.Context, jobID string) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT node_id, job_id, job_number, server, event, status, ret_code, error_msg, exclusive, ts
		FROM job_events WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		var number int64
		var msg pgtype.Text
		err := row.Scan(&e.NodeID, &e.JobID, &number, &e.Server, &e.Event, &e.Status, &e.RetCode, &msg, &e.Exclusive, &e.At)
		e.JobNumber = uint64(number)
		e.ErrorMsg = msg.String
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan job events: %w", err)
	}
	return events, nil
}

func nullText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}
