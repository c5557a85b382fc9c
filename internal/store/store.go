// Package store persists per-call records to PostgreSQL.
//
// The store is optional: a nil *Store is valid and turns every method into a
// no-op, so the session layer writes records without branching on whether a
// DSN was configured.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/telvox/pkg/asp"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [Store.EnsureSchema] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    session_id          TEXT PRIMARY KEY,
    channel_id          TEXT NOT NULL DEFAULT '',
    started_at          TIMESTAMPTZ NOT NULL,
    ended_at            TIMESTAMPTZ NOT NULL,
    sample_rate         INTEGER NOT NULL,
    encoding            TEXT NOT NULL,
    frame_ms            INTEGER NOT NULL,
    frames_in           BIGINT NOT NULL DEFAULT 0,
    frames_out          BIGINT NOT NULL DEFAULT 0,
    utterances          BIGINT NOT NULL DEFAULT 0,
    barge_ins           BIGINT NOT NULL DEFAULT 0,
    responses           BIGINT NOT NULL DEFAULT 0,
    cancelled_responses BIGINT NOT NULL DEFAULT 0,
    end_reason          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records(started_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// CallRecord is one session's summary row, written once at teardown.
type CallRecord struct {
	SessionID string
	// ChannelID identifies the media leg that carried the call, e.g. the
	// RTP peer address or Discord channel ID. Empty for test clients.
	ChannelID string
	StartedAt time.Time
	EndedAt   time.Time
	Audio     asp.AudioParams
	Counters  asp.SessionCounters
	EndReason string
}

// Store writes call records to a PostgreSQL database.
// All operations are safe for concurrent use.
type Store struct {
	db DB

	// pool is non-nil only when the store owns the connection (via New).
	pool *pgxpool.Pool
}

// New connects to the PostgreSQL database at dsn and verifies the connection
// with a ping. Call [Store.EnsureSchema] before writing records.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection or pool. The caller keeps ownership;
// [Store.Close] becomes a no-op.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema executes the [Schema] DDL, creating the call_records table and
// index if they do not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// SaveCall inserts one call record. Session IDs are unique; saving the same
// session twice is an error.
func (s *Store) SaveCall(ctx context.Context, rec *CallRecord) error {
	if s == nil {
		return nil
	}

	const query = `
		INSERT INTO call_records (
			session_id, channel_id, started_at, ended_at,
			sample_rate, encoding, frame_ms,
			frames_in, frames_out, utterances, barge_ins, responses, cancelled_responses,
			end_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := s.db.Exec(ctx, query,
		rec.SessionID, rec.ChannelID, rec.StartedAt, rec.EndedAt,
		rec.Audio.SampleRate, rec.Audio.Encoding, rec.Audio.FrameMS,
		rec.Counters.FramesIn, rec.Counters.FramesOut, rec.Counters.Utterances,
		rec.Counters.BargeIns, rec.Counters.Responses, rec.Counters.CancelledResponses,
		rec.EndReason,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: call record for session %q already exists", rec.SessionID)
		}
		return fmt.Errorf("store: save call %q: %w", rec.SessionID, err)
	}
	return nil
}

// GetCall retrieves a call record by session ID. It returns (nil, nil) when
// no record exists, and always on a nil store.
func (s *Store) GetCall(ctx context.Context, sessionID string) (*CallRecord, error) {
	if s == nil {
		return nil, nil
	}

	const query = `
		SELECT session_id, channel_id, started_at, ended_at,
		       sample_rate, encoding, frame_ms,
		       frames_in, frames_out, utterances, barge_ins, responses, cancelled_responses,
		       end_reason
		FROM call_records
		WHERE session_id = $1`

	var rec CallRecord
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.ChannelID, &rec.StartedAt, &rec.EndedAt,
		&rec.Audio.SampleRate, &rec.Audio.Encoding, &rec.Audio.FrameMS,
		&rec.Counters.FramesIn, &rec.Counters.FramesOut, &rec.Counters.Utterances,
		&rec.Counters.BargeIns, &rec.Counters.Responses, &rec.Counters.CancelledResponses,
		&rec.EndReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get call %q: %w", sessionID, err)
	}
	return &rec, nil
}

// Ping verifies database connectivity. It doubles as the store's readiness
// check; a nil store is always ready.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool if the store owns one.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
