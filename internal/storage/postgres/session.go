package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRecord is one row of the session ledger.
type SessionRecord struct {
	SessionID      string
	FirstSeen      time.Time
	LastSeen       time.Time
	ConnectCount   int64
	LastClientAddr string
}

// ErrSessionNotFound is returned when a ledger lookup yields no row.
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository records every successful host connection per session id.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by db.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// RecordConnection inserts the session on first sight and otherwise bumps
// last_seen, connect_count and last_client_addr.
//
// Precondition: sessionID must be non-empty.
// Postcondition: Returns the updated record.
func (r *SessionRepository) RecordConnection(ctx context.Context, sessionID, clientAddr string) (SessionRecord, error) {
	var rec SessionRecord
	err := r.db.QueryRow(ctx,
		`INSERT INTO sessions (session_id, last_client_addr)
		 VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE
		 SET last_seen = NOW(),
		     connect_count = sessions.connect_count + 1,
		     last_client_addr = EXCLUDED.last_client_addr
		 RETURNING session_id, first_seen, last_seen, connect_count, last_client_addr`,
		sessionID, clientAddr,
	).Scan(&rec.SessionID, &rec.FirstSeen, &rec.LastSeen, &rec.ConnectCount, &rec.LastClientAddr)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("recording session %q: %w", sessionID, err)
	}
	return rec, nil
}

// Get returns the ledger row for sessionID.
//
// Postcondition: Returns the record or ErrSessionNotFound.
func (r *SessionRepository) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := r.db.QueryRow(ctx,
		`SELECT session_id, first_seen, last_seen, connect_count, last_client_addr
		 FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.SessionID, &rec.FirstSeen, &rec.LastSeen, &rec.ConnectCount, &rec.LastClientAddr)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("loading session %q: %w", sessionID, err)
	}
	return rec, nil
}

// Recent returns up to limit sessions ordered by last_seen, newest first.
func (r *SessionRepository) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_id, first_seen, last_seen, connect_count, last_client_addr
		 FROM sessions ORDER BY last_seen DESC, session_id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionRecord, error) {
		var rec SessionRecord
		err := row.Scan(&rec.SessionID, &rec.FirstSeen, &rec.LastSeen, &rec.ConnectCount, &rec.LastClientAddr)
		return rec, err
	})
}
