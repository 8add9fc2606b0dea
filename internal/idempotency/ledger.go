// Package idempotency implements the keyed response ledger guarding the
// publish operation. A ledger row is inserted in the same transaction as the
// side effects it guards, so either both commit or neither does; retries of a
// completed request replay the stored response byte for byte.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxKeyLength bounds client-supplied idempotency keys.
const maxKeyLength = 50

// Replay polling covers the race where a concurrent request holding the same
// key has inserted its ledger row but not yet committed.
const (
	replayAttempts     = 10
	replayPollInterval = 200 * time.Millisecond
)

var (
	// ErrInvalidKey indicates an empty or oversized idempotency key.
	ErrInvalidKey = errors.New("idempotency key must be 1-50 characters")

	// ErrStillProcessing indicates the concurrent holder of the key did not
	// commit within the replay window.
	ErrStillProcessing = errors.New("an earlier request with this idempotency key is still processing")
)

// Key is a validated idempotency key.
type Key string

// ParseKey validates a client-supplied idempotency key.
func ParseKey(s string) (Key, error) {
	if s == "" || len(s) > maxKeyLength {
		return "", ErrInvalidKey
	}
	return Key(s), nil
}

// SavedResponse is the verbatim HTTP response stored for a completed request.
type SavedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Ledger provides keyed begin-or-replay semantics over Postgres.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger backed by the given database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// TryProcessing claims (userID, key). Exactly one of the return values is
// set: a transaction the caller must finish with SaveResponse and Commit, or
// the previously saved response to replay.
//
// The claim is an INSERT ... ON CONFLICT DO NOTHING inside the returned
// transaction. A concurrent duplicate blocks on the uncommitted row and then
// observes zero affected rows, at which point it polls for the winner's
// committed response instead of re-executing.
func (l *Ledger) TryProcessing(ctx context.Context, userID uuid.UUID, key Key) (*sql.Tx, *SavedResponse, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin idempotency tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_ledger (user_id, idempotency_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`, userID, string(key))
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("claim idempotency key: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if inserted > 0 {
		return tx, nil, nil
	}
	tx.Rollback()

	for attempt := 0; attempt < replayAttempts; attempt++ {
		saved, err := l.getSaved(ctx, userID, key)
		if err != nil {
			return nil, nil, err
		}
		if saved != nil {
			return nil, saved, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(replayPollInterval):
		}
	}
	return nil, nil, ErrStillProcessing
}

// SaveResponse records the response for the claimed key inside the caller's
// transaction. The caller commits, making the domain writes and the ledger
// entry atomic.
func (l *Ledger) SaveResponse(ctx context.Context, tx *sql.Tx, userID uuid.UUID, key Key, resp *SavedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("encode response headers: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE idempotency_ledger
		SET response_status_code = $3,
		    response_headers = $4,
		    response_body = $5
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, string(key), resp.StatusCode, headers, resp.Body)
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("save idempotent response: expected 1 ledger row, updated %d", n)
	}
	return nil
}

func (l *Ledger) getSaved(ctx context.Context, userID uuid.UUID, key Key) (*SavedResponse, error) {
	var (
		status  sql.NullInt64
		headers []byte
		body    []byte
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT response_status_code, response_headers, response_body
		FROM idempotency_ledger
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, string(key)).Scan(&status, &headers, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load saved response: %w", err)
	}
	// Row exists but response not yet written: the holder has not committed.
	if !status.Valid {
		return nil, nil
	}

	saved := &SavedResponse{
		StatusCode: int(status.Int64),
		Headers:    http.Header{},
		Body:       body,
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &saved.Headers); err != nil {
			return nil, fmt.Errorf("decode response headers: %w", err)
		}
	}
	return saved, nil
}
