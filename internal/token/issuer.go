// Package token issues and redeems the single-use confirmation tokens that
// gate the pending_confirmation → confirmed subscriber transition.
package token

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// tokenBytes is the entropy of a confirmation token. 32 random bytes
// (64 hex chars) makes brute-forcing a confirmation infeasible.
const tokenBytes = 32

// Issuer manages confirmation token storage. Both operations run inside the
// caller's transaction so token writes commit atomically with the subscriber
// state they guard.
type Issuer struct{}

// NewIssuer creates a token issuer.
func NewIssuer() *Issuer {
	return &Issuer{}
}

// Generate returns a new high-entropy opaque token.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueFor generates a token and stores its binding to the subscriber.
func (i *Issuer) IssueFor(ctx context.Context, tx *sql.Tx, subscriberID uuid.UUID) (string, error) {
	tok, err := Generate()
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO confirmation_tokens (token, subscriber_id, consumed)
		VALUES ($1, $2, FALSE)
	`, tok, subscriberID)
	if err != nil {
		return "", fmt.Errorf("store confirmation token: %w", err)
	}
	return tok, nil
}

// Redeem atomically consumes a token and returns the bound subscriber id.
// A token that is absent or already consumed returns ok=false; it can never
// be redeemed twice because the conditional UPDATE matches at most once.
func (i *Issuer) Redeem(ctx context.Context, tx *sql.Tx, tok string) (uuid.UUID, bool, error) {
	var subscriberID uuid.UUID
	err := tx.QueryRowContext(ctx, `
		UPDATE confirmation_tokens
		SET consumed = TRUE
		WHERE token = $1 AND NOT consumed
		RETURNING subscriber_id
	`, tok).Scan(&subscriberID)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("redeem confirmation token: %w", err)
	}
	return subscriberID, true, nil
}
