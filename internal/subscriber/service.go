// Package subscriber implements the subscriber lifecycle: double-opt-in
// signup, token confirmation, and the confirmed-subscriber snapshot the
// publish path enqueues against.
package subscriber

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/newsletter-service/internal/email"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/token"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// Service handles subscriber signup and confirmation.
type Service struct {
	db        *sql.DB
	tokens    *token.Issuer
	sender    email.Sender
	templates *email.TemplateService
	baseURL   string
}

// NewService creates a subscriber service.
func NewService(db *sql.DB, tokens *token.Issuer, sender email.Sender, templates *email.TemplateService, baseURL string) *Service {
	return &Service{
		db:        db,
		tokens:    tokens,
		sender:    sender,
		templates: templates,
		baseURL:   baseURL,
	}
}

// Subscribe validates the input, stores a pending subscriber plus its
// confirmation token, and sends the confirmation email. The email is sent
// before the transaction commits: a transport failure rolls everything back
// so a retry of the same address starts clean.
func (s *Service) Subscribe(ctx context.Context, address, name string) (uuid.UUID, error) {
	address, err := ValidateEmail(address)
	if err != nil {
		return uuid.Nil, err
	}
	name, err = ValidateName(name)
	if err != nil {
		return uuid.Nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin subscribe tx: %w", err)
	}
	defer tx.Rollback()

	sub := &Subscriber{
		ID:        uuid.New(),
		Email:     address,
		Name:      name,
		Status:    StatusPendingConfirmation,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscribers (id, email, name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sub.ID, sub.Email, sub.Name, sub.Status, sub.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return uuid.Nil, ErrDuplicateEmail
		}
		return uuid.Nil, fmt.Errorf("insert subscriber: %w", err)
	}

	tok, err := s.tokens.IssueFor(ctx, tx, sub.ID)
	if err != nil {
		return uuid.Nil, err
	}

	msg, err := s.templates.ConfirmationEmail(name, s.confirmationLink(tok))
	if err != nil {
		return uuid.Nil, err
	}
	msg.To = address

	if _, err := s.sender.Send(ctx, msg); err != nil {
		logger.Error("confirmation email failed", "email", address, "error", err)
		return uuid.Nil, err
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit subscribe tx: %w", err)
	}

	logger.Info("new subscriber pending confirmation", "subscriber_id", sub.ID, "email", address)
	return sub.ID, nil
}

// Confirm consumes a confirmation token and flips the bound subscriber to
// confirmed, in one transaction. A second redemption of the same token fails
// with ErrTokenNotFound and never un-confirms anyone.
func (s *Service) Confirm(ctx context.Context, tok string) error {
	if tok == "" {
		return ErrTokenNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	subscriberID, ok, err := s.tokens.Redeem(ctx, tx, tok)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscribers SET status = $1 WHERE id = $2
	`, StatusConfirmed, subscriberID)
	if err != nil {
		return fmt.Errorf("confirm subscriber: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm tx: %w", err)
	}

	logger.Info("subscriber confirmed", "subscriber_id", subscriberID)
	return nil
}

// ListConfirmed snapshots the confirmed subscribers inside the caller's
// transaction. Subscribers confirmed after the snapshot are excluded from
// that publish; rows whose stored email no longer validates are skipped with
// a warning rather than failing the whole snapshot.
func (s *Service) ListConfirmed(ctx context.Context, tx *sql.Tx) ([]*Subscriber, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, email, name FROM subscribers WHERE status = $1
	`, StatusConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{Status: StatusConfirmed}
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Name); err != nil {
			return nil, err
		}
		if _, err := ValidateEmail(sub.Email); err != nil {
			logger.Warn("skipping confirmed subscriber with invalid stored email",
				"subscriber_id", sub.ID, "email", sub.Email)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Service) confirmationLink(tok string) string {
	return fmt.Sprintf("%s/subscriptions/confirm?token=%s", s.baseURL, tok)
}
