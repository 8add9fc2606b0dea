// Package newsletter implements issue publication: one transaction covering
// the issue row, the per-subscriber delivery tasks, and the idempotency
// ledger entry that makes publish retry-safe.
package newsletter

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/idempotency"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/subscriber"
)

// acceptedBody is the response body stored in the ledger and replayed on
// retries; it must stay byte-stable across releases for replay fidelity.
const acceptedBody = "The newsletter issue has been accepted and is being delivered."

// ConfirmedLister snapshots confirmed subscribers inside a transaction.
type ConfirmedLister interface {
	ListConfirmed(ctx context.Context, tx *sql.Tx) ([]*subscriber.Subscriber, error)
}

// PublishRequest carries one publish form submission.
type PublishRequest struct {
	Title          string
	HTMLContent    string
	TextContent    string
	IdempotencyKey string
}

// Validate checks the request before any write happens.
func (r PublishRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" ||
		strings.TrimSpace(r.HTMLContent) == "" ||
		strings.TrimSpace(r.TextContent) == "" {
		return ErrInvalidIssue
	}
	return nil
}

// Service handles newsletter publication.
type Service struct {
	store       *Store
	ledger      *idempotency.Ledger
	subscribers ConfirmedLister
}

// NewService creates a publication service.
func NewService(store *Store, ledger *idempotency.Ledger, subscribers ConfirmedLister) *Service {
	return &Service{store: store, ledger: ledger, subscribers: subscribers}
}

// Publish accepts a newsletter issue for delivery. Retries carrying the same
// idempotency key (same publisher) get the stored response replayed verbatim
// and cause no second issue or duplicate tasks, regardless of body contents.
func (s *Service) Publish(ctx context.Context, userID uuid.UUID, req PublishRequest) (*idempotency.SavedResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, err := idempotency.ParseKey(req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	tx, saved, err := s.ledger.TryProcessing(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		logger.Info("replaying publish response", "user_id", userID, "idempotency_key", string(key))
		return saved, nil
	}
	defer tx.Rollback()

	issue := &Issue{
		ID:          uuid.New(),
		Title:       req.Title,
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		PublishedAt: time.Now().UTC(),
	}
	if err := s.store.InsertIssue(ctx, tx, issue); err != nil {
		return nil, err
	}

	subs, err := s.subscribers.ListConfirmed(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := s.store.EnqueueDeliveryTasks(ctx, tx, issue.ID, subs); err != nil {
		return nil, err
	}

	resp := acceptedResponse()
	if err := s.ledger.SaveResponse(ctx, tx, userID, key, resp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logger.Info("newsletter issue accepted",
		"issue_id", issue.ID, "tasks_enqueued", len(subs), "user_id", userID)
	return resp, nil
}

// IssueStatus reports a published issue together with its delivery progress,
// as task counts per status. A nil issue means the ID is unknown.
func (s *Service) IssueStatus(ctx context.Context, issueID uuid.UUID) (*Issue, map[string]int, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, nil, err
	}
	if issue == nil {
		return nil, nil, nil
	}
	counts, err := s.store.TaskCounts(ctx, issueID)
	if err != nil {
		return nil, nil, err
	}
	return issue, counts, nil
}

func acceptedResponse() *idempotency.SavedResponse {
	return &idempotency.SavedResponse{
		StatusCode: http.StatusSeeOther,
		Headers:    http.Header{"Location": []string{"/admin/newsletter"}},
		Body:       []byte(acceptedBody),
	}
}
