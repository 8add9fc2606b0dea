package newsletter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/subscriber"
)

// Store provides database operations for newsletter issues and their
// delivery tasks.
type Store struct {
	db *sql.DB
}

// NewStore creates a newsletter store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertIssue persists a newsletter issue inside the publish transaction.
func (s *Store) InsertIssue(ctx context.Context, tx *sql.Tx, issue *Issue) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO newsletter_issues (id, title, html_content, text_content, published_at)
		VALUES ($1, $2, $3, $4, $5)
	`, issue.ID, issue.Title, issue.HTMLContent, issue.TextContent, issue.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert newsletter issue: %w", err)
	}
	return nil
}

// EnqueueDeliveryTasks inserts one queued task per snapshot subscriber, all
// inside the publish transaction. Tasks become visible to workers only when
// that transaction commits.
func (s *Store) EnqueueDeliveryTasks(ctx context.Context, tx *sql.Tx, issueID uuid.UUID, subs []*subscriber.Subscriber) error {
	if len(subs) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_tasks (issue_id, subscriber_id, status, n_retries)
		VALUES ($1, $2, $3, 0)
	`)
	if err != nil {
		return fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	for _, sub := range subs {
		if _, err := stmt.ExecContext(ctx, issueID, sub.ID, TaskQueued); err != nil {
			return fmt.Errorf("enqueue delivery task for %s: %w", sub.ID, err)
		}
	}
	return nil
}

// GetIssue loads a single issue.
func (s *Store) GetIssue(ctx context.Context, issueID uuid.UUID) (*Issue, error) {
	issue := &Issue{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, html_content, text_content, published_at
		FROM newsletter_issues WHERE id = $1
	`, issueID).Scan(&issue.ID, &issue.Title, &issue.HTMLContent, &issue.TextContent, &issue.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load newsletter issue: %w", err)
	}
	return issue, nil
}

// TaskCounts returns how many delivery tasks an issue has per status,
// used by the admin status endpoint.
func (s *Store) TaskCounts(ctx context.Context, issueID uuid.UUID) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM delivery_tasks
		WHERE issue_id = $1 GROUP BY status
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("count delivery tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
