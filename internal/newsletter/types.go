package newsletter

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Delivery task statuses. queued and processing make progress; done and
// failed_permanent are terminal and never polled again.
const (
	TaskQueued          = "queued"
	TaskProcessing      = "processing"
	TaskDone            = "done"
	TaskFailedPermanent = "failed_permanent"
)

// Issue is a published newsletter issue. Immutable once created.
type Issue struct {
	ID          uuid.UUID
	Title       string
	HTMLContent string
	TextContent string
	PublishedAt time.Time
}

// DeliveryTask is one unit of "send this issue to this subscriber" work.
// The (IssueID, SubscriberID) pair is the primary key: a subscriber can
// never be enqueued twice for the same issue.
type DeliveryTask struct {
	IssueID         uuid.UUID
	SubscriberID    uuid.UUID
	Status          string
	NRetries        int
	LastAttemptedAt *time.Time
	ClaimedAt       *time.Time
	WorkerID        string
	ErrorMessage    string
}

// ErrInvalidIssue indicates a publish request with a missing title or body.
var ErrInvalidIssue = errors.New("newsletter issue requires a title, html content, and text content")
