package email

import (
	"context"
	"fmt"
	"time"
)

// Message represents a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
	Headers map[string]string
	Tags    map[string]string
}

// Result contains the outcome of a successful send.
type Result struct {
	MessageID string
	SentAt    time.Time
}

// Sender is the outbound transport capability consumed by the subscribe flow
// and the delivery worker. Implementations are expected to be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// DeliveryError indicates the transport rejected or failed to deliver a
// message. The publish path never surfaces it to callers; the delivery worker
// records it against the task instead.
type DeliveryError struct {
	Cause error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("email delivery failed: %v", e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
