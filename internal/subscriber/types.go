package subscriber

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Subscriber lifecycle statuses. The only legal transition is
// pending_confirmation → confirmed; nothing moves a subscriber backward.
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
)

// Subscriber represents a newsletter recipient.
type Subscriber struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Status    string
	CreatedAt time.Time
}

var (
	// ErrInvalidEmail indicates the address failed format validation.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrInvalidName indicates the name is empty, too long, or contains
	// forbidden characters.
	ErrInvalidName = errors.New("invalid subscriber name")

	// ErrDuplicateEmail indicates the address is already subscribed.
	ErrDuplicateEmail = errors.New("email is already subscribed")

	// ErrTokenNotFound covers both unknown and already-consumed tokens.
	// The two cases are deliberately indistinguishable to callers so the
	// confirm endpoint cannot be used to enumerate tokens.
	ErrTokenNotFound = errors.New("confirmation token invalid")
)
