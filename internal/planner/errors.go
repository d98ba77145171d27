package planner

import (
	"errors"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/schema"
)

var (
	// ErrQueued is returned when an edit was saved locally but its remote
	// write could not be confirmed and is waiting in the outbox.
	ErrQueued = errors.New("saved locally, remote write queued")

	// ErrSystemList is returned when deleting the Inbox.
	ErrSystemList = errors.New("the system list cannot be deleted")

	// ErrNotOccurrence is returned when a date is not generated by the rule.
	ErrNotOccurrence = errors.New("date is not an occurrence of the rule")

	// ErrAlreadyDetached is returned when detaching an occurrence that is
	// already skipped.
	ErrAlreadyDetached = errors.New("occurrence is already skipped or detached")
)

// errBehindQueue is the cause of a QueuedError for writes that were not
// attempted because older writes of the same entity are still queued.
var errBehindQueue = errors.New("earlier writes are still queued")

// QueuedError reports a write that was committed locally and enqueued.
// It matches both ErrQueued and the remote error that caused it.
type QueuedError struct {
	Entity  schema.Entity
	ID      string
	EntryID int64
	Err     error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Entity, e.ID, ErrQueued, e.Err)
}

func (e *QueuedError) Unwrap() []error { return []error{ErrQueued, e.Err} }

// IsQueued reports whether err only says the remote write was deferred; the
// local edit itself succeeded.
func IsQueued(err error) bool {
	return errors.Is(err, ErrQueued)
}

// firstErr keeps the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
