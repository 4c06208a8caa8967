package quotesync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
	ErrNotImplemented      = errors.New("not implemented")
	ErrNoConnection        = errors.New("no active notion connection")
	ErrNotEntitled         = errors.New("user is not entitled to notion sync")
	ErrMalformedCredential = errors.New("malformed notion credential")
	ErrMalformedConnection = errors.New("malformed notion connection")
)

// ScanError reports a failed listing or block pagination. A scan that fails
// never yields an index.
type ScanError struct {
	ContainerID string
	DocumentID  string
	Err         error
}

func (e *ScanError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("scan container %s: document %s: %v", e.ContainerID, e.DocumentID, e.Err)
	}
	return fmt.Sprintf("scan container %s: %v", e.ContainerID, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// StepError records the state whose step failed.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

var preconditions = []error{ErrNoConnection, ErrNotEntitled, ErrMalformedCredential, ErrMalformedConnection}

// IsPrecondition reports whether err is a precondition failure detected
// before any remote call.
func IsPrecondition(err error) bool {
	for _, sentinel := range preconditions {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// PublicError is the message a caller may see for a failed run. Remote and
// storage failures collapse into a generic message.
func PublicError(err error) string {
	for _, sentinel := range preconditions {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "sync failed"
}

var errMissingCursor = errors.New("has_more without next_cursor")
