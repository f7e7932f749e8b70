package editor

import (
	"errors"
	"fmt"

	"scriptdesk/api/internal/script"
)

// ErrMissingID is the cause carried by a ReconciliationError seen as a remote write
// failure.
var ErrMissingID = errors.New("remote store returned no id")

// ValidationError rejects a mutation before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RemoteWriteError is a failed insert, update or delete. Local state has been
// rolled back by the time it is returned.
type RemoteWriteError struct {
	Op   string
	Kind script.Kind
	ID   string
	Err  error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

// ReconciliationError is a successful insert whose response lacked the new id. It
// is handled exactly like a RemoteWriteError.
type ReconciliationError struct {
	Kind   script.Kind
	TempID string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile %s %s: %v", e.Kind, e.TempID, ErrMissingID)
}

func (e *ReconciliationError) Unwrap() error { return ErrMissingID }

// As lets errors.As(err, **RemoteWriteError) match a reconciliation failure.
func (e *ReconciliationError) As(target any) bool {
	rw, ok := target.(**RemoteWriteError)
	if !ok {
		return false
	}
	*rw = &RemoteWriteError{Op: "create", Kind: e.Kind, ID: e.TempID, Err: ErrMissingID}
	return true
}

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
