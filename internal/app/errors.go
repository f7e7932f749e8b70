package app

import (
	"errors"
	"fmt"
	"net/http"

	"scriptdesk/api/internal/editor"
	"scriptdesk/api/internal/export"
	"scriptdesk/api/internal/history"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/snapshot"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *editor.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Message, map[string]any{"field": validation.Field}
	}
	var reconciliation *editor.ReconciliationError
	if errors.As(err, &reconciliation) {
		return http.StatusBadGateway, "RECONCILIATION_FAILED", "The new entity was not confirmed and has been removed", map[string]any{"kind": reconciliation.Kind}
	}
	var remote *editor.RemoteWriteError
	if errors.As(err, &remote) {
		return http.StatusBadGateway, "REMOTE_WRITE_FAILED", "The change could not be saved and was undone", map[string]any{"op": remote.Op, "kind": remote.Kind, "id": remote.ID}
	}
	switch {
	case errors.Is(err, history.ErrNothingToUndo):
		return http.StatusConflict, "NOTHING_TO_UNDO", "Nothing to undo", nil
	case errors.Is(err, history.ErrNothingToRedo):
		return http.StatusConflict, "NOTHING_TO_REDO", "Nothing to redo", nil
	case errors.Is(err, export.ErrNotConfigured):
		return http.StatusServiceUnavailable, "EXPORTS_UNAVAILABLE", "Export storage is not configured", nil
	case errors.Is(err, snapshot.ErrNoSnapshots), errors.Is(err, script.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
