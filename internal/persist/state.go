// Package persist coalesces in-place field edits into debounced, batched writes.
package persist

import (
	"context"
	"time"

	"scriptdesk/api/internal/script"
)

// SaveState is the user-visible persistence indicator.
type SaveState string

const (
	Saved   SaveState = "saved"
	Saving  SaveState = "saving"
	Unsaved SaveState = "unsaved"
)

// EditState tracks one pending field through clean -> dirty -> in-flight ->
// committed | failed.
type EditState string

const (
	EditClean     EditState = "clean"
	EditDirty     EditState = "dirty"
	EditInFlight  EditState = "in-flight"
	EditCommitted EditState = "committed"
	EditFailed    EditState = "failed"
)

// Edit is one queued field value.
type Edit struct {
	Ref   script.Ref
	Kind  script.Kind
	Field string
	Value string
}

// Writer is the slice of script.Remote the scheduler needs.
type Writer interface {
	Update(ctx context.Context, table, id string, fields script.Record) error
}

// Drafts mirrors pending edits outside the process so they survive a crash.
type Drafts interface {
	Put(ctx context.Context, issueID string, edit Edit) error
	Remove(ctx context.Context, issueID string, edits []Edit) error
	List(ctx context.Context, issueID string) ([]Edit, error)
}

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// AfterFunc starts a timer that calls f once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
