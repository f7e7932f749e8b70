// Package history is the undo/redo journal: a bounded linear history of invertible
// commands over the script tree.
package history

import (
	"context"

	"scriptdesk/api/internal/script"
)

// Op tags a command variant.
type Op string

const (
	OpCreate      Op = "create"
	OpDelete      Op = "delete"
	OpFieldUpdate Op = "field-update"
)

// Applier performs a command against the remote store and local state.
type Applier interface {
	ApplyCreate(ctx context.Context, snapshot script.Subtree) error
	ApplyDelete(ctx context.Context, snapshot script.Subtree) error
	ApplyField(ctx context.Context, kind script.Kind, id, field, value string) error
}

// Command is one journaled mutation. The set of variants is closed.
type Command interface {
	Op() Op
	Kind() script.Kind
	EntityID() string
	// Invert returns the command that undoes this one.
	Invert() Command
	Apply(ctx context.Context, a Applier) error
	References(id string) bool
	rename(from, persistedID string) Command
}

// CreateCommand records an entity that was created; the snapshot holds its
// persisted id and server-visible fields.
type CreateCommand struct {
	Snapshot script.Subtree
}

func (c CreateCommand) Op() Op            { return OpCreate }
func (c CreateCommand) Kind() script.Kind { return c.Snapshot.Kind() }
func (c CreateCommand) EntityID() string  { return c.Snapshot.ID() }
func (c CreateCommand) Invert() Command   { return DeleteCommand{Snapshot: c.Snapshot} }
func (c CreateCommand) References(id string) bool {
	return c.Snapshot.Contains(id)
}

func (c CreateCommand) Apply(ctx context.Context, a Applier) error {
	return a.ApplyCreate(ctx, c.Snapshot)
}

func (c CreateCommand) rename(from, persistedID string) Command {
	return CreateCommand{Snapshot: c.Snapshot.Rename(from, persistedID)}
}

// DeleteCommand records a removed entity with every descendant.
type DeleteCommand struct {
	Snapshot script.Subtree
}

func (c DeleteCommand) Op() Op            { return OpDelete }
func (c DeleteCommand) Kind() script.Kind { return c.Snapshot.Kind() }
func (c DeleteCommand) EntityID() string  { return c.Snapshot.ID() }
func (c DeleteCommand) Invert() Command   { return CreateCommand{Snapshot: c.Snapshot} }
func (c DeleteCommand) References(id string) bool {
	return c.Snapshot.Contains(id)
}

func (c DeleteCommand) Apply(ctx context.Context, a Applier) error {
	return a.ApplyDelete(ctx, c.Snapshot)
}

func (c DeleteCommand) rename(from, persistedID string) Command {
	return DeleteCommand{Snapshot: c.Snapshot.Rename(from, persistedID)}
}

// FieldUpdateCommand records the change of exactly one field.
type FieldUpdateCommand struct {
	EntityKind script.Kind
	ID         string
	Field      string
	Old        string
	New        string
}

func (c FieldUpdateCommand) Op() Op            { return OpFieldUpdate }
func (c FieldUpdateCommand) Kind() script.Kind { return c.EntityKind }
func (c FieldUpdateCommand) EntityID() string  { return c.ID }
func (c FieldUpdateCommand) References(id string) bool {
	return c.ID == id
}

func (c FieldUpdateCommand) Invert() Command {
	inverted := c
	inverted.Old, inverted.New = c.New, c.Old
	return inverted
}

func (c FieldUpdateCommand) Apply(ctx context.Context, a Applier) error {
	return a.ApplyField(ctx, c.EntityKind, c.ID, c.Field, c.New)
}

func (c FieldUpdateCommand) rename(from, persistedID string) Command {
	if c.ID == from {
		c.ID = persistedID
	}
	return c
}
