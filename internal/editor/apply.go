package editor

import (
	"context"
	"fmt"

	"scriptdesk/api/internal/script"
)

// applier performs journaled commands for undo and redo. Each method either
// changes both the remote store and the tree, or neither.
type applier struct {
	e *Editor
}

// ApplyCreate re-inserts a snapshot with its original ids, root first.
func (a applier) ApplyCreate(ctx context.Context, snapshot script.Subtree) error {
	e := a.e
	e.mu.Lock()
	if e.tree.Has(snapshot.ID()) {
		e.mu.Unlock()
		return nil
	}
	if err := e.checkParent(snapshot.Kind(), snapshot.Root.ParentID); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	for i, node := range snapshot.Nodes() {
		id, err := e.remote.Insert(ctx, node.Kind.Table(), script.NodeRecord(node))
		if err == nil && id != node.ID() {
			if id != "" {
				_ = e.remote.Delete(ctx, node.Kind.Table(), id)
			}
			err = fmt.Errorf("store assigned %q, expected %q", id, node.ID())
		}
		if err != nil {
			if i > 0 {
				if derr := e.remote.Delete(ctx, snapshot.Kind().Table(), snapshot.ID()); derr != nil {
					e.log.Error("clean up partial restore", "entity_id", snapshot.ID(), "err", derr)
				}
			}
			return &RemoteWriteError{Op: "restore", Kind: node.Kind, ID: node.ID(), Err: err}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.tree.Restore(snapshot); err != nil {
		e.log.Warn("local restore after re-insert", "entity_id", snapshot.ID(), "err", err)
	}
	e.reproject()
	return nil
}

// ApplyDelete removes the snapshot's root; the store cascades to descendants.
func (a applier) ApplyDelete(ctx context.Context, snapshot script.Subtree) error {
	e := a.e
	id := snapshot.ID()

	e.mu.Lock()
	node, ok := e.tree.Node(id)
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if child, ok := e.creatingUnder(id); ok {
		e.mu.Unlock()
		return validationf("id", "%s is still being created inside %s", child, id)
	}
	current, err := e.tree.Remove(id)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, err)
	}
	e.deleting[id] = true
	e.reproject()
	e.mu.Unlock()

	err = e.remote.Delete(ctx, node.Kind.Table(), id)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.deleting, id)
	if err != nil {
		if rerr := e.tree.Restore(current); rerr != nil {
			e.log.Error("restore after failed delete", "entity_id", id, "err", rerr)
		}
		e.reproject()
		return &RemoteWriteError{Op: "delete", Kind: node.Kind, ID: id, Err: err}
	}
	e.forgetSubtree(ctx, current)
	e.reproject()
	return nil
}

// ApplyField writes one field immediately, superseding any debounced value.
func (a applier) ApplyField(ctx context.Context, kind script.Kind, id, field, value string) error {
	e := a.e

	e.mu.Lock()
	node, ok := e.tree.Node(id)
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if node.Ref.IsTemporary() {
		e.mu.Unlock()
		return validationf("id", "%s is still being created", id)
	}
	old, err := e.tree.SetField(id, field, value)
	if err != nil {
		e.mu.Unlock()
		return validationf(field, "%v", err)
	}
	forgotten := e.sched.Forget(ctx, id, field)
	e.reproject()
	e.mu.Unlock()

	err = e.sched.Exclusive(func() error {
		return e.remote.Update(ctx, kind.Table(), id, script.FieldsRecord(kind, map[string]string{field: value}))
	})
	if err == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.tree.Node(id); ok && current.Field(field) == value {
		_, _ = e.tree.SetField(id, field, old)
	}
	for _, edit := range forgotten {
		e.sched.Queue(ctx, edit)
	}
	e.reproject()
	return &RemoteWriteError{Op: "update", Kind: kind, ID: id, Err: err}
}
