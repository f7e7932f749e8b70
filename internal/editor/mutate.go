package editor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/history"
	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/search"
)

// checkParent must be called with mu held.
func (e *Editor) checkParent(kind script.Kind, parentID string) error {
	if kind == script.KindAct {
		if parentID != e.tree.Issue().ID {
			return validationf("parentId", "acts belong to issue %s", e.tree.Issue().ID)
		}
		return nil
	}
	parent, ok := e.tree.Node(parentID)
	if !ok {
		return validationf("parentId", "parent %s not found", parentID)
	}
	if parent.Kind != kind.ParentKind() {
		return validationf("parentId", "a %s cannot hold a %s", parent.Kind, kind)
	}
	if parent.Ref.IsTemporary() {
		return validationf("parentId", "parent %s is still being created", parentID)
	}
	return nil
}

// Create inserts a new entity optimistically under a temporary id, writes it and
// swaps in the persisted id. On failure the optimistic entity is removed and
// nothing is journaled.
func (e *Editor) Create(ctx context.Context, kind script.Kind, parentID string, fields map[string]string) (Created, error) {
	if !kind.Valid() {
		return Created{}, validationf("kind", "unknown kind %q", kind)
	}
	for field := range fields {
		if !kind.HasField(field) {
			return Created{}, validationf(field, "not a %s field", kind)
		}
	}

	e.mu.Lock()
	if kind == script.KindAct && parentID == "" {
		parentID = e.tree.Issue().ID
	}
	if err := e.checkParent(kind, parentID); err != nil {
		e.mu.Unlock()
		return Created{}, err
	}
	index, inView := blocks.InsertIndex(e.blocks, kind, parentID)
	if !inView {
		index = -1
	}
	tempID := e.newTempID()
	node := script.Node{
		Ref:       script.Temporary(tempID),
		Kind:      kind,
		ParentID:  parentID,
		SortOrder: e.tree.NextSortOrder(parentID),
		Number:    e.tree.NextNumber(kind, parentID),
		Fields:    copyFields(fields),
	}
	if err := e.tree.Insert(node, -1); err != nil {
		e.mu.Unlock()
		return Created{}, validationf("", "%v", err)
	}
	inserted, _ := e.tree.Node(tempID)
	e.reproject()
	e.mu.Unlock()

	record := script.NodeRecord(inserted)
	delete(record, "id")
	id, err := e.remote.Insert(context.WithoutCancel(ctx), kind.Table(), record)
	if err == nil && id == "" {
		err = &ReconciliationError{Kind: kind, TempID: tempID}
	}
	if err != nil {
		e.rollbackCreate(ctx, tempID)
		var failure error = &RemoteWriteError{Op: "create", Kind: kind, ID: tempID, Err: err}
		var recErr *ReconciliationError
		if errors.As(err, &recErr) {
			failure = recErr
		}
		e.report(failure)
		return Created{}, failure
	}

	e.mu.Lock()
	if e.tree.Has(id) {
		// a refresh already loaded the persisted row
		_, _ = e.tree.Remove(tempID)
	} else if err := e.tree.Reconcile(script.Temporary(tempID), id); err != nil {
		e.log.Warn("reconcile after create", "temp_id", tempID, "entity_id", id, "err", err)
	}
	e.rekeySessions(tempID, id)
	e.sched.Rekey(ctx, tempID, id)

	snapshot := inserted
	snapshot.Ref = script.Persisted(id)
	snapshot.Children = nil
	e.journal.Push(history.CreateCommand{Snapshot: script.Subtree{Root: snapshot, Index: siblingIndex(e.tree, id)}})
	e.journal.Reconcile(tempID, id)
	e.reproject()
	e.mu.Unlock()

	e.log.Debug("created entity", "kind", kind, "entity_id", id, "temp_id", tempID)
	e.refreshAfter(ctx, "create")

	e.mu.Lock()
	defer e.mu.Unlock()
	created := Created{Index: index}
	if i := blocks.Index(e.blocks, id); i >= 0 {
		created.Block = e.blocks[i]
	} else {
		created.Block = blocks.Block{Ref: script.Persisted(id), Kind: kind}
	}
	return created, nil
}

func (e *Editor) rollbackCreate(ctx context.Context, tempID string) {
	e.mu.Lock()
	_, _ = e.tree.Remove(tempID)
	e.dropSessions(tempID)
	e.reproject()
	e.sched.Discard(ctx, tempID)
	e.mu.Unlock()
}

// Update applies a keystroke-level edit locally and queues the debounced write.
// Unknown entities are ignored.
func (e *Editor) Update(ctx context.Context, entityID, field, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.tree.Node(entityID)
	if !ok {
		e.log.Debug("update on missing entity", "entity_id", entityID, "field", field)
		return nil
	}
	if !node.Kind.HasField(field) {
		return validationf(field, "not a %s field", node.Kind)
	}
	if _, err := e.tree.SetField(entityID, field, value); err != nil {
		return fmt.Errorf("update %s: %w", entityID, err)
	}
	e.reproject()
	e.sched.Queue(ctx, persist.Edit{Ref: node.Ref, Kind: node.Kind, Field: field, Value: value})
	return nil
}

// Focus opens a field session, remembering the value undo will return to.
func (e *Editor) Focus(entityID, field string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.tree.Node(entityID)
	if !ok {
		return nil
	}
	if !node.Kind.HasField(field) {
		return validationf(field, "not a %s field", node.Kind)
	}
	key := sessionKey{entityID, field}
	if _, open := e.sessions[key]; !open {
		e.sessions[key] = node.Field(field)
	}
	return nil
}

// Blur closes a field session and journals one field update when the value changed.
func (e *Editor) Blur(entityID, field string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := sessionKey{entityID, field}
	start, open := e.sessions[key]
	delete(e.sessions, key)
	if !open {
		return false, nil
	}
	node, ok := e.tree.Node(entityID)
	if !ok {
		return false, nil
	}
	current := node.Field(field)
	if current == start {
		return false, nil
	}
	e.journal.Push(history.FieldUpdateCommand{
		EntityKind: node.Kind,
		ID:         entityID,
		Field:      field,
		Old:        start,
		New:        current,
	})
	return true, nil
}

// Delete removes an entity and its descendants optimistically. A failed remote
// delete restores the snapshot at its original position.
func (e *Editor) Delete(ctx context.Context, entityID string) error {
	e.mu.Lock()
	node, ok := e.tree.Node(entityID)
	if !ok {
		e.mu.Unlock()
		e.log.Debug("delete on missing entity", "entity_id", entityID)
		return nil
	}
	if node.Ref.IsTemporary() {
		e.mu.Unlock()
		return validationf("id", "%s is still being created", entityID)
	}
	if child, ok := e.creatingUnder(entityID); ok {
		e.mu.Unlock()
		return validationf("id", "%s is still being created inside %s", child, entityID)
	}
	snapshot, err := e.tree.Remove(entityID)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("delete %s: %w", entityID, err)
	}
	e.deleting[entityID] = true
	e.reproject()
	e.mu.Unlock()

	err = e.remote.Delete(context.WithoutCancel(ctx), node.Kind.Table(), entityID)

	e.mu.Lock()
	delete(e.deleting, entityID)
	if err != nil {
		if rerr := e.tree.Restore(snapshot); rerr != nil {
			e.log.Error("restore after failed delete", "entity_id", entityID, "err", rerr)
		}
		e.reproject()
		e.mu.Unlock()
		failure := &RemoteWriteError{Op: "delete", Kind: node.Kind, ID: entityID, Err: err}
		e.report(failure)
		return failure
	}
	e.forgetSubtree(ctx, snapshot)
	e.journal.Push(history.DeleteCommand{Snapshot: snapshot})
	e.mu.Unlock()

	e.refreshAfter(ctx, "delete")
	return nil
}

// creatingUnder finds a descendant of id whose create has not been confirmed.
// It must be called with mu held.
func (e *Editor) creatingUnder(id string) (string, bool) {
	for _, child := range e.tree.Children(id) {
		if child.Ref.IsTemporary() {
			return child.ID(), true
		}
		if found, ok := e.creatingUnder(child.ID()); ok {
			return found, true
		}
	}
	return "", false
}

// forgetSubtree must be called with mu held.
func (e *Editor) forgetSubtree(ctx context.Context, snapshot script.Subtree) {
	ids := make([]string, 0, len(snapshot.Descendants)+1)
	for _, n := range snapshot.Nodes() {
		ids = append(ids, n.ID())
		e.dropSessions(n.ID())
	}
	e.sched.Discard(ctx, ids...)
}

type fieldChange struct {
	field string
	old   string
	new   string
}

type plannedWrite struct {
	node      script.Node
	changes   []fieldChange
	forgotten []persist.Edit
}

// UpdateFields writes programmatic edits immediately: one remote update per entity,
// each changed field journaled as its own command. Entities whose write fails are
// rolled back; the others keep their new values.
func (e *Editor) UpdateFields(ctx context.Context, edits []search.EntityEdit) error {
	e.mu.Lock()
	var writes []plannedWrite
	for _, edit := range edits {
		node, ok := e.tree.Node(edit.Ref.ID())
		if !ok {
			e.log.Debug("programmatic edit on missing entity", "entity_id", edit.Ref.ID())
			continue
		}
		if node.Ref.IsTemporary() {
			e.mu.Unlock()
			return validationf("id", "%s is still being created", node.ID())
		}
		for field := range edit.Fields {
			if !node.Kind.HasField(field) {
				e.mu.Unlock()
				return validationf(field, "not a %s field", node.Kind)
			}
		}
		writes = append(writes, plannedWrite{node: node})
	}

	for i := range writes {
		w := &writes[i]
		fields := edits[indexOfEdit(edits, w.node.ID())].Fields
		names := make([]string, 0, len(fields))
		for field := range fields {
			names = append(names, field)
		}
		sort.Strings(names)
		for _, field := range names {
			old, _ := e.tree.SetField(w.node.ID(), field, fields[field])
			if old != fields[field] {
				w.changes = append(w.changes, fieldChange{field: field, old: old, new: fields[field]})
			}
		}
		w.forgotten = e.sched.Forget(ctx, w.node.ID(), names...)
	}
	e.reproject()
	e.mu.Unlock()

	results := make([]error, len(writes))
	wctx := context.WithoutCancel(ctx)
	_ = e.sched.Exclusive(func() error {
		var g errgroup.Group
		for i, w := range writes {
			if len(w.changes) == 0 {
				continue
			}
			i, w := i, w
			g.Go(func() error {
				values := make(map[string]string, len(w.changes))
				for _, c := range w.changes {
					values[c.field] = c.new
				}
				results[i] = e.remote.Update(wctx, w.node.Kind.Table(), w.node.ID(), script.FieldsRecord(w.node.Kind, values))
				return nil
			})
		}
		return g.Wait()
	})

	e.mu.Lock()
	var failure error
	for i, w := range writes {
		if results[i] != nil {
			for _, c := range w.changes {
				if current, ok := e.tree.Node(w.node.ID()); ok && current.Field(c.field) == c.new {
					_, _ = e.tree.SetField(w.node.ID(), c.field, c.old)
				}
			}
			for _, edit := range w.forgotten {
				e.sched.Queue(ctx, edit)
			}
			if failure == nil {
				failure = &RemoteWriteError{Op: "update", Kind: w.node.Kind, ID: w.node.ID(), Err: results[i]}
			}
			continue
		}
		for _, c := range w.changes {
			e.journal.Push(history.FieldUpdateCommand{
				EntityKind: w.node.Kind,
				ID:         w.node.ID(),
				Field:      c.field,
				Old:        c.old,
				New:        c.new,
			})
		}
	}
	e.reproject()
	e.mu.Unlock()

	if failure != nil {
		e.report(failure)
		return failure
	}
	return nil
}

func indexOfEdit(edits []search.EntityEdit, id string) int {
	for i, edit := range edits {
		if edit.Ref.ID() == id {
			return i
		}
	}
	return -1
}

// Search scans the whole issue, whatever the current scope.
func (e *Editor) Search(term string, flags search.Flags) []search.Match {
	e.mu.Lock()
	defer e.mu.Unlock()
	return search.Search(e.tree, term, flags)
}

// ReplaceAll replaces every match and returns the number of entities written.
func (e *Editor) ReplaceAll(ctx context.Context, term, replacement string, flags search.Flags) (int, error) {
	if term == "" {
		return 0, validationf("term", "must not be empty")
	}
	e.mu.Lock()
	edits := search.PlanReplaceAll(e.tree, term, replacement, flags)
	e.mu.Unlock()
	if len(edits) == 0 {
		return 0, nil
	}
	if err := e.UpdateFields(ctx, edits); err != nil {
		return 0, err
	}
	return len(edits), nil
}

// ReplaceOne rewrites the field holding match.
func (e *Editor) ReplaceOne(ctx context.Context, match search.Match, replacement string) error {
	e.mu.Lock()
	edit, err := search.PlanReplaceOne(e.tree, match, replacement)
	e.mu.Unlock()
	switch {
	case errors.Is(err, script.ErrNotFound):
		return nil
	case errors.Is(err, search.ErrStaleMatch):
		return validationf("match", "the text changed since it was found")
	case err != nil:
		return err
	}
	return e.UpdateFields(ctx, []search.EntityEdit{edit})
}

// Undo reverts the newest journaled command. A failed undo changes nothing and
// can be retried.
func (e *Editor) Undo(ctx context.Context) (history.Command, error) {
	cmd, err := e.journal.Undo(context.WithoutCancel(ctx), applier{e})
	if err != nil {
		if !errors.Is(err, history.ErrNothingToUndo) {
			e.report(err)
		}
		return nil, err
	}
	e.refreshAfter(ctx, "undo")
	return cmd, nil
}

// Redo re-applies the newest undone command.
func (e *Editor) Redo(ctx context.Context) (history.Command, error) {
	cmd, err := e.journal.Redo(context.WithoutCancel(ctx), applier{e})
	if err != nil {
		if !errors.Is(err, history.ErrNothingToRedo) {
			e.report(err)
		}
		return nil, err
	}
	e.refreshAfter(ctx, "redo")
	return cmd, nil
}

// rekeySessions must be called with mu held.
func (e *Editor) rekeySessions(tempID, id string) {
	for key, start := range e.sessions {
		if key.id == tempID {
			delete(e.sessions, key)
			e.sessions[sessionKey{id, key.field}] = start
		}
	}
}

// dropSessions must be called with mu held.
func (e *Editor) dropSessions(id string) {
	for key := range e.sessions {
		if key.id == id {
			delete(e.sessions, key)
		}
	}
}

func siblingIndex(tree *script.Tree, id string) int {
	node, ok := tree.Node(id)
	if !ok {
		return -1
	}
	for i, sibling := range tree.Children(node.ParentID) {
		if sibling.ID() == id {
			return i
		}
	}
	return -1
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
