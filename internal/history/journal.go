package history

import (
	"context"
	"errors"
	"sync"
)

// DefaultLimit bounds the undo stack when no limit is configured.
const DefaultLimit = 100

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

type entry struct {
	seq uint64
	cmd Command
}

// Journal is a bounded two-stack history. A failed undo or redo leaves both stacks
// as they were, so the same step can be retried.
type Journal struct {
	limit int

	// applyMu serialises Undo/Redo so two callers never apply the same entry.
	applyMu sync.Mutex

	mu   sync.Mutex
	seq  uint64
	undo []entry
	redo []entry
}

func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Journal{limit: limit}
}

// Push records a new command and drops the redo history.
func (j *Journal) Push(cmd Command) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	j.undo = append(j.undo, entry{seq: j.seq, cmd: cmd})
	if overflow := len(j.undo) - j.limit; overflow > 0 {
		j.undo = append([]entry(nil), j.undo[overflow:]...)
	}
	j.redo = nil
}

// Undo applies the inverse of the newest command and moves it to the redo stack.
func (j *Journal) Undo(ctx context.Context, a Applier) (Command, error) {
	j.applyMu.Lock()
	defer j.applyMu.Unlock()

	top, ok := j.peek(&j.undo)
	if !ok {
		return nil, ErrNothingToUndo
	}
	if err := top.cmd.Invert().Apply(ctx, a); err != nil {
		return nil, err
	}
	j.move(top, &j.undo, &j.redo)
	return top.cmd, nil
}

// Redo re-applies the newest undone command and moves it back to the undo stack.
func (j *Journal) Redo(ctx context.Context, a Applier) (Command, error) {
	j.applyMu.Lock()
	defer j.applyMu.Unlock()

	top, ok := j.peek(&j.redo)
	if !ok {
		return nil, ErrNothingToRedo
	}
	if err := top.cmd.Apply(ctx, a); err != nil {
		return nil, err
	}
	j.move(top, &j.redo, &j.undo)
	return top.cmd, nil
}

func (j *Journal) peek(stack *[]entry) (entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(*stack) == 0 {
		return entry{}, false
	}
	return (*stack)[len(*stack)-1], true
}

// move takes e off from and pushes it on to. A Push that landed while e was being
// applied already cleared the redo stack; in that case e is simply dropped from
// from.
func (j *Journal) move(e entry, from, to *[]entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(*from) - 1; i >= 0; i-- {
		if (*from)[i].seq == e.seq {
			*from = append((*from)[:i:i], (*from)[i+1:]...)
			break
		}
	}
	if to == &j.redo && len(j.undo) > 0 && j.undo[len(j.undo)-1].seq > e.seq {
		return
	}
	*to = append(*to, e)
}

func (j *Journal) CanUndo() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo) > 0
}

func (j *Journal) CanRedo() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.redo) > 0
}

// Len returns the depth of the undo and redo stacks.
func (j *Journal) Len() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.undo), len(j.redo)
}

// Clear empties both stacks.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = nil
	j.redo = nil
}

// Reconcile rewrites references to a temporary id in every journaled command.
func (j *Journal) Reconcile(tempID, persistedID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, stack := range [][]entry{j.undo, j.redo} {
		for i := range stack {
			if stack[i].cmd.References(tempID) {
				stack[i].cmd = stack[i].cmd.rename(tempID, persistedID)
			}
		}
	}
}

// References reports whether any journaled command mentions id.
func (j *Journal) References(id string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, stack := range [][]entry{j.undo, j.redo} {
		for _, e := range stack {
			if e.cmd.References(id) {
				return true
			}
		}
	}
	return false
}
