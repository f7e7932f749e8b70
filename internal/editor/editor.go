// Package editor is the mutation pipeline for one open issue. An Editor owns the
// tree, the projected blocks, the undo journal and the save scheduler; it is the
// only writer of the tree.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/history"
	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/util"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a non-fatal, user-visible message.
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type Options struct {
	Remote    script.Remote
	Drafts    persist.Drafts
	Logger    *logger.Logger
	Notifier  Notifier
	Debounce  time.Duration
	UndoLimit int
	AfterFunc persist.AfterFunc
	NewTempID func() string
	// OnRefresh receives a copy of the tree after every successful refresh.
	OnRefresh func(*script.Tree)
}

type sessionKey struct {
	id    string
	field string
}

// Created describes a successful Create. Index is the position the new block took
// in the projection, or -1 when its parent is outside the current scope.
type Created struct {
	Block blocks.Block `json:"block"`
	Index int          `json:"index"`
}

type Editor struct {
	issueID   string
	remote    script.Remote
	log       *logger.Logger
	notifier  Notifier
	journal   *history.Journal
	sched     *persist.Scheduler
	newTempID func() string
	onRefresh func(*script.Tree)

	mu       sync.Mutex
	tree     *script.Tree
	scope    blocks.Scope
	anchor   blocks.Anchor
	blocks   []blocks.Block
	sessions map[sessionKey]string
	deleting map[string]bool
}

// Open loads issueID from the remote store, replays any recovered drafts and
// projects the first page.
func Open(ctx context.Context, issueID string, opts Options) (*Editor, error) {
	if opts.Remote == nil {
		return nil, errors.New("open editor: remote store is required")
	}
	tree, err := script.LoadDocument(ctx, opts.Remote, issueID)
	if err != nil {
		return nil, fmt.Errorf("open editor: %w", err)
	}

	e := &Editor{
		issueID:   issueID,
		remote:    opts.Remote,
		log:       logger.OrNop(opts.Logger).With("issue_id", issueID),
		notifier:  opts.Notifier,
		journal:   history.NewJournal(opts.UndoLimit),
		newTempID: opts.NewTempID,
		onRefresh: opts.OnRefresh,
		tree:      tree,
		scope:     blocks.ScopePage,
		sessions:  make(map[sessionKey]string),
		deleting:  make(map[string]bool),
	}
	if e.newTempID == nil {
		e.newTempID = util.NewTempID
	}
	e.sched = persist.New(persist.Options{
		IssueID:      issueID,
		Debounce:     opts.Debounce,
		Writer:       opts.Remote,
		Drafts:       opts.Drafts,
		Logger:       opts.Logger,
		AfterFunc:    opts.AfterFunc,
		OnFlushError: e.flushFailed,
	})

	recovered, err := e.sched.Recover(ctx)
	if err != nil {
		e.log.Warn("draft recovery failed", "err", err)
	}
	for _, edit := range recovered {
		if _, err := e.tree.SetField(edit.Ref.ID(), edit.Field, edit.Value); err != nil {
			e.log.Debug("skip recovered draft", "entity_id", edit.Ref.ID(), "field", edit.Field, "err", err)
		}
	}
	e.reproject()
	return e, nil
}

func (e *Editor) IssueID() string { return e.issueID }

// Close flushes pending edits, stops the save timer and drops the journal.
func (e *Editor) Close(ctx context.Context) error {
	err := e.sched.Flush(ctx)
	e.sched.Close()
	e.journal.Clear()
	return err
}

// reproject must be called with mu held.
func (e *Editor) reproject() {
	e.blocks = blocks.Project(e.tree, e.scope, e.anchor)
}

// SetScope changes the projection and returns the new blocks.
func (e *Editor) SetScope(scope blocks.Scope, anchor blocks.Anchor) []blocks.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scope = scope
	e.anchor = anchor
	e.reproject()
	return append([]blocks.Block(nil), e.blocks...)
}

func (e *Editor) Blocks() []blocks.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]blocks.Block(nil), e.blocks...)
}

func (e *Editor) View() (blocks.Scope, blocks.Anchor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope, e.anchor
}

// Snapshot returns a deep copy of the current tree.
func (e *Editor) Snapshot() *script.Tree {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Clone()
}

func (e *Editor) SaveState() persist.SaveState { return e.sched.State() }

func (e *Editor) EditState(id, field string) persist.EditState { return e.sched.EditState(id, field) }

func (e *Editor) PendingIDs() []string { return e.sched.PendingIDs() }

// SaveNow cancels the debounce timer and waits for every pending write.
func (e *Editor) SaveNow(ctx context.Context) error {
	if err := e.sched.Flush(ctx); err != nil {
		e.notify(LevelError, "Some changes could not be saved. They are kept and will be retried.")
		return err
	}
	return nil
}

func (e *Editor) CanUndo() bool { return e.journal.CanUndo() }
func (e *Editor) CanRedo() bool { return e.journal.CanRedo() }

// JournalReferences reports whether any journaled command mentions id.
func (e *Editor) JournalReferences(id string) bool { return e.journal.References(id) }

// Refresh reloads the issue, replaces the tree wholesale and re-projects. Edits not
// yet saved and entities still being created are carried over so nothing the user
// typed disappears.
func (e *Editor) Refresh(ctx context.Context) error {
	fresh, err := script.LoadDocument(ctx, e.remote, e.issueID)
	if err != nil {
		return fmt.Errorf("refresh issue %s: %w", e.issueID, err)
	}

	e.mu.Lock()
	for id := range e.deleting {
		_, _ = fresh.Remove(id)
	}
	e.carryTemporary(fresh)
	for _, edit := range e.sched.Pending() {
		if _, err := fresh.SetField(edit.Ref.ID(), edit.Field, edit.Value); err != nil {
			e.log.Debug("pending edit target gone after refresh", "entity_id", edit.Ref.ID(), "field", edit.Field)
		}
	}
	e.tree = fresh
	e.reproject()
	var copyForHook *script.Tree
	if e.onRefresh != nil {
		copyForHook = e.tree.Clone()
	}
	e.mu.Unlock()

	if copyForHook != nil {
		e.onRefresh(copyForHook)
	}
	return nil
}

func (e *Editor) carryTemporary(fresh *script.Tree) {
	e.tree.Walk(func(node script.Node) bool {
		if node.Ref.IsTemporary() {
			if err := fresh.Insert(node, -1); err != nil {
				e.log.Debug("drop in-flight entity on refresh", "entity_id", node.ID(), "err", err)
			}
		}
		return true
	})
}

func (e *Editor) refreshAfter(ctx context.Context, op string) {
	if err := e.Refresh(ctx); err != nil {
		e.log.Warn("refresh failed", "op", op, "err", err)
		e.notify(LevelWarn, "The document could not be reloaded; showing local state.")
	}
}

func (e *Editor) flushFailed(err error) {
	e.log.Warn("background save failed", "err", err)
	e.notify(LevelWarn, "Changes could not be saved. They are kept and will be retried.")
}

func (e *Editor) notify(level Level, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(Notification{Level: level, Message: message, At: time.Now()})
}

// report logs a rolled-back failure and tells the user.
func (e *Editor) report(err error) {
	e.log.Warn("mutation rolled back", "err", err)
	var rw *RemoteWriteError
	if errors.As(err, &rw) {
		e.notify(LevelError, fmt.Sprintf("Could not %s the %s. Your change was undone.", rw.Op, rw.Kind))
		return
	}
	e.notify(LevelError, err.Error())
}
