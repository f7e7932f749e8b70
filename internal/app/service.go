package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/editor"
	"scriptdesk/api/internal/export"
	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/search"
	"scriptdesk/api/internal/snapshot"
	"scriptdesk/api/internal/store"
)

const maxNotifications = 50

type pinger interface {
	Ping(ctx context.Context) error
}

type draftPurger interface {
	Purge(ctx context.Context, issueID string) error
}

type Options struct {
	Remote script.Remote
	// Drafts, Meili, PgFTS, Snapshots and Exports are optional.
	Drafts    persist.Drafts
	Meili     *search.Meili
	PgFTS     *search.PgFTS
	Snapshots *snapshot.Service
	Exports   *export.Service
	Logger    *logger.Logger
	Debounce  time.Duration
	UndoLimit int
	AfterFunc persist.AfterFunc
}

type issueSession struct {
	editor *editor.Editor

	mu    sync.Mutex
	notes []editor.Notification
}

func (s *issueSession) Notify(n editor.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, n)
	if len(s.notes) > maxNotifications {
		s.notes = s.notes[len(s.notes)-maxNotifications:]
	}
}

func (s *issueSession) drain() []editor.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notes
	s.notes = nil
	if out == nil {
		out = []editor.Notification{}
	}
	return out
}

// Service keeps one editor per open issue and fronts the optional backends.
type Service struct {
	remote    script.Remote
	drafts    persist.Drafts
	search    *search.Service
	snapshots *snapshot.Service
	exports   *export.Service
	log       *logger.Logger
	debounce  time.Duration
	undoLimit int
	afterFunc persist.AfterFunc

	// openMu serialises editor construction so an issue is loaded once.
	openMu   sync.Mutex
	mu       sync.Mutex
	sessions map[string]*issueSession
}

func New(opts Options) *Service {
	s := &Service{
		remote:    opts.Remote,
		drafts:    opts.Drafts,
		snapshots: opts.Snapshots,
		exports:   opts.Exports,
		log:       logger.OrNop(opts.Logger),
		debounce:  opts.Debounce,
		undoLimit: opts.UndoLimit,
		afterFunc: opts.AfterFunc,
		sessions:  make(map[string]*issueSession),
	}
	s.search = search.NewService(opts.Meili, opts.PgFTS, s, opts.Logger)
	return s
}

func (s *Service) Logger() *logger.Logger { return s.log }

// Ping checks the remote store and the drafts mirror when they support it.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.remote.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("remote store: %w", err)
		}
	}
	if p, ok := s.drafts.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("drafts: %w", err)
		}
	}
	return nil
}

// OpenTrees returns a copy of every loaded issue.
func (s *Service) OpenTrees() []*script.Tree {
	s.mu.Lock()
	sessions := make([]*issueSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	trees := make([]*script.Tree, 0, len(sessions))
	for _, session := range sessions {
		trees = append(trees, session.editor.Snapshot())
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].Issue().ID < trees[j].Issue().ID })
	return trees
}

func (s *Service) ListIssues(ctx context.Context) ([]store.IssueSummary, error) {
	return store.ListIssues(ctx, s.remote)
}

func (s *Service) CreateIssue(ctx context.Context, title string, number int) (store.IssueSummary, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.IssueSummary{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	id, err := s.remote.Insert(ctx, script.IssuesTable, script.Record{"title": title, "issue_number": number})
	if err != nil {
		return store.IssueSummary{}, fmt.Errorf("create issue: %w", err)
	}
	if id == "" {
		return store.IssueSummary{}, fmt.Errorf("create issue: %w", editor.ErrMissingID)
	}
	return store.IssueSummary{ID: id, Title: title, Number: number}, nil
}

// Editor returns the editor for issueID, loading the issue on first use.
func (s *Service) Editor(ctx context.Context, issueID string) (*editor.Editor, error) {
	if session := s.session(issueID); session != nil {
		return session.editor, nil
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()
	if session := s.session(issueID); session != nil {
		return session.editor, nil
	}

	session := &issueSession{}
	e, err := editor.Open(ctx, issueID, editor.Options{
		Remote:    s.remote,
		Drafts:    s.drafts,
		Logger:    s.log,
		Notifier:  session,
		Debounce:  s.debounce,
		UndoLimit: s.undoLimit,
		AfterFunc: s.afterFunc,
		OnRefresh: s.search.IndexIssue,
	})
	if errors.Is(err, script.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "ISSUE_NOT_FOUND", fmt.Sprintf("issue %s not found", issueID), nil)
	}
	if err != nil {
		return nil, err
	}
	session.editor = e

	s.mu.Lock()
	s.sessions[issueID] = session
	s.mu.Unlock()

	s.search.IndexIssue(e.Snapshot())
	s.log.Info("issue opened", "issue_id", issueID)
	return e, nil
}

func (s *Service) session(issueID string) *issueSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[issueID]
}

// Notifications drains the messages raised for an open issue.
func (s *Service) Notifications(issueID string) []editor.Notification {
	session := s.session(issueID)
	if session == nil {
		return []editor.Notification{}
	}
	return session.drain()
}

// CloseIssue flushes pending edits and unloads the issue.
func (s *Service) CloseIssue(ctx context.Context, issueID string) error {
	s.mu.Lock()
	session := s.sessions[issueID]
	delete(s.sessions, issueID)
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := session.editor.Close(ctx); err != nil {
		return err
	}
	// every edit is saved, so mirrored drafts are stale
	if p, ok := s.drafts.(draftPurger); ok {
		if err := p.Purge(ctx, issueID); err != nil {
			s.log.Warn("purge drafts", "issue_id", issueID, "err", err)
		}
	}
	return nil
}

// Shutdown closes every open issue and reports the first flush failure.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := s.CloseIssue(ctx, id); err != nil {
			s.log.Error("flush on shutdown", "issue_id", id, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *Service) Lookup(q search.Query) search.Response {
	return s.search.Lookup(q)
}

// TakeSnapshot saves pending edits, then records the issue as a new version.
func (s *Service) TakeSnapshot(ctx context.Context, issueID, author, message, name string) (snapshot.CommitInfo, bool, error) {
	if s.snapshots == nil {
		return snapshot.CommitInfo{}, false, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_UNAVAILABLE", "Snapshots are not configured", nil)
	}
	e, err := s.Editor(ctx, issueID)
	if err != nil {
		return snapshot.CommitInfo{}, false, err
	}
	if err := e.SaveNow(ctx); err != nil {
		return snapshot.CommitInfo{}, false, domainError(http.StatusConflict, "UNSAVED_CHANGES", "Pending edits could not be saved", nil)
	}
	if strings.TrimSpace(author) == "" {
		author = "ScriptDesk"
	}
	return s.snapshots.Commit(e.Snapshot(), author, message, name)
}

func (s *Service) SnapshotHistory(issueID string, limit int) ([]snapshot.CommitInfo, error) {
	if s.snapshots == nil {
		return []snapshot.CommitInfo{}, nil
	}
	return s.snapshots.History(issueID, limit)
}

func (s *Service) SnapshotText(issueID, rev string) (string, error) {
	if s.snapshots == nil {
		return "", domainError(http.StatusServiceUnavailable, "SNAPSHOTS_UNAVAILABLE", "Snapshots are not configured", nil)
	}
	return s.snapshots.TextAt(issueID, rev)
}

func (s *Service) SnapshotDiff(issueID, from, to string) ([]snapshot.Change, error) {
	if s.snapshots == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_UNAVAILABLE", "Snapshots are not configured", nil)
	}
	return s.snapshots.DiffRevisions(issueID, from, to)
}

// Export archives the linear text of a scope of the issue as it is on screen,
// including edits not saved yet.
func (s *Service) Export(ctx context.Context, issueID string, scope blocks.Scope, anchor blocks.Anchor, author string) (export.Result, error) {
	e, err := s.Editor(ctx, issueID)
	if err != nil {
		return export.Result{}, err
	}
	return s.exports.Archive(ctx, e.Snapshot(), export.Request{Scope: scope, Anchor: anchor, Author: author})
}

// Text renders a scope of the issue as linear text.
func (s *Service) Text(ctx context.Context, issueID string, scope blocks.Scope, anchor blocks.Anchor) (string, error) {
	e, err := s.Editor(ctx, issueID)
	if err != nil {
		return "", err
	}
	text, _ := export.Render(e.Snapshot(), export.Request{Scope: scope, Anchor: anchor})
	return text, nil
}
