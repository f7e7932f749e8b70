package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"scriptdesk/api/internal/drafts"
	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/script/scripttest"
	"scriptdesk/api/internal/snapshot"
	"scriptdesk/api/internal/store"
)

// heldTimer never fires on its own; tests flush through the save endpoint.
type heldTimer struct{}

func (heldTimer) Stop() bool               { return true }
func (heldTimer) Reset(time.Duration) bool { return true }

func holdTimers(time.Duration, func()) persist.Timer { return heldTimer{} }

type fixture struct {
	t      *testing.T
	store  *store.MemoryStore
	server *httptest.Server
	svc    *Service
}

func newFixture(t *testing.T, withSnapshots bool) *fixture {
	t.Helper()
	m := store.NewMemoryStore()
	if err := scripttest.Seed(context.Background(), m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m.ResetCalls()

	opts := Options{Remote: m, AfterFunc: holdTimers, UndoLimit: 50}
	if withSnapshots {
		opts.Snapshots = snapshot.New(t.TempDir())
	}
	svc := New(opts)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return &fixture{t: t, store: m, server: server, svc: svc}
}

func (f *fixture) do(method, path string, body any) (int, map[string]any) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	payload := map[string]any{}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		f.t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return res.StatusCode, payload
}

func blockContents(payload map[string]any) []string {
	raw, _ := payload["blocks"].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		block, _ := item.(map[string]any)
		out = append(out, block["content"].(string))
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(http.MethodGet, "/api/health", nil)
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %+v", status, body)
	}
	status, body = f.do(http.MethodGet, "/api/ready", nil)
	if status != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %+v", status, body)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, false)
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
}

func TestUnknownIssueIs404(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(http.MethodGet, "/api/issues/nope/blocks", nil)
	if status != http.StatusNotFound || body["code"] != "ISSUE_NOT_FOUND" {
		t.Fatalf("expected ISSUE_NOT_FOUND, got %d %+v", status, body)
	}
}

func TestListAndCreateIssues(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(http.MethodPost, "/api/issues", map[string]any{"title": "Second Dawn", "issueNumber": 2})
	if status != http.StatusCreated || body["title"] != "Second Dawn" {
		t.Fatalf("create issue: %d %+v", status, body)
	}
	status, body = f.do(http.MethodPost, "/api/issues", map[string]any{"title": "  "})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank title, got %d %+v", status, body)
	}

	status, body = f.do(http.MethodGet, "/api/issues", nil)
	issues, _ := body["issues"].([]any)
	if status != http.StatusOK || len(issues) != 2 {
		t.Fatalf("list issues: %d %+v", status, body)
	}
	first := issues[0].(map[string]any)
	if first["id"] != scripttest.IssueID {
		t.Fatalf("expected issue 1 first, got %+v", first)
	}
}

func TestBlocksForPageScope(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(http.MethodGet, "/api/issues/iss1/blocks?scope=page&page=pg1", nil)
	if status != http.StatusOK {
		t.Fatalf("blocks: %d %+v", status, body)
	}
	contents := blockContents(body)
	if len(contents) == 0 {
		t.Fatal("expected blocks for pg1")
	}
	if !strings.Contains(strings.Join(contents, "|"), "Hello world") {
		t.Fatalf("expected dialogue d1 in page scope, got %v", contents)
	}
	if body["saveState"] != "saved" || body["canUndo"] != false {
		t.Fatalf("unexpected state flags: %+v", body)
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/blocks?scope=chapter", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown scope, got %d %+v", status, body)
	}
}

func TestCreateUpdateDeleteAndUndo(t *testing.T) {
	f := newFixture(t, false)
	f.store.QueueIDs("d77")

	status, body := f.do(http.MethodPost, "/api/issues/iss1/entities", map[string]any{
		"kind":     "dialogue",
		"parentId": "pn1",
		"fields":   map[string]string{"text": "New line"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create: %d %+v", status, body)
	}
	block := body["block"].(map[string]any)
	if block["id"] != "d77" {
		t.Fatalf("expected reconciled id d77, got %+v", block)
	}

	status, body = f.do(http.MethodPatch, "/api/issues/iss1/entities/d77", map[string]any{"field": "text", "value": "Edited line"})
	if status != http.StatusOK || body["saveState"] != "unsaved" {
		t.Fatalf("update: %d %+v", status, body)
	}
	status, body = f.do(http.MethodPost, "/api/issues/iss1/save", nil)
	if status != http.StatusOK || body["saveState"] != "saved" {
		t.Fatalf("save: %d %+v", status, body)
	}
	row, ok := f.store.Row("dialogues", "d77")
	if !ok || script.AsString(row["text"]) != "Edited line" {
		t.Fatalf("expected saved text, got %+v", row)
	}

	status, body = f.do(http.MethodDelete, "/api/issues/iss1/entities/d77", nil)
	if status != http.StatusOK {
		t.Fatalf("delete: %d %+v", status, body)
	}
	if _, ok := f.store.Row("dialogues", "d77"); ok {
		t.Fatal("expected d77 to be removed remotely")
	}

	status, body = f.do(http.MethodPost, "/api/issues/iss1/undo", nil)
	if status != http.StatusOK {
		t.Fatalf("undo: %d %+v", status, body)
	}
	cmd := body["command"].(map[string]any)
	if cmd["op"] != "delete" || cmd["entityId"] != "d77" {
		t.Fatalf("expected the delete to be undone, got %+v", cmd)
	}
	if _, ok := f.store.Row("dialogues", "d77"); !ok {
		t.Fatal("expected undo to restore d77 remotely")
	}
}

func TestCreateValidationIs422(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(http.MethodPost, "/api/issues/iss1/entities", map[string]any{"kind": "dialogue", "parentId": "pg1"})
	if status != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error for wrong parent kind, got %d %+v", status, body)
	}
	status, body = f.do(http.MethodPost, "/api/issues/iss1/entities", map[string]any{"kind": "balloon", "parentId": "pn1"})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation error for unknown kind, got %d %+v", status, body)
	}
	if calls := f.store.Calls(); len(calls) != 0 {
		t.Fatalf("validation failures must not reach the store: %+v", calls)
	}
}

func TestRemoteFailureIs502(t *testing.T) {
	f := newFixture(t, false)
	f.store.FailNext("insert", "captions", errors.New("connection reset"))

	status, body := f.do(http.MethodPost, "/api/issues/iss1/entities", map[string]any{"kind": "caption", "parentId": "pn1"})
	if status != http.StatusBadGateway || body["code"] != "REMOTE_WRITE_FAILED" {
		t.Fatalf("expected remote failure, got %d %+v", status, body)
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/notifications", nil)
	notes, _ := body["notifications"].([]any)
	if status != http.StatusOK || len(notes) == 0 {
		t.Fatalf("expected a notification for the failed create, got %d %+v", status, body)
	}
	status, body = f.do(http.MethodGet, "/api/issues/iss1/notifications", nil)
	if notes, _ := body["notifications"].([]any); len(notes) != 0 {
		t.Fatalf("notifications must drain, got %+v", body)
	}
}

func TestNothingToUndoIs409(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(http.MethodPost, "/api/issues/iss1/undo", nil)
	if status != http.StatusConflict || body["code"] != "NOTHING_TO_UNDO" {
		t.Fatalf("expected 409, got %d %+v", status, body)
	}
}

func TestSearchAndReplaceAll(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(http.MethodGet, "/api/issues/iss1/search?q=world", nil)
	if status != http.StatusOK {
		t.Fatalf("search: %d %+v", status, body)
	}
	total := int(body["total"].(float64))
	if total == 0 {
		t.Fatal("expected matches for world")
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/search?q=world&wholeWord=true&matchCase=true", nil)
	if status != http.StatusOK || int(body["total"].(float64)) >= total {
		t.Fatalf("flags must narrow the result: %d %+v", status, body)
	}

	status, body = f.do(http.MethodPost, "/api/issues/iss1/replace", map[string]any{"term": "world", "replacement": "city", "all": true})
	if status != http.StatusOK || body["entities"].(float64) == 0 {
		t.Fatalf("replace all: %d %+v", status, body)
	}
	status, body = f.do(http.MethodGet, "/api/issues/iss1/search?q=world", nil)
	if body["total"].(float64) != 0 {
		t.Fatalf("expected no matches after replace all, got %+v", body)
	}
	row, _ := f.store.Row("dialogues", "d1")
	if script.AsString(row["text"]) != "Hello city" {
		t.Fatalf("replace must be written through, got %+v", row)
	}

	status, body = f.do(http.MethodPost, "/api/issues/iss1/replace", map[string]any{"term": "BOOM", "replacement": "BANG", "matchIndex": 5})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an out of range match, got %d %+v", status, body)
	}
}

func TestGlobalSearchUsesOpenIssues(t *testing.T) {
	f := newFixture(t, false)
	if status, body := f.do(http.MethodGet, "/api/issues/iss1/blocks", nil); status != http.StatusOK {
		t.Fatalf("open issue: %d %+v", status, body)
	}

	status, body := f.do(http.MethodGet, "/api/search?q=BOOM", nil)
	if status != http.StatusOK {
		t.Fatalf("search: %d %+v", status, body)
	}
	results, _ := body["results"].([]any)
	if len(results) == 0 {
		t.Fatalf("expected BOOM to be found, got %+v", body)
	}

	status, _ = f.do(http.MethodGet, "/api/search", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without q, got %d", status)
	}
}

func TestTextRendersScope(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(http.MethodGet, "/api/issues/iss1/text?scope=issue", nil)
	if status != http.StatusOK {
		t.Fatalf("text: %d %+v", status, body)
	}
	text := body["text"].(string)
	if !strings.Contains(text, "BOOM") || !strings.Contains(text, "Goodbye, World!") {
		t.Fatalf("expected issue text, got %q", text)
	}
}

func TestExportWithoutStorageIs503(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(http.MethodPost, "/api/issues/iss1/exports", nil)
	if status != http.StatusServiceUnavailable || body["code"] != "EXPORTS_UNAVAILABLE" {
		t.Fatalf("expected 503, got %d %+v", status, body)
	}
}

func TestSnapshotsLifecycle(t *testing.T) {
	f := newFixture(t, true)

	status, body := f.do(http.MethodPost, "/api/issues/iss1/snapshots", map[string]any{"author": "Mara", "message": "first draft", "name": "v1"})
	if status != http.StatusCreated || body["changed"] != true {
		t.Fatalf("first snapshot: %d %+v", status, body)
	}
	first := body["commit"].(map[string]any)["hash"].(string)

	status, body = f.do(http.MethodPost, "/api/issues/iss1/snapshots", map[string]any{"message": "again"})
	if status != http.StatusOK || body["changed"] != false {
		t.Fatalf("unchanged snapshot must not commit: %d %+v", status, body)
	}

	f.do(http.MethodPatch, "/api/issues/iss1/entities/x1", map[string]any{"field": "text", "value": "KRAKOOM"})
	status, body = f.do(http.MethodPost, "/api/issues/iss1/snapshots", map[string]any{"message": "louder"})
	if status != http.StatusCreated {
		t.Fatalf("second snapshot: %d %+v", status, body)
	}
	if row, _ := f.store.Row("sound_effects", "x1"); script.AsString(row["text"]) != "KRAKOOM" {
		t.Fatalf("snapshot must save pending edits first, got %+v", row)
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/snapshots", nil)
	items, _ := body["snapshots"].([]any)
	if status != http.StatusOK || len(items) != 2 {
		t.Fatalf("history: %d %+v", status, body)
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/snapshots/"+first, nil)
	if status != http.StatusOK || !strings.Contains(body["text"].(string), "BOOM") {
		t.Fatalf("text at first snapshot: %d %+v", status, body)
	}

	status, body = f.do(http.MethodGet, "/api/issues/iss1/snapshots/"+first+"/diff", nil)
	changes, _ := body["changes"].([]any)
	if status != http.StatusOK || len(changes) != 1 {
		t.Fatalf("diff: %d %+v", status, body)
	}
}

func TestSnapshotsUnavailable(t *testing.T) {
	f := newFixture(t, false)
	status, body := f.do(http.MethodPost, "/api/issues/iss1/snapshots", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %+v", status, body)
	}
	status, body = f.do(http.MethodGet, "/api/issues/iss1/snapshots", nil)
	if status != http.StatusOK {
		t.Fatalf("history without snapshots: %d %+v", status, body)
	}
}

func TestDraftsPurgedOnCloseAndCheckedByReady(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	draftStore, err := drafts.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { draftStore.Close() })

	m := store.NewMemoryStore()
	if err := scripttest.Seed(ctx, m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := New(Options{Remote: m, Drafts: draftStore, AfterFunc: holdTimers})
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	f := &fixture{t: t, store: m, server: server, svc: svc}

	if status, body := f.do(http.MethodPatch, "/api/issues/iss1/entities/d1", map[string]any{"field": "text", "value": "Drafted"}); status != http.StatusOK {
		t.Fatalf("update: %d %+v", status, body)
	}
	mirrored, err := draftStore.List(ctx, "iss1")
	if err != nil || len(mirrored) != 1 {
		t.Fatalf("expected the edit mirrored, got %+v %v", mirrored, err)
	}
	stale := persist.Edit{Ref: script.Persisted("x1"), Kind: script.KindSoundEffect, Field: "text", Value: "stale"}
	if err := draftStore.Put(ctx, "iss1", stale); err != nil {
		t.Fatalf("put stale draft: %v", err)
	}

	if status, body := f.do(http.MethodDelete, "/api/issues/iss1", nil); status != http.StatusOK {
		t.Fatalf("close issue: %d %+v", status, body)
	}
	if got := script.AsString(mustRow(t, m, "dialogues", "d1")["text"]); got != "Drafted" {
		t.Fatalf("close must save pending edits, got %q", got)
	}
	if left, _ := draftStore.List(ctx, "iss1"); len(left) != 0 {
		t.Fatalf("close must purge drafts, got %+v", left)
	}

	if status, body := f.do(http.MethodGet, "/api/ready", nil); status != http.StatusOK {
		t.Fatalf("ready with redis up: %d %+v", status, body)
	}
	mr.Close()
	if status, body := f.do(http.MethodGet, "/api/ready", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("ready with redis down: %d %+v", status, body)
	}
}

func mustRow(t *testing.T, m *store.MemoryStore, table, id string) script.Record {
	t.Helper()
	row, ok := m.Row(table, id)
	if !ok {
		t.Fatalf("row %s %s missing", table, id)
	}
	return row
}
