package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scriptdesk/api/internal/script"
)

type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	armed   bool
	resets  int
	stopped int
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.armed
	m.armed = false
	m.stopped++
	return was
}

func (m *manualTimer) Reset(time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.armed
	m.armed = true
	m.resets++
	return was
}

func (m *manualTimer) fire() {
	m.mu.Lock()
	armed, fn := m.armed, m.fn
	m.armed = false
	m.mu.Unlock()
	if armed {
		fn()
	}
}

func (m *manualTimer) afterFunc(_ time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = f
	m.armed = true
	return m
}

type update struct {
	table  string
	id     string
	fields script.Record
}

type fakeWriter struct {
	mu      sync.Mutex
	updates []update
	fail    map[string]error
	block   chan struct{}
}

func (f *fakeWriter) Update(_ context.Context, table, id string, fields script.Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.updates = append(f.updates, update{table: table, id: id, fields: fields})
	return nil
}

func (f *fakeWriter) byID(id string) []update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []update
	for _, u := range f.updates {
		if u.id == id {
			out = append(out, u)
		}
	}
	return out
}

type memDrafts struct {
	mu    sync.Mutex
	items map[string]Edit
}

func (m *memDrafts) Put(_ context.Context, _ string, edit Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]Edit)
	}
	m.items[edit.Ref.ID()+"/"+edit.Field] = edit
	return nil
}

func (m *memDrafts) Remove(_ context.Context, _ string, edits []Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, edit := range edits {
		delete(m.items, edit.Ref.ID()+"/"+edit.Field)
	}
	return nil
}

func (m *memDrafts) List(context.Context, string) ([]Edit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Edit, 0, len(m.items))
	for _, edit := range m.items {
		out = append(out, edit)
	}
	return out, nil
}

func newTestScheduler(w Writer, d Drafts) (*Scheduler, *manualTimer) {
	timer := &manualTimer{}
	s := New(Options{IssueID: "iss1", Writer: w, Drafts: d, AfterFunc: timer.afterFunc})
	return s, timer
}

func panelEdit(id, field, value string) Edit {
	return Edit{Ref: script.Persisted(id), Kind: script.KindPanel, Field: field, Value: value}
}

func TestOneWritePerEntityWithAllFields(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	s, timer := newTestScheduler(w, nil)

	s.Queue(ctx, panelEdit("pn1", "visual_description", "A"))
	s.Queue(ctx, panelEdit("pn1", "notes", "first"))
	s.Queue(ctx, panelEdit("pn1", "notes", "second"))
	s.Queue(ctx, Edit{Ref: script.Persisted("d1"), Kind: script.KindDialogue, Field: "text", Value: "Hi"})

	if s.State() != Unsaved {
		t.Fatalf("State() = %s, want unsaved", s.State())
	}
	if timer.resets != 3 {
		t.Fatalf("expected each edit to reset the shared timer, resets = %d", timer.resets)
	}
	timer.fire()

	writes := w.byID("pn1")
	if len(writes) != 1 {
		t.Fatalf("expected exactly one write for pn1, got %d", len(writes))
	}
	if writes[0].table != "panels" || writes[0].fields["visual_description"] != "A" || writes[0].fields["notes"] != "second" {
		t.Fatalf("unexpected write %+v", writes[0])
	}
	if len(writes[0].fields) != 2 {
		t.Fatalf("write should carry only the edited fields, got %v", writes[0].fields)
	}
	if len(w.byID("d1")) != 1 {
		t.Fatal("expected one write for d1")
	}
	if s.State() != Saved {
		t.Fatalf("State() after flush = %s, want saved", s.State())
	}
	if got := s.EditState("pn1", "notes"); got != EditCommitted {
		t.Fatalf("EditState = %s, want committed", got)
	}
}

func TestFailedBatchKeepsEveryEntityPending(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("offline")
	w := &fakeWriter{fail: map[string]error{"pn2": boom}}
	s, _ := newTestScheduler(w, nil)

	s.Queue(ctx, panelEdit("pn1", "notes", "a"))
	s.Queue(ctx, panelEdit("pn2", "notes", "b"))

	if err := s.Flush(ctx); !errors.Is(err, boom) {
		t.Fatalf("Flush() error = %v, want %v", err, boom)
	}
	if got := s.PendingIDs(); len(got) != 2 {
		t.Fatalf("PendingIDs() = %v, want both entities", got)
	}
	if s.State() != Unsaved {
		t.Fatalf("State() = %s, want unsaved", s.State())
	}
	if got := s.EditState("pn1", "notes"); got != EditFailed {
		t.Fatalf("EditState(pn1) = %s, want failed", got)
	}

	delete(w.fail, "pn2")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("retry Flush() error = %v", err)
	}
	if s.State() != Saved {
		t.Fatalf("State() after retry = %s", s.State())
	}
	if got := w.byID("pn2"); len(got) != 1 || got[0].fields["notes"] != "b" {
		t.Fatalf("retry did not write pn2: %+v", got)
	}
}

func TestTemporaryRefsWaitForRekey(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	s, _ := newTestScheduler(w, nil)

	s.Queue(ctx, Edit{Ref: script.Temporary("tmp_1"), Kind: script.KindCaption, Field: "text", Value: "Later"})
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(w.updates) != 0 {
		t.Fatalf("temporary entity must not be written, got %+v", w.updates)
	}
	if s.State() != Unsaved {
		t.Fatalf("State() = %s, want unsaved", s.State())
	}

	s.Rekey(ctx, "tmp_1", "c9")
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := w.byID("c9"); len(got) != 1 || got[0].table != "captions" {
		t.Fatalf("expected rekeyed write, got %+v", got)
	}
	if s.EditState("tmp_1", "text") != EditClean {
		t.Fatal("temporary key should be forgotten")
	}
}

func TestEditDuringFlightStaysDirty(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{block: make(chan struct{})}
	s, _ := newTestScheduler(w, nil)
	s.Queue(ctx, panelEdit("pn1", "notes", "v1"))

	done := make(chan error, 1)
	go func() { done <- s.Flush(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Saving {
		if time.Now().After(deadline) {
			t.Fatal("flush never went in flight")
		}
		time.Sleep(time.Millisecond)
	}
	if s.EditState("pn1", "notes") != EditInFlight {
		t.Fatalf("EditState = %s, want in-flight", s.EditState("pn1", "notes"))
	}
	s.Queue(ctx, panelEdit("pn1", "notes", "v2"))
	close(w.block)
	if err := <-done; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if s.EditState("pn1", "notes") != EditDirty {
		t.Fatalf("newer value should stay dirty, got %s", s.EditState("pn1", "notes"))
	}
	pending := s.Pending()
	if len(pending) != 1 || pending[0].Value != "v2" {
		t.Fatalf("Pending() = %+v", pending)
	}
}

func TestDraftsMirrorAndRecover(t *testing.T) {
	ctx := context.Background()
	drafts := &memDrafts{}
	w := &fakeWriter{fail: map[string]error{"pn1": errors.New("down")}}
	s, _ := newTestScheduler(w, drafts)

	s.Queue(ctx, panelEdit("pn1", "notes", "unsaved work"))
	_ = s.Flush(ctx)
	s.Close()

	recovered, _ := newTestScheduler(&fakeWriter{}, drafts)
	edits, err := recovered.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(edits) != 1 || edits[0].Value != "unsaved work" {
		t.Fatalf("Recover() = %+v", edits)
	}
	if err := recovered.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if left, _ := drafts.List(ctx, "iss1"); len(left) != 0 {
		t.Fatalf("drafts should be cleared after commit, got %+v", left)
	}
}

func TestDiscardDropsDeletedEntities(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	s, _ := newTestScheduler(w, nil)
	s.Queue(ctx, panelEdit("pn1", "notes", "x"))
	s.Discard(ctx, "pn1")
	if s.State() != Saved {
		t.Fatalf("State() = %s, want saved", s.State())
	}
	if err := s.Flush(ctx); err != nil || len(w.updates) != 0 {
		t.Fatalf("Flush() = %v, updates %+v", err, w.updates)
	}
}

func TestExclusiveWaitsForInFlightBatch(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{block: make(chan struct{})}
	s, _ := newTestScheduler(w, nil)
	s.Queue(ctx, panelEdit("pn1", "notes", "batched"))

	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Saving {
		if time.Now().After(deadline) {
			t.Fatal("flush never went in flight")
		}
		time.Sleep(time.Millisecond)
	}

	ran := make(chan struct{})
	direct := make(chan error, 1)
	go func() {
		direct <- s.Exclusive(func() error {
			close(ran)
			return w.Update(ctx, "panels", "pn1", script.Record{"notes": "direct"})
		})
	}()

	select {
	case <-ran:
		t.Fatal("direct write ran while a batch was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(w.block)
	if err := <-flushed; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := <-direct; err != nil {
		t.Fatalf("Exclusive() error = %v", err)
	}

	updates := w.byID("pn1")
	if len(updates) != 2 {
		t.Fatalf("expected 2 writes, got %+v", updates)
	}
	if updates[0].fields["notes"] != "batched" || updates[1].fields["notes"] != "direct" {
		t.Fatalf("direct write must land after the batch, got %+v", updates)
	}
}
