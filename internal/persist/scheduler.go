package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/script"
)

const DefaultDebounce = 1500 * time.Millisecond

type Options struct {
	IssueID  string
	Debounce time.Duration
	Writer   Writer
	// Drafts is optional.
	Drafts    Drafts
	Logger    *logger.Logger
	AfterFunc AfterFunc
	// OnFlushError receives failures of timer-driven flushes.
	OnFlushError func(error)
}

type fieldKey struct {
	id    string
	field string
}

type entity struct {
	ref    script.Ref
	kind   script.Kind
	fields map[string]string
}

type batchItem struct {
	id     string
	kind   script.Kind
	fields map[string]string
}

// Scheduler holds pending field edits for one issue and writes them in batches,
// one Update per entity, after a shared debounce window.
type Scheduler struct {
	issueID      string
	debounce     time.Duration
	writer       Writer
	drafts       Drafts
	log          *logger.Logger
	afterFunc    AfterFunc
	onFlushError func(error)

	// flushMu keeps at most one batch in flight.
	flushMu sync.Mutex

	mu       sync.Mutex
	timer    Timer
	pending  map[string]*entity
	states   map[fieldKey]EditState
	inflight int
	closed   bool
}

func New(opts Options) *Scheduler {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Scheduler{
		issueID:      opts.IssueID,
		debounce:     debounce,
		writer:       opts.Writer,
		drafts:       opts.Drafts,
		log:          logger.OrNop(opts.Logger).With("issue_id", opts.IssueID),
		afterFunc:    afterFunc,
		onFlushError: opts.OnFlushError,
		pending:      make(map[string]*entity),
		states:       make(map[fieldKey]EditState),
	}
}

// Queue records the latest value of one field and restarts the debounce window.
func (s *Scheduler) Queue(ctx context.Context, edit Edit) {
	s.mu.Lock()
	s.put(edit)
	s.arm()
	s.mu.Unlock()

	if !edit.Ref.IsTemporary() {
		s.mirror(ctx, []Edit{edit})
	}
}

func (s *Scheduler) put(edit Edit) {
	e, ok := s.pending[edit.Ref.ID()]
	if !ok {
		e = &entity{ref: edit.Ref, kind: edit.Kind, fields: make(map[string]string)}
		s.pending[edit.Ref.ID()] = e
	}
	e.fields[edit.Field] = edit.Value
	s.states[fieldKey{edit.Ref.ID(), edit.Field}] = EditDirty
}

func (s *Scheduler) arm() {
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = s.afterFunc(s.debounce, s.onTimer)
		return
	}
	s.timer.Reset(s.debounce)
}

func (s *Scheduler) onTimer() {
	if err := s.Flush(context.Background()); err != nil && s.onFlushError != nil {
		s.onFlushError(err)
	}
}

// Flush cancels the pending timer and writes every pending edit of a persisted
// entity, waiting for all writes to settle. Writes are not cancelled by ctx. If any
// write fails every entity of the batch stays pending.
func (s *Scheduler) Flush(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	batch := s.takeBatch()
	if len(batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.inflight++
	s.mu.Unlock()

	var g errgroup.Group
	for _, item := range batch {
		item := item
		g.Go(func() error {
			record := script.FieldsRecord(item.kind, item.fields)
			if err := s.writer.Update(ctx, item.kind.Table(), item.id, record); err != nil {
				return fmt.Errorf("update %s %s: %w", item.kind, item.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.mu.Lock()
	s.inflight--
	committed := s.settle(batch, err == nil)
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("flush failed, edits kept pending", "entities", len(batch), "err", err)
		return fmt.Errorf("flush %d entities: %w", len(batch), err)
	}
	s.log.Debug("flushed edits", "entities", len(batch), "fields", len(committed))
	s.unmirror(ctx, committed)
	return nil
}

func (s *Scheduler) takeBatch() []batchItem {
	ids := make([]string, 0, len(s.pending))
	for id, e := range s.pending {
		if e.ref.IsTemporary() || len(e.fields) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	batch := make([]batchItem, 0, len(ids))
	for _, id := range ids {
		e := s.pending[id]
		fields := make(map[string]string, len(e.fields))
		for field, value := range e.fields {
			fields[field] = value
			s.states[fieldKey{id, field}] = EditInFlight
		}
		batch = append(batch, batchItem{id: id, kind: e.kind, fields: fields})
	}
	return batch
}

// settle resolves a finished batch. A field that was re-queued with a different
// value while in flight stays dirty regardless of the outcome.
func (s *Scheduler) settle(batch []batchItem, ok bool) []Edit {
	var committed []Edit
	for _, item := range batch {
		e, exists := s.pending[item.id]
		if !exists {
			continue
		}
		for field, value := range item.fields {
			current, queued := e.fields[field]
			if !queued || current != value {
				continue
			}
			key := fieldKey{item.id, field}
			if !ok {
				s.states[key] = EditFailed
				continue
			}
			delete(e.fields, field)
			s.states[key] = EditCommitted
			committed = append(committed, Edit{Ref: e.ref, Kind: e.kind, Field: field, Value: value})
		}
		if len(e.fields) == 0 {
			delete(s.pending, item.id)
		}
	}
	return committed
}

// Rekey moves edits queued against a temporary entity onto its persisted id so the
// next flush includes them.
func (s *Scheduler) Rekey(ctx context.Context, tempID, persistedID string) {
	s.mu.Lock()
	e, ok := s.pending[tempID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, tempID)
	edits := make([]Edit, 0, len(e.fields))
	for field, value := range e.fields {
		delete(s.states, fieldKey{tempID, field})
		edit := Edit{Ref: script.Persisted(persistedID), Kind: e.kind, Field: field, Value: value}
		s.put(edit)
		edits = append(edits, edit)
	}
	if len(edits) > 0 {
		s.arm()
	}
	s.mu.Unlock()

	s.mirror(ctx, edits)
}

// Discard forgets pending edits for entities that no longer exist.
func (s *Scheduler) Discard(ctx context.Context, ids ...string) {
	s.mu.Lock()
	var dropped []Edit
	for _, id := range ids {
		e, ok := s.pending[id]
		if !ok {
			continue
		}
		for field, value := range e.fields {
			delete(s.states, fieldKey{id, field})
			dropped = append(dropped, Edit{Ref: e.ref, Kind: e.kind, Field: field, Value: value})
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.unmirror(ctx, dropped)
}

// Exclusive runs write once no batch is in flight. No batch starts until it
// returns.
func (s *Scheduler) Exclusive(write func() error) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return write()
}

// Forget drops the pending values of fields on id because a direct write is about
// to supersede them. The dropped edits are returned so a failed write can queue
// them again.
func (s *Scheduler) Forget(ctx context.Context, id string, fields ...string) []Edit {
	s.mu.Lock()
	var dropped []Edit
	if e, ok := s.pending[id]; ok {
		for _, field := range fields {
			value, queued := e.fields[field]
			if !queued {
				continue
			}
			delete(e.fields, field)
			delete(s.states, fieldKey{id, field})
			dropped = append(dropped, Edit{Ref: e.ref, Kind: e.kind, Field: field, Value: value})
		}
		if len(e.fields) == 0 {
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	s.unmirror(ctx, dropped)
	return dropped
}

// Recover loads edits mirrored by an earlier session and queues them again.
func (s *Scheduler) Recover(ctx context.Context) ([]Edit, error) {
	if s.drafts == nil {
		return nil, nil
	}
	edits, err := s.drafts.List(ctx, s.issueID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	if len(edits) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	for _, edit := range edits {
		s.put(edit)
	}
	s.arm()
	s.mu.Unlock()
	s.log.Info("recovered draft edits", "count", len(edits))
	return edits, nil
}

// State reports saving while a batch is in flight, otherwise unsaved when anything
// is pending.
func (s *Scheduler) State() SaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.inflight > 0:
		return Saving
	case len(s.pending) > 0:
		return Unsaved
	default:
		return Saved
	}
}

func (s *Scheduler) EditState(id, field string) EditState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[fieldKey{id, field}]; ok {
		return state
	}
	return EditClean
}

func (s *Scheduler) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns every queued edit ordered by entity id then field.
func (s *Scheduler) Pending() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edit
	for _, e := range s.pending {
		for field, value := range e.fields {
			out = append(out, Edit{Ref: e.ref, Kind: e.kind, Field: field, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.ID() != out[j].Ref.ID() {
			return out[i].Ref.ID() < out[j].Ref.ID()
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Close stops the timer. Pending edits are left for the caller to flush.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Scheduler) mirror(ctx context.Context, edits []Edit) {
	if s.drafts == nil {
		return
	}
	for _, edit := range edits {
		if err := s.drafts.Put(ctx, s.issueID, edit); err != nil {
			s.log.Warn("mirror draft failed", "entity_id", edit.Ref.ID(), "field", edit.Field, "err", err)
		}
	}
}

func (s *Scheduler) unmirror(ctx context.Context, edits []Edit) {
	if s.drafts == nil || len(edits) == 0 {
		return
	}
	if err := s.drafts.Remove(ctx, s.issueID, edits); err != nil {
		s.log.Warn("clear drafts failed", "count", len(edits), "err", err)
	}
}
