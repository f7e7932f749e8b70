package drafts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func edit(id, field, value string) persist.Edit {
	return persist.Edit{Ref: script.Persisted(id), Kind: script.KindDialogue, Field: field, Value: value}
}

func TestPutAndList(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	for _, e := range []persist.Edit{edit("d2", "text", "second"), edit("d1", "text", "first"), edit("d1", "dialogue_type", "whisper")} {
		if err := store.Put(ctx, "iss1", e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := store.Put(ctx, "iss1", edit("d1", "text", "first, revised")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.List(ctx, "iss1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 drafts, got %+v", got)
	}
	if got[0].Ref.ID() != "d1" || got[0].Field != "dialogue_type" || got[1].Value != "first, revised" || got[2].Ref.ID() != "d2" {
		t.Errorf("unexpected drafts order or values: %+v", got)
	}
	if got[1].Ref.IsTemporary() || got[1].Kind != script.KindDialogue {
		t.Errorf("draft lost its ref or kind: %+v", got[1])
	}

	other, err := store.List(ctx, "iss2")
	if err != nil || len(other) != 0 {
		t.Errorf("issues must not share drafts: %+v %v", other, err)
	}
}

func TestPutRejectsTemporaryRefs(t *testing.T) {
	store, _ := setupTestRedis(t)
	temp := persist.Edit{Ref: script.Temporary("tmp-1"), Kind: script.KindCaption, Field: "text", Value: "x"}
	if err := store.Put(context.Background(), "iss1", temp); err == nil {
		t.Fatal("expected temporary refs to be refused")
	}
}

func TestRemoveKeepsNewerValues(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	flushed := edit("d1", "text", "saved value")
	_ = store.Put(ctx, "iss1", flushed)
	_ = store.Put(ctx, "iss1", edit("d2", "text", "also saved"))
	_ = store.Put(ctx, "iss1", edit("d1", "text", "typed after the flush started"))

	if err := store.Remove(ctx, "iss1", []persist.Edit{flushed, edit("d2", "text", "also saved")}); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	got, err := store.List(ctx, "iss1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != "typed after the flush started" {
		t.Errorf("expected only the newer draft to remain, got %+v", got)
	}
}

func TestDraftsExpire(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	_ = store.Put(ctx, "iss1", edit("d1", "text", "x"))

	s.FastForward(DefaultTTL + time.Minute)

	got, err := store.List(ctx, "iss1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected drafts to expire, got %+v", got)
	}
}

func TestSchedulerMirrorsIntoRedis(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	sched := persist.New(persist.Options{
		IssueID:   "iss1",
		Writer:    nopWriter{},
		Drafts:    store,
		AfterFunc: func(time.Duration, func()) persist.Timer { return time.NewTimer(time.Hour) },
	})
	defer sched.Close()

	sched.Queue(ctx, edit("d1", "text", "draft"))
	if got, _ := store.List(ctx, "iss1"); len(got) != 1 {
		t.Fatalf("expected queued edit to be mirrored, got %+v", got)
	}
	if err := sched.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got, _ := store.List(ctx, "iss1"); len(got) != 0 {
		t.Fatalf("expected flushed edit to be cleared, got %+v", got)
	}
}

type nopWriter struct{}

func (nopWriter) Update(context.Context, string, string, script.Record) error { return nil }

func TestPurgeAndPing(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Put(ctx, "iss1", edit("d1", "text", "draft")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "iss2", edit("d9", "text", "other issue")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Purge(ctx, "iss1"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if got, _ := store.List(ctx, "iss1"); len(got) != 0 {
		t.Fatalf("expected iss1 drafts gone, got %+v", got)
	}
	if got, _ := store.List(ctx, "iss2"); len(got) != 1 {
		t.Fatalf("purge must only touch its issue, got %+v", got)
	}

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	s.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatal("expected Ping to fail once redis is gone")
	}
}
