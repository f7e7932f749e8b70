package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/script/scripttest"
)

type fakeObjects struct {
	puts    map[string]string
	failPut error
	failURL error
}

func (f *fakeObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.failPut != nil {
		return f.failPut
	}
	if f.puts == nil {
		f.puts = make(map[string]string)
	}
	f.puts[key] = string(data)
	return nil
}

func (f *fakeObjects) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.failURL != nil {
		return "", f.failURL
	}
	return "https://objects.local/" + key, nil
}

func fixedService(objects ObjectStore) *Service {
	svc := NewService(objects, nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return svc
}

func TestArchiveUploadsLinearText(t *testing.T) {
	objects := &fakeObjects{}
	svc := fixedService(objects)

	result, err := svc.Archive(context.Background(), scripttest.Sample(), Request{Scope: blocks.ScopePage, Anchor: blocks.Anchor{PageID: "pg1"}, Author: "Avery"})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if result.Key != "issues/iss1/page-20260304T050607Z.txt" {
		t.Fatalf("unexpected key %q", result.Key)
	}
	if result.URL != "https://objects.local/"+result.Key {
		t.Fatalf("unexpected url %q", result.URL)
	}
	body := objects.puts[result.Key]
	if !strings.HasPrefix(body, "The Long Night\nExported by Avery") {
		t.Fatalf("missing header: %q", body)
	}
	if !strings.Contains(body, "Hello world") || strings.Contains(body, "Goodbye, World!") {
		t.Fatalf("page export must contain only page 1 text: %q", body)
	}
	if result.Bytes != len(body) || result.Blocks == 0 {
		t.Fatalf("unexpected result counters %+v", result)
	}
}

func TestArchiveDefaultsToIssueScope(t *testing.T) {
	objects := &fakeObjects{failURL: errors.New("no presign")}
	svc := fixedService(objects)

	result, err := svc.Archive(context.Background(), scripttest.Sample(), Request{})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.Contains(result.Key, "/issue-") || result.URL != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(objects.puts[result.Key], "Goodbye, World!") {
		t.Fatal("issue export must include every page")
	}
}

func TestArchiveErrors(t *testing.T) {
	var unset *Service
	if _, err := unset.Archive(context.Background(), scripttest.Sample(), Request{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	svc := fixedService(&fakeObjects{failPut: errors.New("denied")})
	if _, err := svc.Archive(context.Background(), scripttest.Sample(), Request{}); err == nil {
		t.Fatal("expected upload failure")
	}
}
