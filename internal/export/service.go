// Package export archives linear text renderings of an issue in object storage.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"scriptdesk/api/internal/blocks"
	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/script"
)

var ErrNotConfigured = errors.New("export storage is not configured")

// ObjectStore is the slice of an S3-style client the exporter needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	URL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Request selects what to render. Anchor is only used for scopes smaller than the
// issue.
type Request struct {
	Scope  blocks.Scope
	Anchor blocks.Anchor
	Author string
}

type Result struct {
	Key       string    `json:"key"`
	URL       string    `json:"url,omitempty"`
	Bytes     int       `json:"bytes"`
	Blocks    int       `json:"blocks"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	objects ObjectStore
	log     *logger.Logger
	now     func() time.Time
	expiry  time.Duration
}

func NewService(objects ObjectStore, log *logger.Logger) *Service {
	return &Service{
		objects: objects,
		log:     logger.OrNop(log),
		now:     time.Now,
		expiry:  24 * time.Hour,
	}
}

// Key is the object name of an export taken at t.
func Key(issueID string, scope blocks.Scope, t time.Time) string {
	return fmt.Sprintf("issues/%s/%s-%s.txt", issueID, scope, t.UTC().Format("20060102T150405Z"))
}

// Render returns the linear text of the requested scope along with the number of
// blocks it was generated from.
func Render(tree *script.Tree, req Request) (string, int) {
	scope := req.Scope
	if scope == "" {
		scope = blocks.ScopeIssue
	}
	projected := blocks.Project(tree, scope, req.Anchor)
	return blocks.GenerateLinearText(projected), len(projected)
}

// Archive renders tree and uploads the text. The returned URL is a presigned link
// when the store can produce one.
func (s *Service) Archive(ctx context.Context, tree *script.Tree, req Request) (Result, error) {
	if s == nil || s.objects == nil {
		return Result{}, ErrNotConfigured
	}
	scope := req.Scope
	if scope == "" {
		scope = blocks.ScopeIssue
	}
	req.Scope = scope
	text, count := Render(tree, req)

	created := s.now()
	key := Key(tree.Issue().ID, scope, created)
	var buf bytes.Buffer
	if title := tree.Issue().Title; title != "" {
		fmt.Fprintf(&buf, "%s\n", title)
		if req.Author != "" {
			fmt.Fprintf(&buf, "Exported by %s on %s\n", req.Author, created.UTC().Format(time.RFC3339))
		}
		buf.WriteString("\n")
	}
	buf.WriteString(text)

	if err := s.objects.Put(ctx, key, buf.Bytes(), "text/plain; charset=utf-8"); err != nil {
		return Result{}, fmt.Errorf("upload export %s: %w", key, err)
	}
	result := Result{Key: key, Bytes: buf.Len(), Blocks: count, CreatedAt: created}

	url, err := s.objects.URL(ctx, key, s.expiry)
	if err != nil {
		s.log.Warn("presign export url", "key", key, "err", err)
	} else {
		result.URL = url
	}
	s.log.Info("archived export", "issue_id", tree.Issue().ID, "key", key, "bytes", result.Bytes)
	return result, nil
}
