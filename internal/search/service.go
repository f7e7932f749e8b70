package search

import (
	"sort"
	"strings"
	"sync"

	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/script"
)

// TreeSource exposes the documents currently loaded in memory.
type TreeSource interface {
	OpenTrees() []*script.Tree
}

// Service is the lookup facade: Meilisearch first, then PG FTS, then a scan of the
// trees loaded in memory.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	trees TreeSource
	log   *logger.Logger

	mu      sync.Mutex
	indexed map[string]map[string]bool
}

// NewService creates a lookup service. meili and pgfts may be nil.
func NewService(meili *Meili, pgfts *PgFTS, trees TreeSource, log *logger.Logger) *Service {
	return &Service{
		meili:   meili,
		pgfts:   pgfts,
		trees:   trees,
		log:     logger.OrNop(log).With("component", "search"),
		indexed: make(map[string]map[string]bool),
	}
}

func (s *Service) Lookup(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn("meilisearch error, falling back", "err", err)
	}

	if s.pgfts != nil {
		results, total, err := s.pgfts.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "postgres"}
		}
		s.log.Warn("pgfts error, falling back to memory", "err", err)
	}

	results := s.scan(q)
	total := len(results)
	return Response{Results: page(results, q.Offset, q.Limit), Total: total, Query: q.Text, Source: "memory"}
}

func (s *Service) scan(q Query) []Result {
	results := []Result{}
	if s.trees == nil || strings.TrimSpace(q.Text) == "" {
		return results
	}
	trees := s.trees.OpenTrees()
	sort.Slice(trees, func(i, j int) bool { return trees[i].Issue().ID < trees[j].Issue().ID })
	for _, tree := range trees {
		issue := tree.Issue()
		if q.FilterIssueID != "" && issue.ID != q.FilterIssueID {
			continue
		}
		seen := make(map[string]bool)
		for _, match := range Search(tree, q.Text, Flags{}) {
			key := match.Ref.ID() + "/" + match.Field
			if seen[key] {
				continue
			}
			seen[key] = true
			node, _ := tree.Node(match.Ref.ID())
			results = append(results, Result{
				IssueID:     issue.ID,
				IssueTitle:  issue.Title,
				EntityID:    match.Ref.ID(),
				Kind:        match.Kind,
				Field:       match.Field,
				Snippet:     node.Field(match.Field),
				PageNumber:  match.PageNumber,
				PanelNumber: match.PanelNumber,
			})
		}
	}
	return results
}

func page(results []Result, offset, limit int) []Result {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 || offset >= len(results) {
		return []Result{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

// IndexIssue pushes every leaf of tree to Meilisearch and drops leaves indexed
// earlier that no longer exist (fire-and-forget).
func (s *Service) IndexIssue(tree *script.Tree) {
	if s.meili == nil || !s.meili.Healthy() || tree == nil {
		return
	}
	records := Records(tree)
	issueID := tree.Issue().ID

	current := make(map[string]bool, len(records))
	for _, record := range records {
		current[record.ID] = true
	}
	s.mu.Lock()
	var stale []string
	for id := range s.indexed[issueID] {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	s.indexed[issueID] = current
	s.mu.Unlock()

	go func() {
		if err := s.meili.IndexLeaves(records); err != nil {
			s.log.Warn("index issue", "issue_id", issueID, "err", err)
		}
		if err := s.meili.DeleteLeaves(stale); err != nil {
			s.log.Warn("drop stale leaves", "issue_id", issueID, "err", err)
		}
	}()
}

// DeleteIssue removes every leaf indexed for issueID (fire-and-forget).
func (s *Service) DeleteIssue(issueID string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.indexed[issueID]))
	for id := range s.indexed[issueID] {
		ids = append(ids, id)
	}
	delete(s.indexed, issueID)
	s.mu.Unlock()

	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeleteLeaves(ids); err != nil {
			s.log.Warn("delete issue leaves", "issue_id", issueID, "err", err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
