package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/script"
)

const idxLeaves = "scriptdesk_leaves"

// Meili implements Searcher and the leaf index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     *logger.Logger
}

// NewMeili creates a Meilisearch client and configures the leaf index. The client
// starts unhealthy when the first health check fails; callers proceed without it.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    logger.OrNop(log).With("component", "meili"),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxLeaves,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxLeaves, "err", err)
	}

	index := m.client.Index(idxLeaves)
	filterable := []interface{}{"issueId", "kind", "field"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attrs", "index", idxLeaves, "err", err)
	}
	searchable := []string{"text", "issueTitle"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attrs", "index", idxLeaves, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxLeaves,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.FilterIssueID != "" {
		sr.Filter = []string{fmt.Sprintf("issueId = %q", q.FilterIssueID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		IssueID:     decodeString(hit, "issueId"),
		IssueTitle:  decodeString(hit, "issueTitle"),
		EntityID:    decodeString(hit, "entityId"),
		Kind:        script.Kind(decodeString(hit, "kind")),
		Field:       decodeString(hit, "field"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
		PageNumber:  decodeInt(hit, "pageNumber"),
		PanelNumber: decodeInt(hit, "panelNumber"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexLeaves adds or updates leaf records.
func (m *Meili) IndexLeaves(records []LeafRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLeaves).AddDocuments(records, nil)
	return err
}

// DeleteLeaves removes leaf records by id.
func (m *Meili) DeleteLeaves(ids []string) error {
	index := m.client.Index(idxLeaves)
	for _, id := range ids {
		if _, err := index.DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete leaf %s: %w", id, err)
		}
	}
	return nil
}
