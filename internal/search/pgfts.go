package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"scriptdesk/api/internal/script"
)

// PgFTS implements Searcher with PostgreSQL full-text search over the script tables.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the editor cannot load anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// leafSource describes how to reach the page, panel and issue of one text column.
type leafSource struct {
	kind  string
	table string
	field string
	// join from the leaf alias "l" to panel "pn"
	panelJoin string
}

var leafSources = []leafSource{
	{kind: "panel", table: "panels", field: "visual_description", panelJoin: "JOIN panels pn ON pn.id = l.id"},
	{kind: "panel", table: "panels", field: "notes", panelJoin: "JOIN panels pn ON pn.id = l.id"},
	{kind: "dialogue", table: "dialogues", field: "text", panelJoin: "JOIN panels pn ON pn.id = l.panel_id"},
	{kind: "caption", table: "captions", field: "text", panelJoin: "JOIN panels pn ON pn.id = l.panel_id"},
	{kind: "sfx", table: "sound_effects", field: "text", panelJoin: "JOIN panels pn ON pn.id = l.panel_id"},
}

// Search runs one UNION ALL query across every text column using plainto_tsquery
// and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	issueFilter := ""
	if q.FilterIssueID != "" {
		issueFilter = " AND i.id = $2"
		args = append(args, q.FilterIssueID)
	}

	subQueries := make([]string, 0, len(leafSources))
	for _, src := range leafSources {
		vector := fmt.Sprintf("to_tsvector('simple', coalesce(l.%s, ''))", src.field)
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT i.id AS issue_id, i.title AS issue_title, l.id AS entity_id,
				'%s'::text AS kind, '%s'::text AS field,
				ts_headline('simple', coalesce(l.%s, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				pg.page_number, pn.panel_number,
				ts_rank(%s, %s) AS rank
			FROM %s l
			%s
			JOIN pages pg ON pg.id = pn.page_id
			JOIN scenes s ON s.id = pg.scene_id
			JOIN acts a ON a.id = s.act_id
			JOIN issues i ON i.id = a.issue_id
			WHERE %s @@ %s%s`,
			src.kind, src.field, src.field, tsQuery, vector, tsQuery,
			src.table, src.panelJoin, vector, tsQuery, issueFilter))
	}
	union := strings.Join(subQueries, " UNION ALL ")

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT issue_id, issue_title, entity_id, kind, field, snippet, page_number, panel_number
		FROM (%s) sub
		ORDER BY rank DESC, issue_id, page_number, panel_number
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&r.IssueID, &r.IssueTitle, &r.EntityID, &kind, &r.Field, &r.Snippet, &r.PageNumber, &r.PanelNumber); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Kind = script.Kind(kind)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
