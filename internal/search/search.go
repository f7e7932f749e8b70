package search

import (
	"scriptdesk/api/internal/script"
)

// Result is a single cross-issue lookup hit.
type Result struct {
	IssueID     string      `json:"issueId"`
	IssueTitle  string      `json:"issueTitle"`
	EntityID    string      `json:"entityId"`
	Kind        script.Kind `json:"kind"`
	Field       string      `json:"field"`
	Snippet     string      `json:"snippet"`
	PageNumber  int         `json:"pageNumber"`
	PanelNumber int         `json:"panelNumber"`
}

// Query describes a lookup request.
type Query struct {
	Text          string
	FilterIssueID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the lookup endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a full-text lookup.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// LeafRecord is the data indexed for one text field of a script entity.
type LeafRecord struct {
	ID          string `json:"id"`
	IssueID     string `json:"issueId"`
	IssueTitle  string `json:"issueTitle"`
	EntityID    string `json:"entityId"`
	Kind        string `json:"kind"`
	Field       string `json:"field"`
	Text        string `json:"text"`
	PageNumber  int    `json:"pageNumber"`
	PanelNumber int    `json:"panelNumber"`
}

// Records flattens every non-empty text field of tree into index records.
// Temporary entities are skipped.
func Records(tree *script.Tree) []LeafRecord {
	var records []LeafRecord
	issue := tree.Issue()
	eachTextField(tree, func(node script.Node, field string, loc Location) {
		text := node.Field(field)
		if text == "" || node.Ref.IsTemporary() {
			return
		}
		records = append(records, LeafRecord{
			ID:          node.ID() + "_" + field,
			IssueID:     issue.ID,
			IssueTitle:  issue.Title,
			EntityID:    node.ID(),
			Kind:        string(node.Kind),
			Field:       field,
			Text:        text,
			PageNumber:  loc.PageNumber,
			PanelNumber: loc.PanelNumber,
		})
	})
	return records
}
