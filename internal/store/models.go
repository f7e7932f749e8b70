package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"scriptdesk/api/internal/script"
)

var (
	ErrRowNotFound    = errors.New("row not found")
	ErrUnknownTable   = errors.New("unknown table")
	ErrUnknownColumn  = errors.New("unknown column")
	ErrParentMissing  = errors.New("parent row missing")
	ErrDuplicateRowID = errors.New("duplicate row id")
)

type tableSchema struct {
	columns map[string]bool
	ints    map[string]bool
}

// schemas whitelists every table and column the Remote operations may touch. It is
// derived from the script kinds so the two never drift.
var schemas = buildSchemas()

func buildSchemas() map[string]tableSchema {
	out := map[string]tableSchema{
		script.IssuesTable: {
			columns: map[string]bool{"id": true, "title": true, "issue_number": true},
			ints:    map[string]bool{"issue_number": true},
		},
	}
	for _, kind := range script.Kinds() {
		schema := tableSchema{
			columns: map[string]bool{"id": true, kind.ParentColumn(): true, "sort_order": true},
			ints:    map[string]bool{"sort_order": true},
		}
		if column := kind.NumberColumn(); column != "" {
			schema.columns[column] = true
			schema.ints[column] = true
		}
		for _, field := range kind.Fields() {
			schema.columns[field] = true
		}
		out[kind.Table()] = schema
	}
	return out
}

func lookupSchema(table string) (tableSchema, error) {
	schema, ok := schemas[table]
	if !ok {
		return tableSchema{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return schema, nil
}

func (s tableSchema) check(table string, record script.Record) error {
	for column := range record {
		if !s.columns[column] {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
		}
	}
	return nil
}

// IssueSummary is one row of the issue list.
type IssueSummary struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Number int    `json:"issueNumber"`
}

// ListIssues returns every issue on remote ordered by number then id.
func ListIssues(ctx context.Context, remote script.Remote) ([]IssueSummary, error) {
	records, err := remote.Select(ctx, script.IssuesTable, nil, "issue_number")
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	issues := make([]IssueSummary, 0, len(records))
	for _, record := range records {
		issues = append(issues, IssueSummary{
			ID:     script.AsString(record["id"]),
			Title:  script.AsString(record["title"]),
			Number: script.AsInt(record["issue_number"]),
		})
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Number != issues[j].Number {
			return issues[i].Number < issues[j].Number
		}
		return issues[i].ID < issues[j].ID
	})
	return issues, nil
}
