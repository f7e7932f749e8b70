package script

import (
	"context"
	"fmt"
	"strconv"
)

// IssuesTable holds the document roots.
const IssuesTable = "issues"

// Record is a loosely typed row exchanged with the remote store. A []string value in
// a Select filter means "column IN (...)".
type Record map[string]any

// Remote is the relational store the engine reconciles against. Select never
// guarantees row order.
type Remote interface {
	Insert(ctx context.Context, table string, fields Record) (string, error)
	Update(ctx context.Context, table, id string, fields Record) error
	Delete(ctx context.Context, table, id string) error
	Select(ctx context.Context, table string, filter Record, order string) ([]Record, error)
}

// LoadDocument fetches an issue level by level and builds its tree.
func LoadDocument(ctx context.Context, remote Remote, issueID string) (*Tree, error) {
	issueRows, err := remote.Select(ctx, IssuesTable, Record{"id": issueID}, "")
	if err != nil {
		return nil, fmt.Errorf("select issue: %w", err)
	}
	if len(issueRows) == 0 {
		return nil, fmt.Errorf("issue %s: %w", issueID, ErrNotFound)
	}
	issue := Issue{
		ID:     issueID,
		Title:  AsString(issueRows[0]["title"]),
		Number: AsInt(issueRows[0]["issue_number"]),
	}

	rows := make(map[Kind][]Row)
	idsByKind := make(map[Kind][]string)
	for _, kind := range Kinds() {
		parentIDs := []string{issueID}
		if parentKind := kind.ParentKind(); parentKind != "" {
			parentIDs = idsByKind[parentKind]
		}
		if len(parentIDs) == 0 {
			continue
		}
		records, err := remote.Select(ctx, kind.Table(), Record{kind.ParentColumn(): parentIDs}, "sort_order")
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", kind.Table(), err)
		}
		for _, record := range records {
			row := RowFromRecord(kind, record)
			rows[kind] = append(rows[kind], row)
			idsByKind[kind] = append(idsByKind[kind], row.ID)
		}
	}
	return Build(issue, rows)
}

// RowFromRecord types a store record for kind.
func RowFromRecord(kind Kind, record Record) Row {
	row := Row{
		ID:        AsString(record["id"]),
		ParentID:  AsString(record[kind.ParentColumn()]),
		SortOrder: AsInt(record["sort_order"]),
		Fields:    make(map[string]string),
	}
	if column := kind.NumberColumn(); column != "" {
		row.Number = AsInt(record[column])
	}
	for _, field := range kind.Fields() {
		row.Fields[field] = AsString(record[field])
	}
	return row
}

// NodeRecord is the insert payload that recreates n with its own id.
func NodeRecord(n Node) Record {
	record := FieldsRecord(n.Kind, n.Fields)
	record["id"] = n.ID()
	record[n.Kind.ParentColumn()] = n.ParentID
	record["sort_order"] = n.SortOrder
	if column := n.Kind.NumberColumn(); column != "" {
		record[column] = n.Number
	}
	return record
}

// FieldsRecord converts text fields to store values, mapping empty nullable
// references to NULL.
func FieldsRecord(kind Kind, fields map[string]string) Record {
	record := make(Record, len(fields))
	for field, value := range fields {
		if value == "" && kind.Nullable(field) {
			record[field] = nil
			continue
		}
		record[field] = value
	}
	return record
}

func AsString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func AsInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
