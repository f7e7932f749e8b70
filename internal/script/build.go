package script

import "fmt"

// Row is one flat record of the remote store, already typed.
type Row struct {
	ID        string
	ParentID  string
	SortOrder int
	Number    int
	Fields    map[string]string
}

// Build assembles a tree from flat rows. Input order is irrelevant: every sibling
// group is re-sorted by sort_order because the store does not guarantee row order.
func Build(issue Issue, rows map[Kind][]Row) (*Tree, error) {
	tree := New(issue)
	for _, kind := range Kinds() {
		for _, row := range rows[kind] {
			node := Node{
				Ref:       Persisted(row.ID),
				Kind:      kind,
				ParentID:  row.ParentID,
				SortOrder: row.SortOrder,
				Number:    row.Number,
				Fields:    row.Fields,
			}
			if err := tree.Insert(node, -1); err != nil {
				return nil, fmt.Errorf("build issue %s: %w", issue.ID, err)
			}
		}
	}

	tree.sortChildren(tree.acts)
	for _, node := range tree.nodes {
		tree.sortChildren(node.Children)
	}
	return tree, nil
}
