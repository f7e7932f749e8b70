package search

import (
	"errors"
	"fmt"

	"scriptdesk/api/internal/script"
)

// ErrStaleMatch is returned when a match no longer describes the field's text.
var ErrStaleMatch = errors.New("match no longer present")

// EntityEdit is one combined update of an entity: every changed field in one write.
type EntityEdit struct {
	Ref    script.Ref        `json:"id"`
	Kind   script.Kind       `json:"kind"`
	Fields map[string]string `json:"fields"`
}

// PlanReplaceOne rewrites the single field targeted by match.
func PlanReplaceOne(tree *script.Tree, match Match, replacement string) (EntityEdit, error) {
	node, ok := tree.Node(match.Ref.ID())
	if !ok {
		return EntityEdit{}, fmt.Errorf("replace in %s: %w", match.Ref, script.ErrNotFound)
	}
	text := node.Field(match.Field)
	start, end := byteOffset(text, match.Start), byteOffset(text, match.End)
	if start < 0 || end < 0 || start > end || text[start:end] != match.Text {
		return EntityEdit{}, fmt.Errorf("replace in %s.%s: %w", match.Ref, match.Field, ErrStaleMatch)
	}
	return EntityEdit{
		Ref:    node.Ref,
		Kind:   node.Kind,
		Fields: map[string]string{match.Field: text[:start] + replacement + text[end:]},
	}, nil
}

// PlanReplaceAll groups every match by entity so each entity gets exactly one
// combined edit. Edits are in document order of their first match.
func PlanReplaceAll(tree *script.Tree, term, replacement string, flags Flags) []EntityEdit {
	var edits []EntityEdit
	index := make(map[string]int)
	for _, match := range Search(tree, term, flags) {
		id := match.Ref.ID()
		i, seen := index[id]
		if !seen {
			i = len(edits)
			index[id] = i
			edits = append(edits, EntityEdit{Ref: match.Ref, Kind: match.Kind, Fields: make(map[string]string)})
		}
		if _, done := edits[i].Fields[match.Field]; done {
			continue
		}
		node, _ := tree.Node(id)
		edits[i].Fields[match.Field] = ReplaceText(node.Field(match.Field), term, replacement, flags)
	}
	return edits
}
