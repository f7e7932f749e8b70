package script

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrDuplicate    = errors.New("entity already present")
	ErrOrphan       = errors.New("entity parent missing")
	ErrUnknownField = errors.New("unknown field")
)

// Issue is the document root.
type Issue struct {
	ID     string
	Title  string
	Number int
}

// Node is one entity of the tree. Children holds child ids in ascending sort_order.
type Node struct {
	Ref       Ref
	Kind      Kind
	ParentID  string
	SortOrder int
	Number    int
	Fields    map[string]string
	Children  []string
}

func (n Node) ID() string {
	return n.Ref.ID()
}

func (n Node) Field(name string) string {
	return n.Fields[name]
}

func (n Node) clone() Node {
	out := n
	out.Fields = make(map[string]string, len(n.Fields))
	for key, value := range n.Fields {
		out.Fields[key] = value
	}
	out.Children = nil
	if len(n.Children) > 0 {
		out.Children = append([]string(nil), n.Children...)
	}
	return out
}

// Chain is the ancestry of an entity, including the entity itself when it is an
// act, scene, page or panel. Levels above the entity's root are nil.
type Chain struct {
	Act   *Node
	Scene *Node
	Page  *Node
	Panel *Node
}

// Tree is an arena of nodes keyed by id. Callers outside the mutation pipeline must
// treat it as read-only; accessors hand out copies.
type Tree struct {
	issue Issue
	acts  []string
	nodes map[string]*Node
}

func New(issue Issue) *Tree {
	return &Tree{issue: issue, nodes: make(map[string]*Node)}
}

func (t *Tree) Issue() Issue {
	return t.issue
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Has(id string) bool {
	_, ok := t.nodes[id]
	return ok
}

func (t *Tree) Node(id string) (Node, bool) {
	node, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return node.clone(), true
}

// Acts returns the top level in sort order.
func (t *Tree) Acts() []Node {
	return t.collect(t.acts)
}

// Children returns the children of parentID in sort order. The issue id (or "")
// addresses the acts.
func (t *Tree) Children(parentID string) []Node {
	return t.collect(t.childIDs(parentID))
}

func (t *Tree) collect(ids []string) []Node {
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.nodes[id].clone())
	}
	return out
}

func (t *Tree) childIDs(parentID string) []string {
	if parentID == "" || parentID == t.issue.ID {
		return t.acts
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil
	}
	return parent.Children
}

// Walk visits every node depth-first, parents before children, in sort order.
// Returning false from fn stops the walk.
func (t *Tree) Walk(fn func(Node) bool) {
	t.walk(t.acts, fn)
}

func (t *Tree) walk(ids []string, fn func(Node) bool) bool {
	for _, id := range ids {
		node := t.nodes[id]
		if !fn(node.clone()) {
			return false
		}
		if !t.walk(node.Children, fn) {
			return false
		}
	}
	return true
}

// FindParentChain returns the act/scene/page/panel ancestry of id.
func (t *Tree) FindParentChain(id string) (Chain, bool) {
	var chain Chain
	current, ok := t.nodes[id]
	if !ok {
		return Chain{}, false
	}
	for {
		node := current.clone()
		switch node.Kind {
		case KindAct:
			chain.Act = &node
			return chain, true
		case KindScene:
			chain.Scene = &node
		case KindPage:
			chain.Page = &node
		case KindPanel:
			chain.Panel = &node
		}
		parent, ok := t.nodes[node.ParentID]
		if !ok {
			return Chain{}, false
		}
		current = parent
	}
}

// NextSortOrder is the sort_order placing a new child after every existing child.
func (t *Tree) NextSortOrder(parentID string) int {
	next := 0
	for _, id := range t.childIDs(parentID) {
		if order := t.nodes[id].SortOrder + 1; order > next {
			next = order
		}
	}
	return next
}

// NextNumber returns the next page number (issue-wide) or panel number (per page).
func (t *Tree) NextNumber(kind Kind, parentID string) int {
	highest := 0
	switch kind {
	case KindPage:
		for _, node := range t.nodes {
			if node.Kind == KindPage && node.Number > highest {
				highest = node.Number
			}
		}
	case KindPanel:
		for _, id := range t.childIDs(parentID) {
			if node := t.nodes[id]; node.Kind == KindPanel && node.Number > highest {
				highest = node.Number
			}
		}
	default:
		return 0
	}
	return highest + 1
}

func (t *Tree) Clone() *Tree {
	out := &Tree{
		issue: t.issue,
		acts:  append([]string(nil), t.acts...),
		nodes: make(map[string]*Node, len(t.nodes)),
	}
	for id, node := range t.nodes {
		copied := node.clone()
		out.nodes[id] = &copied
	}
	return out
}

// Equal reports structural equality: same issue, same nodes, same ordering.
func (t *Tree) Equal(other *Tree) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.issue != other.issue || len(t.nodes) != len(other.nodes) || !equalStrings(t.acts, other.acts) {
		return false
	}
	for id, node := range t.nodes {
		peer, ok := other.nodes[id]
		if !ok || !equalNode(*node, *peer) {
			return false
		}
	}
	return true
}

func equalNode(a, b Node) bool {
	if a.Ref != b.Ref || a.Kind != b.Kind || a.ParentID != b.ParentID || a.SortOrder != b.SortOrder || a.Number != b.Number {
		return false
	}
	if len(a.Fields) != len(b.Fields) || !equalStrings(a.Children, b.Children) {
		return false
	}
	for key, value := range a.Fields {
		if other, ok := b.Fields[key]; !ok || other != value {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Insert adds n under its parent at index (negative or out-of-range appends).
func (t *Tree) Insert(n Node, index int) error {
	if !n.Kind.Valid() {
		return fmt.Errorf("insert %s: unknown kind %q", n.ID(), n.Kind)
	}
	if n.Ref.IsZero() {
		return fmt.Errorf("insert %s: empty id", n.Kind)
	}
	if _, exists := t.nodes[n.ID()]; exists {
		return fmt.Errorf("insert %s %s: %w", n.Kind, n.ID(), ErrDuplicate)
	}
	fields, err := normalizeFields(n.Kind, n.Fields)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", n.Kind, n.ID(), err)
	}

	node := n
	node.Fields = fields
	node.Children = nil

	if n.Kind == KindAct {
		if node.ParentID == "" {
			node.ParentID = t.issue.ID
		}
		if node.ParentID != t.issue.ID {
			return fmt.Errorf("insert act %s: %w", n.ID(), ErrOrphan)
		}
		t.acts = insertAt(t.acts, node.ID(), index)
		t.nodes[node.ID()] = &node
		return nil
	}

	parent, ok := t.nodes[node.ParentID]
	if !ok || parent.Kind != n.Kind.ParentKind() {
		return fmt.Errorf("insert %s %s under %q: %w", n.Kind, n.ID(), node.ParentID, ErrOrphan)
	}
	parent.Children = insertAt(parent.Children, node.ID(), index)
	t.nodes[node.ID()] = &node
	return nil
}

// Remove detaches id and all of its descendants, returning a snapshot that Restore
// puts back at the same sibling position.
func (t *Tree) Remove(id string) (Subtree, error) {
	node, ok := t.nodes[id]
	if !ok {
		return Subtree{}, fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}

	siblings := t.childIDs(node.ParentID)
	index := indexOf(siblings, id)

	snapshot := Subtree{Root: node.clone(), Index: index}
	var collect func(ids []string)
	collect = func(ids []string) {
		for _, childID := range ids {
			child := t.nodes[childID]
			snapshot.Descendants = append(snapshot.Descendants, child.clone())
			collect(child.Children)
		}
	}
	collect(node.Children)

	if node.Kind == KindAct {
		t.acts = removeString(t.acts, id)
	} else if parent, ok := t.nodes[node.ParentID]; ok {
		parent.Children = removeString(parent.Children, id)
	}
	for _, removed := range snapshot.Nodes() {
		delete(t.nodes, removed.ID())
	}
	return snapshot, nil
}

// Restore re-inserts a snapshot taken by Remove.
func (t *Tree) Restore(snapshot Subtree) error {
	if err := t.Insert(snapshot.Root, snapshot.Index); err != nil {
		return fmt.Errorf("restore root: %w", err)
	}
	for _, node := range snapshot.Descendants {
		if err := t.Insert(node, -1); err != nil {
			return fmt.Errorf("restore descendant: %w", err)
		}
	}
	return nil
}

// SetField writes one field and returns the previous value.
func (t *Tree) SetField(id, field, value string) (string, error) {
	node, ok := t.nodes[id]
	if !ok {
		return "", fmt.Errorf("set %s on %s: %w", field, id, ErrNotFound)
	}
	if !node.Kind.HasField(field) {
		return "", fmt.Errorf("set %s on %s %s: %w", field, node.Kind, id, ErrUnknownField)
	}
	old := node.Fields[field]
	node.Fields[field] = value
	return old, nil
}

// Reconcile swaps a temporary ref for the id the remote store assigned, updating the
// parent's child list and the children's parent ids in one step.
func (t *Tree) Reconcile(temp Ref, persistedID string) error {
	if !temp.IsTemporary() {
		return fmt.Errorf("reconcile %s: ref is not temporary", temp)
	}
	if persistedID == "" {
		return fmt.Errorf("reconcile %s: empty persisted id", temp)
	}
	node, ok := t.nodes[temp.ID()]
	if !ok || node.Ref != temp {
		return fmt.Errorf("reconcile %s: %w", temp, ErrNotFound)
	}
	if _, exists := t.nodes[persistedID]; exists {
		return fmt.Errorf("reconcile %s as %s: %w", temp, persistedID, ErrDuplicate)
	}

	delete(t.nodes, temp.ID())
	node.Ref = Persisted(persistedID)
	t.nodes[persistedID] = node

	if node.Kind == KindAct {
		t.acts = replaceString(t.acts, temp.ID(), persistedID)
	} else if parent, ok := t.nodes[node.ParentID]; ok {
		parent.Children = replaceString(parent.Children, temp.ID(), persistedID)
	}
	for _, childID := range node.Children {
		t.nodes[childID].ParentID = persistedID
	}
	return nil
}

func (t *Tree) sortChildren(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := t.nodes[ids[i]], t.nodes[ids[j]]
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if a.Kind.rank() != b.Kind.rank() {
			return a.Kind.rank() < b.Kind.rank()
		}
		return a.ID() < b.ID()
	})
}

func normalizeFields(kind Kind, fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(kind.Fields()))
	for _, name := range kind.Fields() {
		out[name] = ""
	}
	for key, value := range fields {
		if !kind.HasField(key) {
			return nil, fmt.Errorf("%s.%s: %w", kind, key, ErrUnknownField)
		}
		out[key] = value
	}
	return out, nil
}

func insertAt(ids []string, id string, index int) []string {
	if index < 0 || index >= len(ids) {
		return append(ids, id)
	}
	ids = append(ids, "")
	copy(ids[index+1:], ids[index:])
	ids[index] = id
	return ids
}

func removeString(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, value := range ids {
		if value != id {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func replaceString(ids []string, from, to string) []string {
	for i, value := range ids {
		if value == from {
			ids[i] = to
		}
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, value := range ids {
		if value == id {
			return i
		}
	}
	return -1
}
