package script

// Subtree is the snapshot taken when an entity is removed: the entity, every
// descendant in parent-first order and the entity's position among its siblings.
type Subtree struct {
	Root        Node
	Descendants []Node
	Index       int
}

func (s Subtree) Kind() Kind {
	return s.Root.Kind
}

func (s Subtree) ID() string {
	return s.Root.ID()
}

// Nodes returns the root followed by its descendants.
func (s Subtree) Nodes() []Node {
	out := make([]Node, 0, len(s.Descendants)+1)
	out = append(out, s.Root)
	return append(out, s.Descendants...)
}

// Contains reports whether id is referenced anywhere in the snapshot.
func (s Subtree) Contains(id string) bool {
	for _, node := range s.Nodes() {
		if node.ID() == id || node.ParentID == id {
			return true
		}
		for _, child := range node.Children {
			if child == id {
				return true
			}
		}
	}
	return false
}

// Rename rewrites every reference to from so it points at persistedID.
func (s Subtree) Rename(from, persistedID string) Subtree {
	out := Subtree{Root: renameNode(s.Root, from, persistedID), Index: s.Index}
	for _, node := range s.Descendants {
		out.Descendants = append(out.Descendants, renameNode(node, from, persistedID))
	}
	return out
}

func renameNode(node Node, from, to string) Node {
	out := node.clone()
	if out.ID() == from {
		out.Ref = Persisted(to)
	}
	if out.ParentID == from {
		out.ParentID = to
	}
	out.Children = replaceString(out.Children, from, to)
	return out
}
