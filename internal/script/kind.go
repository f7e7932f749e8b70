// Package script holds the in-memory model of a comic script issue: an arena of
// nodes keyed by id, linked by parent/child id references and ordered by sort_order.
package script

import "fmt"

// Kind identifies an entity level in the script hierarchy.
type Kind string

const (
	KindAct         Kind = "act"
	KindScene       Kind = "scene"
	KindPage        Kind = "page"
	KindPanel       Kind = "panel"
	KindDialogue    Kind = "dialogue"
	KindCaption     Kind = "caption"
	KindSoundEffect Kind = "sfx"
)

type kindInfo struct {
	table        string
	parent       Kind
	parentColumn string
	numberColumn string
	fields       []string
	nullable     map[string]bool
	leafRank     int
}

var kindTable = map[Kind]kindInfo{
	KindAct: {
		table:        "acts",
		parentColumn: "issue_id",
		fields:       []string{"title", "beat_summary"},
	},
	KindScene: {
		table:        "scenes",
		parent:       KindAct,
		parentColumn: "act_id",
		fields:       []string{"title", "summary", "plotline_id"},
		nullable:     map[string]bool{"plotline_id": true},
	},
	KindPage: {
		table:        "pages",
		parent:       KindScene,
		parentColumn: "scene_id",
		numberColumn: "page_number",
		fields:       []string{"title"},
	},
	KindPanel: {
		table:        "panels",
		parent:       KindPage,
		parentColumn: "page_id",
		numberColumn: "panel_number",
		fields:       []string{"visual_description", "shot_type", "notes"},
	},
	KindDialogue: {
		table:        "dialogues",
		parent:       KindPanel,
		parentColumn: "panel_id",
		fields:       []string{"character_id", "text", "dialogue_type"},
		nullable:     map[string]bool{"character_id": true},
		leafRank:     1,
	},
	KindCaption: {
		table:        "captions",
		parent:       KindPanel,
		parentColumn: "panel_id",
		fields:       []string{"text", "caption_type"},
		leafRank:     2,
	},
	KindSoundEffect: {
		table:        "sound_effects",
		parent:       KindPanel,
		parentColumn: "panel_id",
		fields:       []string{"text"},
		leafRank:     3,
	},
}

// Kinds returns every kind, parents before children.
func Kinds() []Kind {
	return []Kind{KindAct, KindScene, KindPage, KindPanel, KindDialogue, KindCaption, KindSoundEffect}
}

// ParseKind validates a kind name coming from outside the engine.
func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", value)
	}
	return kind, nil
}

func (k Kind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// Table is the remote store table backing the kind.
func (k Kind) Table() string {
	return kindTable[k].table
}

// ParentKind is empty for acts, whose parent is the issue itself.
func (k Kind) ParentKind() Kind {
	return kindTable[k].parent
}

func (k Kind) ParentColumn() string {
	return kindTable[k].parentColumn
}

// NumberColumn is page_number or panel_number, empty for other kinds.
func (k Kind) NumberColumn() string {
	return kindTable[k].numberColumn
}

func (k Kind) Fields() []string {
	fields := kindTable[k].fields
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

func (k Kind) HasField(field string) bool {
	for _, name := range kindTable[k].fields {
		if name == field {
			return true
		}
	}
	return false
}

// Nullable reports whether an empty value of field is stored as NULL.
func (k Kind) Nullable(field string) bool {
	return kindTable[k].nullable[field]
}

// IsLeaf reports whether the kind lives directly under a panel.
func (k Kind) IsLeaf() bool {
	return kindTable[k].leafRank > 0
}

func (k Kind) rank() int {
	return kindTable[k].leafRank
}
