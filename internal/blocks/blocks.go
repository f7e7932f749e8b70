// Package blocks projects a script tree into the flat, ordered list of editable
// blocks the editor surface renders for one scope.
package blocks

import (
	"fmt"

	"scriptdesk/api/internal/script"
)

// Scope bounds a projection.
type Scope string

const (
	ScopePanel Scope = "panel"
	ScopePage  Scope = "page"
	ScopeScene Scope = "scene"
	ScopeAct   Scope = "act"
	ScopeIssue Scope = "issue"
)

// ParseScope defaults to page scope when value is empty.
func ParseScope(value string) (Scope, error) {
	switch Scope(value) {
	case "":
		return ScopePage, nil
	case ScopePanel, ScopePage, ScopeScene, ScopeAct, ScopeIssue:
		return Scope(value), nil
	default:
		return "", fmt.Errorf("unknown scope %q", value)
	}
}

// Type is the presentation type of a block.
type Type string

const (
	TypePageHeader Type = "page-header"
	TypeVisual     Type = "visual"
	TypeDialogue   Type = "dialogue"
	TypeCaption    Type = "caption"
	TypeSFX        Type = "sfx"
)

// Anchor is the reader's current position. PanelID only matters for panel scope.
type Anchor struct {
	PageID  string `json:"pageId"`
	PanelID string `json:"panelId,omitempty"`
}

// Block is a derived view of one editable entity. It is never persisted.
type Block struct {
	Ref         script.Ref  `json:"id"`
	Temporary   bool        `json:"temporary,omitempty"`
	Type        Type        `json:"type"`
	Kind        script.Kind `json:"kind"`
	Field       string      `json:"field"`
	Content     string      `json:"content"`
	ActID       string      `json:"actId"`
	ActName     string      `json:"actName"`
	SceneID     string      `json:"sceneId"`
	SceneName   string      `json:"sceneName"`
	PageID      string      `json:"pageId"`
	PageNumber  int         `json:"pageNumber"`
	PanelID     string      `json:"panelId,omitempty"`
	PanelNumber int         `json:"panelNumber,omitempty"`
	SortOrder   int         `json:"sortOrder"`
	CharacterID string      `json:"characterId,omitempty"`
	Variant     string      `json:"variant,omitempty"`
}

func (b Block) ID() string {
	return b.Ref.ID()
}

// Index returns the position of the block backed by id, or -1.
func Index(blocks []Block, id string) int {
	for i, block := range blocks {
		if block.ID() == id {
			return i
		}
	}
	return -1
}

// InsertIndex is the position right after the last block owned by parentID: the
// panel's run for a leaf, the page's run for a new panel.
func InsertIndex(blocks []Block, kind script.Kind, parentID string) (int, bool) {
	last := -1
	for i, block := range blocks {
		switch {
		case kind.IsLeaf() && block.PanelID == parentID:
			last = i
		case kind == script.KindPanel && block.PageID == parentID:
			last = i
		}
	}
	if last < 0 {
		return 0, false
	}
	return last + 1, true
}
