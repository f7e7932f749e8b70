package blocks

import (
	"fmt"

	"scriptdesk/api/internal/script"
)

type pageEntry struct {
	page  script.Node
	chain script.Chain
}

// Project derives the blocks for scope around anchor. It is pure: the same tree,
// scope and anchor always give the same sequence. An anchor that cannot be found
// falls back to the first page of the first scene of the first act; when that is
// missing too the projection is empty.
func Project(tree *script.Tree, scope Scope, anchor Anchor) []Block {
	if tree == nil {
		return []Block{}
	}
	pages := documentPages(tree)

	var selected []pageEntry
	if scope == ScopeIssue {
		selected = pages
	} else {
		current, ok := resolveAnchor(tree, pages, anchor.PageID)
		if !ok {
			return []Block{}
		}
		for _, entry := range pages {
			if inScope(scope, current, entry) {
				selected = append(selected, entry)
			}
		}
	}

	out := make([]Block, 0, len(selected)*4)
	for _, entry := range selected {
		out = append(out, headerBlock(entry))
		panels := tree.Children(entry.page.ID())
		if scope == ScopePanel {
			panels = pickPanel(panels, anchor.PanelID)
		}
		for _, panel := range panels {
			out = append(out, panelBlocks(tree, entry, panel)...)
		}
	}
	return out
}

func documentPages(tree *script.Tree) []pageEntry {
	var pages []pageEntry
	tree.Walk(func(node script.Node) bool {
		if node.Kind != script.KindPage {
			return true
		}
		chain, ok := tree.FindParentChain(node.ID())
		if ok {
			pages = append(pages, pageEntry{page: node, chain: chain})
		}
		return true
	})
	return pages
}

func resolveAnchor(tree *script.Tree, pages []pageEntry, pageID string) (pageEntry, bool) {
	for _, entry := range pages {
		if entry.page.ID() == pageID {
			return entry, true
		}
	}

	acts := tree.Acts()
	if len(acts) == 0 {
		return pageEntry{}, false
	}
	scenes := tree.Children(acts[0].ID())
	if len(scenes) == 0 {
		return pageEntry{}, false
	}
	scenePages := tree.Children(scenes[0].ID())
	if len(scenePages) == 0 {
		return pageEntry{}, false
	}
	for _, entry := range pages {
		if entry.page.ID() == scenePages[0].ID() {
			return entry, true
		}
	}
	return pageEntry{}, false
}

func inScope(scope Scope, current, entry pageEntry) bool {
	switch scope {
	case ScopeAct:
		return entry.chain.Act.ID() == current.chain.Act.ID()
	case ScopeScene:
		return entry.chain.Scene.ID() == current.chain.Scene.ID()
	default:
		return entry.page.ID() == current.page.ID()
	}
}

func pickPanel(panels []script.Node, panelID string) []script.Node {
	if len(panels) == 0 {
		return nil
	}
	for _, panel := range panels {
		if panel.ID() == panelID {
			return []script.Node{panel}
		}
	}
	return panels[:1]
}

func baseBlock(entry pageEntry, node script.Node) Block {
	return Block{
		Ref:        node.Ref,
		Temporary:  node.Ref.IsTemporary(),
		Kind:       node.Kind,
		ActID:      entry.chain.Act.ID(),
		ActName:    entry.chain.Act.Field("title"),
		SceneID:    entry.chain.Scene.ID(),
		SceneName:  entry.chain.Scene.Field("title"),
		PageID:     entry.page.ID(),
		PageNumber: entry.page.Number,
		SortOrder:  node.SortOrder,
	}
}

func headerBlock(entry pageEntry) Block {
	block := baseBlock(entry, entry.page)
	block.Type = TypePageHeader
	block.Field = "title"
	block.Content = entry.page.Field("title")
	if block.Content == "" {
		block.Content = fmt.Sprintf("Page %d", entry.page.Number)
	}
	return block
}

func panelBlocks(tree *script.Tree, entry pageEntry, panel script.Node) []Block {
	visual := baseBlock(entry, panel)
	visual.Type = TypeVisual
	visual.Field = "visual_description"
	visual.Content = panel.Field("visual_description")
	visual.PanelID = panel.ID()
	visual.PanelNumber = panel.Number
	visual.Variant = panel.Field("shot_type")

	out := []Block{visual}
	for _, leaf := range tree.Children(panel.ID()) {
		block := baseBlock(entry, leaf)
		block.PanelID = panel.ID()
		block.PanelNumber = panel.Number
		block.Field = "text"
		block.Content = leaf.Field("text")
		switch leaf.Kind {
		case script.KindDialogue:
			block.Type = TypeDialogue
			block.CharacterID = leaf.Field("character_id")
			block.Variant = leaf.Field("dialogue_type")
		case script.KindCaption:
			block.Type = TypeCaption
			block.Variant = leaf.Field("caption_type")
		case script.KindSoundEffect:
			block.Type = TypeSFX
		default:
			continue
		}
		out = append(out, block)
	}
	return out
}
