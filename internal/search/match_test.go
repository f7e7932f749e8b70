package search

import (
	"errors"
	"strconv"
	"testing"

	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/script/scripttest"
)

func helloWorldTree(t *testing.T) *script.Tree {
	t.Helper()
	tree, err := script.Build(scripttest.Issue(), map[script.Kind][]script.Row{
		script.KindAct:      {{ID: "a1", ParentID: scripttest.IssueID, SortOrder: 1}},
		script.KindScene:    {{ID: "s1", ParentID: "a1", SortOrder: 1}},
		script.KindPage:     {{ID: "pg1", ParentID: "s1", SortOrder: 1, Number: 1}},
		script.KindPanel:    {{ID: "pn1", ParentID: "pg1", SortOrder: 1, Number: 1}},
		script.KindDialogue: {{ID: "d1", ParentID: "pn1", SortOrder: 1, Fields: map[string]string{"text": "Hello world"}}},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return tree
}

func apply(t *testing.T, tree *script.Tree, edits []EntityEdit) {
	t.Helper()
	for _, edit := range edits {
		for field, value := range edit.Fields {
			if _, err := tree.SetField(edit.Ref.ID(), field, value); err != nil {
				t.Fatalf("SetField() error = %v", err)
			}
		}
	}
}

func TestHelloWorldScenario(t *testing.T) {
	tree := helloWorldTree(t)
	flags := Flags{MatchCase: false, WholeWord: true}

	matches := Search(tree, "world", flags)
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	m := matches[0]
	if m.Ref.ID() != "d1" || m.Field != "text" || m.Start != 6 || m.End != 11 {
		t.Fatalf("unexpected match %+v", m)
	}
	if m.PageNumber != 1 || m.PanelNumber != 1 || m.ActNumber != 1 || m.SceneNumber != 1 {
		t.Fatalf("unexpected location %+v", m)
	}

	edits := PlanReplaceAll(tree, "world", "there", flags)
	apply(t, tree, edits)
	node, _ := tree.Node("d1")
	if node.Field("text") != "Hello there" {
		t.Fatalf("text = %q, want %q", node.Field("text"), "Hello there")
	}
	if again := Search(tree, "there", flags); len(again) != 1 {
		t.Fatalf("re-search found %d matches, want 1", len(again))
	}
}

func TestSearchFlags(t *testing.T) {
	tree := scripttest.Sample()

	tests := []struct {
		name  string
		term  string
		flags Flags
		want  []string
	}{
		{name: "whole word, any case", term: "world", flags: Flags{WholeWord: true}, want: []string{"d1:6", "pn2:13", "pn2:5", "d3:9"}},
		{name: "substring", term: "world", flags: Flags{}, want: []string{"d1:6", "pn2:13", "pn2:5", "d2:4", "d3:9"}},
		{name: "match case whole word", term: "World", flags: Flags{MatchCase: true, WholeWord: true}, want: []string{"pn2:13", "d3:9"}},
		{name: "empty term", term: "", flags: Flags{}, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Search(tree, tc.term, tc.flags)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d matches %+v, want %v", len(got), got, tc.want)
			}
			for i, m := range got {
				if key := m.Ref.ID() + ":" + strconv.Itoa(m.Start); key != tc.want[i] {
					t.Fatalf("match %d = %s, want %s", i, key, tc.want[i])
				}
				if m.End-m.Start != len(tc.term) {
					t.Fatalf("match %d has span %d..%d", i, m.Start, m.End)
				}
			}
		})
	}
}

func TestReplaceAllGroupsByEntityAndIsSymmetric(t *testing.T) {
	tree := scripttest.Sample()
	flags := Flags{WholeWord: true}

	matches := Search(tree, "world", flags)
	edits := PlanReplaceAll(tree, "world", "there", flags)

	if len(edits) != 3 {
		t.Fatalf("expected 3 entity edits, got %d: %+v", len(edits), edits)
	}
	var panel EntityEdit
	for _, edit := range edits {
		if edit.Ref.ID() == "pn2" {
			panel = edit
		}
	}
	if panel.Fields["visual_description"] != "Close on the there Tower." || panel.Fields["notes"] != "wide there" {
		t.Fatalf("panel edit should carry both fields, got %+v", panel.Fields)
	}

	targeted := make(map[string]bool)
	for _, m := range matches {
		targeted[m.Ref.ID()+"/"+m.Field] = true
	}
	for _, edit := range edits {
		for field := range edit.Fields {
			if !targeted[edit.Ref.ID()+"/"+field] {
				t.Fatalf("edit touches %s/%s which was never matched", edit.Ref.ID(), field)
			}
		}
	}

	apply(t, tree, edits)
	if again := Search(tree, "there", flags); len(again) != len(matches) {
		t.Fatalf("re-search found %d, want %d", len(again), len(matches))
	}
	d2, _ := tree.Node("d2")
	if d2.Field("text") != "The worldwide network is down." {
		t.Fatalf("whole-word replace must not touch substrings, got %q", d2.Field("text"))
	}
}

func TestUnicodeOffsetsAndBoundaries(t *testing.T) {
	tree := scripttest.Sample()
	if _, err := tree.SetField("d1", "text", "un éclair, deux éclairs"); err != nil {
		t.Fatalf("set field: %v", err)
	}
	matches := Search(tree, "ÉCLAIR", Flags{})
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	if matches[0].Start != 3 || matches[0].End != 9 || matches[0].Text != "éclair" {
		t.Fatalf("expected character span [3,9), got %+v", matches[0])
	}
	if matches[1].Start != 16 || matches[1].End != 22 {
		t.Fatalf("expected character span [16,22), got %+v", matches[1])
	}
	edit, err := PlanReplaceOne(tree, matches[1], "orage")
	if err != nil {
		t.Fatalf("replace one: %v", err)
	}
	if got := edit.Fields["text"]; got != "un éclair, deux orages" {
		t.Fatalf("PlanReplaceOne() = %q", got)
	}
	stale := matches[0]
	stale.End = 40
	if _, err := PlanReplaceOne(tree, stale, "x"); !errors.Is(err, ErrStaleMatch) {
		t.Fatalf("expected ErrStaleMatch for an out of range span, got %v", err)
	}

	if got := findAll("éclairs", "éclair", Flags{WholeWord: true}); len(got) != 0 {
		t.Fatalf("letters bound words, got %v", got)
	}
	if got := findAll("café-éclair", "éclair", Flags{WholeWord: true}); len(got) != 1 {
		t.Fatalf("hyphen is a boundary, got %v", got)
	}
	if got := findAll("snake_case case", "case", Flags{WholeWord: true}); len(got) != 1 || got[0][0] != 11 {
		t.Fatalf("underscore is a word character, got %v", got)
	}
	if got := ReplaceText("aaa", "aa", "b", Flags{}); got != "ba" {
		t.Fatalf("ReplaceText() = %q, want non-overlapping %q", got, "ba")
	}
}

func TestPlanReplaceOne(t *testing.T) {
	tree := scripttest.Sample()
	matches := Search(tree, "world", Flags{WholeWord: true})

	edit, err := PlanReplaceOne(tree, matches[1], "Sky")
	if err != nil {
		t.Fatalf("PlanReplaceOne() error = %v", err)
	}
	if len(edit.Fields) != 1 || edit.Fields["visual_description"] != "Close on the Sky Tower." {
		t.Fatalf("unexpected edit %+v", edit)
	}

	apply(t, tree, []EntityEdit{edit})
	if _, err := PlanReplaceOne(tree, matches[1], "Sky"); err == nil {
		t.Fatal("expected stale match error")
	}
}
