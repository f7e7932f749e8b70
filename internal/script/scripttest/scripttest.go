// Package scripttest provides a sample issue shared by the engine's tests.
package scripttest

import (
	"context"
	"fmt"

	"scriptdesk/api/internal/script"
)

// IssueID is the id of the sample issue.
const IssueID = "iss1"

// Issue is the sample issue root.
func Issue() script.Issue {
	return script.Issue{ID: IssueID, Title: "The Long Night", Number: 1}
}

// Rows returns the sample issue as flat rows. Sibling groups are listed out of
// sort order on purpose.
func Rows() map[script.Kind][]script.Row {
	return map[script.Kind][]script.Row{
		script.KindAct: {
			{ID: "a2", ParentID: IssueID, SortOrder: 2, Fields: map[string]string{"title": "Act Two"}},
			{ID: "a1", ParentID: IssueID, SortOrder: 1, Fields: map[string]string{"title": "Act One", "beat_summary": "The city goes dark."}},
		},
		script.KindScene: {
			{ID: "s2", ParentID: "a1", SortOrder: 2, Fields: map[string]string{"title": "Departure"}},
			{ID: "s1", ParentID: "a1", SortOrder: 1, Fields: map[string]string{"title": "Arrival", "summary": "Mara reaches the city."}},
			{ID: "s3", ParentID: "a2", SortOrder: 1, Fields: map[string]string{"title": "Aftermath"}},
		},
		script.KindPage: {
			{ID: "pg2", ParentID: "s1", SortOrder: 2, Number: 2},
			{ID: "pg1", ParentID: "s1", SortOrder: 1, Number: 1, Fields: map[string]string{"title": "Opening"}},
			{ID: "pg3", ParentID: "s2", SortOrder: 1, Number: 3},
			{ID: "pg4", ParentID: "s3", SortOrder: 1, Number: 4},
		},
		script.KindPanel: {
			{ID: "pn2", ParentID: "pg1", SortOrder: 2, Number: 2, Fields: map[string]string{"visual_description": "Close on the World Tower.", "notes": "wide world", "shot_type": "close"}},
			{ID: "pn1", ParentID: "pg1", SortOrder: 1, Number: 1, Fields: map[string]string{"visual_description": "A city at night.", "shot_type": "establishing"}},
			{ID: "pn3", ParentID: "pg2", SortOrder: 1, Number: 1, Fields: map[string]string{"visual_description": "Rooftop."}},
			{ID: "pn4", ParentID: "pg3", SortOrder: 1, Number: 1, Fields: map[string]string{"visual_description": "Train station."}},
		},
		script.KindDialogue: {
			{ID: "d2", ParentID: "pn2", SortOrder: 1, Fields: map[string]string{"text": "The worldwide network is down.", "dialogue_type": "balloon"}},
			{ID: "d1", ParentID: "pn1", SortOrder: 1, Fields: map[string]string{"text": "Hello world", "character_id": "mara", "dialogue_type": "balloon"}},
			{ID: "d3", ParentID: "pn4", SortOrder: 1, Fields: map[string]string{"text": "Goodbye, World!", "dialogue_type": "whisper"}},
		},
		script.KindCaption: {
			{ID: "c1", ParentID: "pn1", SortOrder: 2, Fields: map[string]string{"text": "Meanwhile...", "caption_type": "narration"}},
		},
		script.KindSoundEffect: {
			{ID: "x1", ParentID: "pn1", SortOrder: 3, Fields: map[string]string{"text": "BOOM"}},
		},
	}
}

// Sample builds the sample tree.
func Sample() *script.Tree {
	tree, err := script.Build(Issue(), Rows())
	if err != nil {
		panic(fmt.Sprintf("scripttest: build sample: %v", err))
	}
	return tree
}

// Seed writes the sample issue into remote with its own ids.
func Seed(ctx context.Context, remote script.Remote) error {
	return SeedTree(ctx, remote, Sample())
}

// SeedTree writes any tree into remote, parents first.
func SeedTree(ctx context.Context, remote script.Remote, tree *script.Tree) error {
	issue := tree.Issue()
	if _, err := remote.Insert(ctx, script.IssuesTable, script.Record{
		"id":           issue.ID,
		"title":        issue.Title,
		"issue_number": issue.Number,
	}); err != nil {
		return fmt.Errorf("seed issue: %w", err)
	}
	var seedErr error
	tree.Walk(func(node script.Node) bool {
		if _, err := remote.Insert(ctx, node.Kind.Table(), script.NodeRecord(node)); err != nil {
			seedErr = fmt.Errorf("seed %s %s: %w", node.Kind, node.ID(), err)
			return false
		}
		return true
	})
	return seedErr
}
