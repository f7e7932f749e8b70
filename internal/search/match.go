package search

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"scriptdesk/api/internal/script"
)

// Flags control matching. The zero value is case-insensitive substring matching.
type Flags struct {
	MatchCase bool `json:"matchCase"`
	WholeWord bool `json:"wholeWord"`
}

// Match is one occurrence of a term inside a text field. Start and End are
// character (rune) offsets into the field's text.
type Match struct {
	Ref         script.Ref  `json:"id"`
	Kind        script.Kind `json:"kind"`
	Field       string      `json:"field"`
	Start       int         `json:"start"`
	End         int         `json:"end"`
	Text        string      `json:"text"`
	ActNumber   int         `json:"actNumber"`
	SceneNumber int         `json:"sceneNumber"`
	PageNumber  int         `json:"pageNumber"`
	PanelNumber int         `json:"panelNumber"`
}

// Location is where a text field sits in the document.
type Location struct {
	ActNumber   int
	SceneNumber int
	PageNumber  int
	PanelNumber int
}

// textFields lists the searchable fields of each text-bearing kind in the order
// they are scanned.
var textFields = map[script.Kind][]string{
	script.KindPanel:       {"visual_description", "notes"},
	script.KindDialogue:    {"text"},
	script.KindCaption:     {"text"},
	script.KindSoundEffect: {"text"},
}

// SearchableFields returns the fields of kind that search scans.
func SearchableFields(kind script.Kind) []string {
	return textFields[kind]
}

// eachTextField visits every text-bearing field in document order.
func eachTextField(tree *script.Tree, fn func(node script.Node, field string, loc Location)) {
	var loc Location
	tree.Walk(func(node script.Node) bool {
		switch node.Kind {
		case script.KindAct:
			loc.ActNumber++
			loc.SceneNumber = 0
		case script.KindScene:
			loc.SceneNumber++
		case script.KindPage:
			loc.PageNumber = node.Number
			loc.PanelNumber = 0
		case script.KindPanel:
			loc.PanelNumber = node.Number
		}
		for _, field := range textFields[node.Kind] {
			fn(node, field, loc)
		}
		return true
	})
}

// Search scans every text-bearing leaf of tree in document order.
func Search(tree *script.Tree, term string, flags Flags) []Match {
	matches := []Match{}
	if tree == nil || term == "" {
		return matches
	}
	eachTextField(tree, func(node script.Node, field string, loc Location) {
		text := node.Field(field)
		for _, span := range findAll(text, term, flags) {
			start := utf8.RuneCountInString(text[:span[0]])
			matches = append(matches, Match{
				Ref:         node.Ref,
				Kind:        node.Kind,
				Field:       field,
				Start:       start,
				End:         start + utf8.RuneCountInString(text[span[0]:span[1]]),
				Text:        text[span[0]:span[1]],
				ActNumber:   loc.ActNumber,
				SceneNumber: loc.SceneNumber,
				PageNumber:  loc.PageNumber,
				PanelNumber: loc.PanelNumber,
			})
		}
	})
	return matches
}

// ReplaceText replaces every occurrence findAll reports, leaving the rest of text
// untouched.
func ReplaceText(text, term, replacement string, flags Flags) string {
	spans := findAll(text, term, flags)
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, span := range spans {
		b.WriteString(text[last:span[0]])
		b.WriteString(replacement)
		last = span[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// findAll returns non-overlapping [start,end) byte spans, scanning left to right.
func findAll(text, term string, flags Flags) [][2]int {
	if term == "" {
		return nil
	}
	var spans [][2]int
	for i := 0; i < len(text); {
		if end, ok := matchAt(text, i, term, flags.MatchCase); ok {
			if !flags.WholeWord || isWordBounded(text, i, end) {
				spans = append(spans, [2]int{i, end})
				i = end
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return spans
}

// byteOffset converts a rune offset into text to a byte offset. It returns -1
// when text has fewer than n runes.
func byteOffset(text string, n int) int {
	if n < 0 {
		return -1
	}
	i := 0
	for ; n > 0; n-- {
		if i >= len(text) {
			return -1
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return i
}

func matchAt(text string, i int, term string, matchCase bool) (int, bool) {
	if matchCase {
		if strings.HasPrefix(text[i:], term) {
			return i + len(term), true
		}
		return 0, false
	}
	j := i
	for _, want := range term {
		if j >= len(text) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(text[j:])
		if got != want && !strings.EqualFold(string(got), string(want)) {
			return 0, false
		}
		j += size
	}
	return j, true
}

func isWordBounded(text string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
