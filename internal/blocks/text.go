package blocks

import (
	"fmt"
	"strings"
)

// GenerateLinearText renders blocks as a plain script, the read-only view handed to
// exporters.
func GenerateLinearText(blocks []Block) string {
	var b strings.Builder
	for i, block := range blocks {
		switch block.Type {
		case TypePageHeader:
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "PAGE %d", block.PageNumber)
			if title := strings.TrimSpace(block.Content); title != "" && title != fmt.Sprintf("Page %d", block.PageNumber) {
				fmt.Fprintf(&b, ": %s", title)
			}
			b.WriteString("\n")
		case TypeVisual:
			fmt.Fprintf(&b, "\nPANEL %d", block.PanelNumber)
			if block.Variant != "" {
				fmt.Fprintf(&b, " (%s)", strings.ToUpper(block.Variant))
			}
			b.WriteString("\n")
			if content := strings.TrimSpace(block.Content); content != "" {
				b.WriteString(content + "\n")
			}
		case TypeDialogue:
			speaker := strings.ToUpper(strings.TrimSpace(block.CharacterID))
			if speaker == "" {
				speaker = "UNKNOWN"
			}
			if block.Variant != "" && block.Variant != "balloon" {
				speaker += " (" + strings.ToUpper(block.Variant) + ")"
			}
			fmt.Fprintf(&b, "\t%s: %s\n", speaker, block.Content)
		case TypeCaption:
			fmt.Fprintf(&b, "\tCAPTION: %s\n", block.Content)
		case TypeSFX:
			fmt.Fprintf(&b, "\tSFX: %s\n", block.Content)
		}
	}
	return b.String()
}
