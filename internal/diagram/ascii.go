package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "skipped":
		return "[SKIP]"
	case "retrying":
		return "[RETRY]"
	case StatusRecovered:
		return "[RECOVERED]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			renderConnector(&b, model.Nodes[i+1])
		}
	}
	return b.String()
}

// makeBox returns the lines of the box for node.
func makeBox(node *Node) []string {
	content := []string{firstLine(node.Label)}
	if node.Kind == NodeKindConditional {
		content = append(content, "(conditional)")
	}
	if node.Retries > 0 {
		content = append(content, fmt.Sprintf("retries: %d", node.Retries))
	}
	for _, sg := range node.Children {
		content = append(content, sg.Label+" -> fallback")
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			if node.Status.RetryCount > 0 {
				tag = fmt.Sprintf("%s x%d", tag, node.Status.RetryCount+1)
			}
			content = append(content, tag)
		}
		if node.Status.Error != "" {
			content = append(content, truncate(node.Status.Error, 40))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}

// renderConnector draws the arrow into next; conditional steps get a dotted one.
func renderConnector(b *strings.Builder, next *Node) {
	if next.Kind == NodeKindConditional {
		b.WriteString("   ┆ when (else skip)\n")
	} else {
		b.WriteString("   │\n")
	}
	b.WriteString("   ▼\n")
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
