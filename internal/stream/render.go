package stream

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/pkg/utils"
)

// questionTools are handled by the question collaborator and never rendered.
var questionTools = map[string]struct{}{
	"AskUserQuestion": {},
}

func IsQuestionTool(name string) bool {
	_, ok := questionTools[name]
	return ok
}

// summaryKeys are probed in order for a one-line description of a tool call.
var summaryKeys = []string{"command", "file_path", "path", "pattern", "url", "query", "description", "prompt"}

type toolLine struct {
	id     string
	name   string
	detail string
	failed bool
}

func newToolLine(ev agentx.ToolUseEvent) toolLine {
	return toolLine{id: ev.ID, name: ev.Name, detail: summarizeInput(ev.Input)}
}

func (t toolLine) String() string {
	var sb strings.Builder
	sb.WriteString("> ")
	sb.WriteString(t.name)
	if t.detail != "" {
		sb.WriteString(": ")
		sb.WriteString(t.detail)
	}
	if t.failed {
		sb.WriteString(" (failed)")
	}
	return sb.String()
}

func summarizeInput(input map[string]any) string {
	for _, key := range summaryKeys {
		if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
			return utils.Truncate80(firstLine(v))
		}
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := input[k].(string); ok && strings.TrimSpace(v) != "" {
			return utils.Truncate80(firstLine(v))
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func renderTrail(tools []toolLine) string {
	lines := make([]string, len(tools))
	for i, t := range tools {
		lines[i] = t.String()
	}
	return strings.Join(lines, "\n")
}

// Footer renders the usage line appended to a final message.
func Footer(st agentx.Stats) string {
	parts := []string{fmt.Sprintf("%s tokens", humanCount(st.TotalTokens()))}
	if pct, ok := st.ContextPercent(); ok {
		parts = append(parts, fmt.Sprintf("%.0f%% context", pct))
	}
	if st.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", st.CostUSD))
	}
	return "[" + strings.Join(parts, " · ") + "]"
}

func humanCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// clip keeps the head of s within limit runes for in-progress edits.
func clip(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	chunks := utils.SplitChunks(s, limit-4)
	if len(chunks) == 1 {
		return s
	}
	return chunks[0] + "\n..."
}
