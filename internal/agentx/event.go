package agentx

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Event is one item decoded from the assistant's output stream. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

type TextEvent struct {
	Text string
}

type ToolUseEvent struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolResultEvent struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type SystemEvent struct {
	Subtype   string
	SessionID string
	Model     string
}

// UsageEvent carries the prompt size of one assistant message. The last one
// before a result is the context the next turn starts from.
type UsageEvent struct {
	ContextTokens int64
}

// ResultEvent terminates a turn.
type ResultEvent struct {
	Subtype   string
	SessionID string
	Text      string
	IsError   bool
	Stats     Stats
}

func (TextEvent) isEvent()       {}
func (ToolUseEvent) isEvent()    {}
func (ToolResultEvent) isEvent() {}
func (SystemEvent) isEvent()     {}
func (UsageEvent) isEvent()      {}
func (ResultEvent) isEvent()     {}

// Stats is the usage reported by a result line, or the running total of them.
type Stats struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Model               string  `json:"model"`
	DurationMS          int64   `json:"duration_ms"`
	NumTurns            int     `json:"num_turns"`
	ContextWindow       int64   `json:"context_window"`
	// ContextTokens is the prompt size of the most recent turn.
	ContextTokens int64 `json:"context_tokens"`
}

func (s Stats) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens + s.CacheReadTokens + s.CacheCreationTokens
}

// ContextPercent reports how full the context window was on the last turn.
func (s Stats) ContextPercent() (float64, bool) {
	if s.ContextWindow <= 0 || s.ContextTokens <= 0 {
		return 0, false
	}
	pct := float64(s.ContextTokens) * 100 / float64(s.ContextWindow)
	return min(pct, 100), true
}

// Add folds one turn into a running total. Model and context figures follow
// the latest turn.
func (s Stats) Add(turn Stats) Stats {
	s.InputTokens += turn.InputTokens
	s.OutputTokens += turn.OutputTokens
	s.CacheReadTokens += turn.CacheReadTokens
	s.CacheCreationTokens += turn.CacheCreationTokens
	s.CostUSD += turn.CostUSD
	s.DurationMS += turn.DurationMS
	s.NumTurns += turn.NumTurns
	if turn.Model != "" {
		s.Model = turn.Model
	}
	if turn.ContextWindow > 0 {
		s.ContextWindow = turn.ContextWindow
	}
	if turn.ContextTokens > 0 {
		s.ContextTokens = turn.ContextTokens
	}
	return s
}

type wireLine struct {
	Type       string                    `json:"type"`
	Subtype    string                    `json:"subtype"`
	SessionID  string                    `json:"session_id"`
	Model      string                    `json:"model"`
	Message    *wireMessage              `json:"message"`
	Result     string                    `json:"result"`
	IsError    bool                      `json:"is_error"`
	DurationMS int64                     `json:"duration_ms"`
	NumTurns   int                       `json:"num_turns"`
	CostUSD    float64                   `json:"total_cost_usd"`
	Usage      *wireUsage                `json:"usage"`
	ModelUsage map[string]wireModelUsage `json:"modelUsage"`
}

type wireMessage struct {
	Model   string      `json:"model"`
	Content wireContent `json:"content"`
	Usage   *wireUsage  `json:"usage"`
}

type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   wireContent    `json:"content"`
	IsError   bool           `json:"is_error"`
}

type wireUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

type wireModelUsage struct {
	ContextWindow int64 `json:"contextWindow"`
}

// wireContent accepts either a bare string or an array of content blocks.
type wireContent []wireBlock

func (c *wireContent) UnmarshalJSON(raw []byte) error {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "null":
		*c = nil
		return nil
	case strings.HasPrefix(trimmed, `"`):
		var text string
		if err := sonic.UnmarshalString(trimmed, &text); err != nil {
			return err
		}
		*c = wireContent{{Type: "text", Text: text}}
		return nil
	default:
		var blocks []wireBlock
		if err := sonic.UnmarshalString(trimmed, &blocks); err != nil {
			return err
		}
		*c = blocks
		return nil
	}
}

func (c wireContent) text() string {
	var sb strings.Builder
	for _, b := range c {
		if b.Type == "text" || b.Type == "" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (u *wireUsage) contextTokens() int64 {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// ParseLine decodes one output line into zero or more events, in order.
// Unknown line types decode to no events.
func ParseLine(line []byte) ([]Event, error) {
	var w wireLine
	if err := sonic.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch w.Type {
	case "system":
		return []Event{SystemEvent{Subtype: w.Subtype, SessionID: w.SessionID, Model: w.Model}}, nil
	case "assistant":
		if w.Message == nil {
			return nil, nil
		}
		events := make([]Event, 0, len(w.Message.Content))
		for _, b := range w.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					events = append(events, TextEvent{Text: b.Text})
				}
			case "tool_use":
				events = append(events, ToolUseEvent{ID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		if u := w.Message.Usage; u != nil {
			if n := u.contextTokens(); n > 0 {
				events = append(events, UsageEvent{ContextTokens: n})
			}
		}
		return events, nil
	case "user":
		if w.Message == nil {
			return nil, nil
		}
		var events []Event
		for _, b := range w.Message.Content {
			if b.Type == "tool_result" {
				events = append(events, ToolResultEvent{
					ToolUseID: b.ToolUseID,
					Content:   b.Content.text(),
					IsError:   b.IsError,
				})
			}
		}
		return events, nil
	case "result":
		return []Event{ResultEvent{
			Subtype:   w.Subtype,
			SessionID: w.SessionID,
			Text:      w.Result,
			IsError:   w.IsError,
			Stats:     w.stats(),
		}}, nil
	case "":
		return nil, fmt.Errorf("stream line without type")
	default:
		return nil, nil
	}
}

func (w *wireLine) stats() Stats {
	st := Stats{
		CostUSD:    w.CostUSD,
		DurationMS: w.DurationMS,
		NumTurns:   w.NumTurns,
	}
	if w.Usage != nil {
		st.InputTokens = w.Usage.InputTokens
		st.OutputTokens = w.Usage.OutputTokens
		st.CacheReadTokens = w.Usage.CacheReadTokens
		st.CacheCreationTokens = w.Usage.CacheCreationTokens
		// Summed over every request in the turn. The session replaces it with
		// the last assistant message's figure when one was reported.
		st.ContextTokens = w.Usage.contextTokens()
	}
	// The primary model is the one with the largest context window.
	for model, mu := range w.ModelUsage {
		if mu.ContextWindow > st.ContextWindow || st.Model == "" {
			st.Model = model
			st.ContextWindow = max(st.ContextWindow, mu.ContextWindow)
		}
	}
	return st
}

type userTurn struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string      `json:"role"`
	Content []userBlock `json:"content"`
}

type userBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeUserTurn renders text as one stream-json input line, newline included.
func EncodeUserTurn(text string) ([]byte, error) {
	raw, err := sonic.Marshal(userTurn{
		Type: "user",
		Message: userMessage{
			Role:    "user",
			Content: []userBlock{{Type: "text", Text: text}},
		},
	})
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
