package gateway

import (
	"strings"
	"testing"

	"github.com/tgifai/relay/internal/approval"
)

func TestParseQuestions(t *testing.T) {
	opts := make([]any, 12)
	for i := range opts {
		opts[i] = map[string]any{"label": string(rune('a' + i))}
	}
	qs, err := parseQuestions(map[string]any{"questions": []any{
		map[string]any{"question": "Pick one", "header": "Letters", "options": opts},
		map[string]any{"question": "  "},
		map[string]any{"question": "Ship it?"},
	}})
	if err != nil {
		t.Fatalf("parseQuestions: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("len = %d, want 2 (blank question dropped)", len(qs))
	}
	if len(qs[0].Options) != approval.MaxOptions {
		t.Fatalf("options = %d, want %d", len(qs[0].Options), approval.MaxOptions)
	}
	if qs[0].Header != "Letters" || qs[1].Question != "Ship it?" {
		t.Fatalf("questions = %+v", qs)
	}

	for _, bad := range []map[string]any{
		{},
		{"questions": "nope"},
		{"questions": []any{}},
	} {
		if _, err := parseQuestions(bad); err == nil {
			t.Fatalf("parseQuestions(%v) should fail", bad)
		}
	}
}

func TestQuestionAnswerFor(t *testing.T) {
	choice := question{Question: "DB?", Options: []questionOption{{Label: "SQLite"}, {Label: "Postgres"}}}
	yesNo := question{Question: "Ship it?"}

	tests := []struct {
		name string
		q    question
		res  approval.Result
		want string
	}{
		{"choose", choice, approval.Result{Decision: approval.Choose, Option: 1}, "Postgres"},
		{"choose out of range", choice, approval.Result{Decision: approval.Choose, Option: 5}, noAnswer},
		{"approve on choice", choice, approval.Result{Decision: approval.Approve}, noAnswer},
		{"approve", yesNo, approval.Result{Decision: approval.Approve}, "yes"},
		{"deny", yesNo, approval.Result{Decision: approval.Deny}, "no"},
		{"timeout", yesNo, approval.Result{Decision: approval.Timeout}, noAnswer},
	}
	for _, tt := range tests {
		if got := tt.q.answerFor(tt.res); got != tt.want {
			t.Fatalf("%s: answerFor = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRenderQuestionAndAnswers(t *testing.T) {
	q := question{Question: "DB?", Header: "Storage", Options: []questionOption{
		{Label: "SQLite", Description: "embedded"},
		{Label: "Postgres"},
	}}
	out := q.render()
	for _, want := range []string{"[Storage] DB?", "1️⃣ SQLite - embedded", "2️⃣ Postgres", "React with a number"} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q:\n%s", want, out)
		}
	}

	got := renderAnswers([]question{q}, []string{noAnswer})
	if !strings.Contains(got, "DB? -> (no answer)") || !strings.Contains(got, "did not answer") {
		t.Fatalf("renderAnswers = %q", got)
	}
	got = renderAnswers([]question{q}, []string{"SQLite"})
	if strings.Contains(got, "did not answer") {
		t.Fatalf("renderAnswers = %q", got)
	}
}
