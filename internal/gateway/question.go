package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/approval"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/session"
)

const noAnswer = "(no answer)"

type question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []questionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

type questionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// parseQuestions decodes an AskUserQuestion tool input. Options beyond the
// number of keycap emojis are dropped.
func parseQuestions(input map[string]any) ([]question, error) {
	raw, ok := input["questions"]
	if !ok {
		return nil, errors.New("missing questions")
	}
	data, err := sonic.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode questions: %w", err)
	}
	var qs []question
	if err := sonic.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}

	out := qs[:0]
	for _, q := range qs {
		if strings.TrimSpace(q.Question) == "" {
			continue
		}
		if len(q.Options) > approval.MaxOptions {
			q.Options = q.Options[:approval.MaxOptions]
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, errors.New("no questions")
	}
	return out, nil
}

func (q question) render() string {
	var b strings.Builder
	if q.Header != "" {
		fmt.Fprintf(&b, "[%s] ", q.Header)
	}
	b.WriteString(q.Question)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%s %s", approval.OptionEmoji(i), opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, " - %s", opt.Description)
		}
	}
	if len(q.Options) > 0 {
		b.WriteString("\n\nReact with a number to answer.")
	} else {
		fmt.Fprintf(&b, "\n\nReact %s or %s to answer.", approval.ApproveEmoji, approval.DenyEmoji)
	}
	return b.String()
}

// answerFor maps a reaction to the text written back to the assistant.
func (q question) answerFor(res approval.Result) string {
	switch res.Decision {
	case approval.Choose:
		if res.Option < len(q.Options) {
			return q.Options[res.Option].Label
		}
	case approval.Approve:
		if len(q.Options) == 0 {
			return "yes"
		}
	case approval.Deny:
		if len(q.Options) == 0 {
			return "no"
		}
	case approval.Timeout:
	}
	return noAnswer
}

func renderAnswers(qs []question, answers []string) string {
	var b strings.Builder
	b.WriteString("Answers to your questions:")
	answered := false
	for i, q := range qs {
		fmt.Fprintf(&b, "\n- %s -> %s", q.Question, answers[i])
		if answers[i] != noAnswer {
			answered = true
		}
	}
	if !answered {
		b.WriteString("\nThe user did not answer. Continue with your best judgement.")
	}
	return b.String()
}

// answerQuestion posts each question, waits for a reaction on it, and queues
// the collected answers as the conversation's next turn.
func (gw *Gateway) answerQuestion(ctx context.Context, ch channel.Channel, msg *channel.Message, ev agentx.ToolUseEvent) {
	qs, err := parseQuestions(ev.Input)
	if err != nil {
		logs.CtxWarn(ctx, "[gateway] ignore malformed %s: %v", ev.Name, err)
		return
	}

	wait := gw.cfg.Gateway.ApprovalWaitDuration()
	answers := make([]string, len(qs))
	for i, q := range qs {
		answers[i] = gw.ask(ctx, ch, msg, q, wait)
	}
	if ctx.Err() != nil {
		return
	}
	gw.followUp(ctx, msg, renderAnswers(qs, answers))
}

func (gw *Gateway) ask(ctx context.Context, ch channel.Channel, msg *channel.Message, q question, wait time.Duration) string {
	chatID := msg.ChatID
	msgID, err := ch.SendMessage(ctx, chatID, q.render())
	if err != nil {
		logs.CtxWarn(ctx, "[gateway] post question to %s: %v", chatID, err)
		return noAnswer
	}

	pending := gw.approvals.Expect(msgID)
	id := session.ConversationID(msg.ChannelID, chatID)
	gw.questions.Store(id, msgID)
	defer gw.questions.CompareAndDelete(id, msgID)

	emojis := []string{approval.ApproveEmoji, approval.DenyEmoji}
	if len(q.Options) > 0 {
		emojis = make([]string, len(q.Options))
		for i := range q.Options {
			emojis[i] = approval.OptionEmoji(i)
		}
	}
	for _, e := range emojis {
		if err := ch.ReactMessage(ctx, chatID, msgID, e); err != nil {
			logs.CtxDebug(ctx, "[gateway] seed reaction %s on %s: %v", e, msgID, err)
			break
		}
	}

	res := pending.Wait(ctx, wait)
	logs.CtxInfo(ctx, "[gateway] question %s resolved: %s", msgID, res.Decision)
	return q.answerFor(res)
}

// resolveTypedAnswer lets a plain-text reply ("2", "yes") answer the question
// pending in conversation id, for chats where the reaction set is restricted.
func (gw *Gateway) resolveTypedAnswer(id, text string) bool {
	v, ok := gw.questions.Load(id)
	if !ok {
		return false
	}
	emoji, ok := typedAnswerEmoji(text)
	if !ok {
		return false
	}
	return gw.approvals.Resolve(v.(string), emoji)
}

func typedAnswerEmoji(text string) (string, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	switch text {
	case "yes", "y":
		return approval.ApproveEmoji, true
	case "no", "n":
		return approval.DenyEmoji, true
	}
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= approval.MaxOptions {
		return approval.OptionEmoji(n - 1), true
	}
	return "", false
}
