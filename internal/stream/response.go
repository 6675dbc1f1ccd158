package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/pkg/prometheus"
	"github.com/tgifai/relay/internal/pkg/utils"
)

const (
	DefaultDebounce  = 300 * time.Millisecond
	DefaultMaxLength = 4000
	emptyReply       = "(no output)"
)

// Messenger is the chat capability a Response renders into.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, content string) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, content string) error
}

type State int

const (
	NotStarted State = iota
	Posted
	Finalized
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Posted:
		return "posted"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

type Options struct {
	Messenger Messenger
	ChatID    string
	Debounce  time.Duration
	MaxLength int
	// StopTyping fires once, on the first post or when the exchange ends.
	StopTyping func()
	// OnQuestion receives question-class tool calls on its own goroutine.
	OnQuestion func(ev agentx.ToolUseEvent)
}

// Response turns one exchange's events into a bounded number of message
// posts and edits.
type Response struct {
	ctx  context.Context
	opts Options

	mu       sync.Mutex
	state    State
	text     strings.Builder
	tools    []toolLine
	msgID    string
	lastEdit time.Time
	timer    *time.Timer
	result   *agentx.ResultEvent
	aborted  string

	// editMu keeps at most one post or edit in flight.
	editMu        sync.Mutex
	lastCommitted string

	stopTyping sync.Once
	done       chan struct{}
}

var _ agentx.Handler = (*Response)(nil)

func New(ctx context.Context, opts Options) *Response {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	return &Response{
		ctx:  ctx,
		opts: opts,
		done: make(chan struct{}),
	}
}

// OnEvent is called on the session's reader goroutine.
func (r *Response) OnEvent(ev agentx.Event) {
	switch e := ev.(type) {
	case agentx.TextEvent:
		r.appendText(e.Text)
	case agentx.ToolUseEvent:
		if IsQuestionTool(e.Name) {
			if r.opts.OnQuestion != nil {
				go r.opts.OnQuestion(e)
			}
			return
		}
		r.appendTool(e)
	case agentx.ToolResultEvent:
		r.markToolResult(e)
	case agentx.ResultEvent:
		r.complete(e)
	case agentx.SystemEvent, agentx.UsageEvent:
	}
}

func (r *Response) appendText(text string) {
	r.mu.Lock()
	if r.state == Finalized {
		r.mu.Unlock()
		return
	}
	if r.text.Len() > 0 && !strings.HasSuffix(r.text.String(), "\n") {
		r.text.WriteString("\n\n")
	}
	r.text.WriteString(text)
	r.advanceLocked()
}

func (r *Response) appendTool(ev agentx.ToolUseEvent) {
	r.mu.Lock()
	if r.state == Finalized {
		r.mu.Unlock()
		return
	}
	r.tools = append(r.tools, newToolLine(ev))
	r.advanceLocked()
}

func (r *Response) markToolResult(ev agentx.ToolResultEvent) {
	if !ev.IsError {
		return
	}
	r.mu.Lock()
	if r.state == Finalized {
		r.mu.Unlock()
		return
	}
	for i := range r.tools {
		if r.tools[i].id == ev.ToolUseID {
			r.tools[i].failed = true
			r.requestEditLocked()
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()
}

// advanceLocked is entered with mu held and releases it.
func (r *Response) advanceLocked() {
	if r.state == NotStarted {
		r.state = Posted
		r.lastEdit = time.Now()
		r.mu.Unlock()
		r.post()
		return
	}
	r.requestEditLocked()
	r.mu.Unlock()
}

// requestEditLocked commits now when the debounce window has passed, or
// arms the single pending timer. While a timer is armed further requests
// coalesce into it.
func (r *Response) requestEditLocked() {
	if r.timer != nil {
		return
	}
	elapsed := time.Since(r.lastEdit)
	if elapsed >= r.opts.Debounce {
		r.lastEdit = time.Now()
		go r.commit()
		return
	}
	r.timer = time.AfterFunc(r.opts.Debounce-elapsed, r.fire)
}

func (r *Response) fire() {
	r.mu.Lock()
	r.timer = nil
	if r.state != Posted {
		r.mu.Unlock()
		return
	}
	r.lastEdit = time.Now()
	r.mu.Unlock()
	r.commit()
}

func (r *Response) post() {
	r.finishTyping()

	r.editMu.Lock()
	defer r.editMu.Unlock()

	r.mu.Lock()
	content := r.renderLocked()
	r.mu.Unlock()

	id, err := r.opts.Messenger.SendMessage(r.ctx, r.opts.ChatID, content)
	if err != nil {
		prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditError).Inc()
		logs.CtxWarn(r.ctx, "[stream] post to %s: %v", r.opts.ChatID, err)
		return
	}
	prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditPost).Inc()

	r.mu.Lock()
	r.msgID = id
	r.mu.Unlock()
	r.lastCommitted = content
}

func (r *Response) commit() {
	r.editMu.Lock()
	defer r.editMu.Unlock()

	r.mu.Lock()
	if r.state != Posted {
		r.mu.Unlock()
		return
	}
	content := r.renderLocked()
	id := r.msgID
	r.mu.Unlock()

	if content == r.lastCommitted {
		return
	}
	if id == "" {
		newID, err := r.opts.Messenger.SendMessage(r.ctx, r.opts.ChatID, content)
		if err != nil {
			prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditError).Inc()
			logs.CtxWarn(r.ctx, "[stream] retry post to %s: %v", r.opts.ChatID, err)
			return
		}
		prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditPost).Inc()
		r.mu.Lock()
		r.msgID = newID
		r.mu.Unlock()
		r.lastCommitted = content
		return
	}

	if err := r.opts.Messenger.EditMessage(r.ctx, r.opts.ChatID, id, content); err != nil {
		prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditError).Inc()
		logs.CtxWarn(r.ctx, "[stream] edit %s: %v", id, err)
		return
	}
	prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditUpdate).Inc()
	r.lastCommitted = content
}

func (r *Response) renderLocked() string {
	text := r.text.String()
	var body string
	switch {
	case len(r.tools) == 0:
		body = text
	case text == "":
		body = renderTrail(r.tools)
	default:
		body = renderTrail(r.tools) + "\n\n" + text
	}
	if strings.TrimSpace(body) == "" {
		body = "..."
	}
	return clip(body, r.opts.MaxLength)
}

// finalView is everything the final commit needs, captured under mu.
type finalView struct {
	text   string
	tools  []toolLine
	msgID  string
	footer string
}

// seal moves the response to Finalized and captures its content. It
// reports false if it was already finalized.
func (r *Response) seal() (finalView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Finalized {
		return finalView{}, false
	}
	r.state = Finalized
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return finalView{
		text:  strings.TrimSpace(r.text.String()),
		tools: append([]toolLine(nil), r.tools...),
		msgID: r.msgID,
	}, true
}

func (r *Response) complete(ev agentx.ResultEvent) {
	view, ok := r.seal()
	if !ok {
		return
	}
	r.mu.Lock()
	r.result = &ev
	r.mu.Unlock()
	defer close(r.done)
	r.finishTyping()

	if view.text == "" && ev.Text != "" {
		view.text = strings.TrimSpace(ev.Text)
	}
	if ev.IsError && view.text == "" {
		view.text = "error: " + ev.Subtype
	}
	view.footer = Footer(ev.Stats)

	r.editMu.Lock()
	defer r.editMu.Unlock()
	r.finalize(view)
}

// finalize applies the segmentation policy. Caller holds editMu.
func (r *Response) finalize(view finalView) {
	switch {
	case len(view.tools) == 0:
		body := view.text
		if body == "" {
			body = emptyReply
		}
		r.deliver(view.msgID, body, view.footer)
	case view.text == "":
		r.deliver(view.msgID, renderTrail(view.tools), view.footer)
	default:
		trail := clip(renderTrail(view.tools), r.opts.MaxLength)
		if view.msgID != "" {
			r.edit(view.msgID, trail, prometheus.EditFinal)
		} else {
			r.send(trail)
		}
		r.deliver("", view.text, view.footer)
	}
}

// deliver writes body+footer, editing msgID in place when set and sending
// any overflow as follow-up messages.
func (r *Response) deliver(msgID, body, footer string) {
	full := body
	if footer != "" {
		full += "\n\n" + footer
	}
	chunks := utils.SplitChunks(full, r.opts.MaxLength)
	for i, chunk := range chunks {
		if i == 0 && msgID != "" {
			r.edit(msgID, chunk, prometheus.EditFinal)
			continue
		}
		r.send(chunk)
	}
}

func (r *Response) edit(msgID, content, kind string) {
	if content == r.lastCommitted {
		return
	}
	if err := r.opts.Messenger.EditMessage(r.ctx, r.opts.ChatID, msgID, content); err != nil {
		prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditError).Inc()
		logs.CtxWarn(r.ctx, "[stream] final edit %s: %v", msgID, err)
		return
	}
	prometheus.StreamEditsTotal.WithLabelValues(kind).Inc()
	r.lastCommitted = content
}

func (r *Response) send(content string) {
	if _, err := r.opts.Messenger.SendMessage(r.ctx, r.opts.ChatID, content); err != nil {
		prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditError).Inc()
		logs.CtxWarn(r.ctx, "[stream] send to %s: %v", r.opts.ChatID, err)
		return
	}
	prometheus.StreamEditsTotal.WithLabelValues(prometheus.EditPost).Inc()
}

// Abort finalizes without a result, appending reason to whatever was shown.
func (r *Response) Abort(reason string) {
	view, ok := r.seal()
	if !ok {
		return
	}
	r.mu.Lock()
	r.aborted = reason
	r.mu.Unlock()
	defer close(r.done)
	r.finishTyping()

	body := view.text
	if len(view.tools) > 0 {
		body = strings.TrimSpace(renderTrail(view.tools) + "\n\n" + view.text)
	}
	if body != "" {
		body += "\n\n"
	}
	body += "(" + reason + ")"

	r.editMu.Lock()
	defer r.editMu.Unlock()
	r.deliver(view.msgID, body, "")
}

func (r *Response) finishTyping() {
	r.stopTyping.Do(func() {
		if r.opts.StopTyping != nil {
			r.opts.StopTyping()
		}
	})
}

// Done is closed once the final commit has been made.
func (r *Response) Done() <-chan struct{} { return r.done }

func (r *Response) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the terminal event, if the exchange completed normally.
func (r *Response) Result() (agentx.ResultEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return agentx.ResultEvent{}, false
	}
	return *r.result, true
}

// Aborted returns the abort reason, empty unless Abort ran first.
func (r *Response) Aborted() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Text is the accumulated assistant text so far.
func (r *Response) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}
