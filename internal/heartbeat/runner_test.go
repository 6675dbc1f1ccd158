package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/session"
)

type fakeChannel struct {
	mu    sync.Mutex
	seq   int
	sent  []string
	edits map[string]string
}

func (c *fakeChannel) ID() string                  { return "tg" }
func (c *fakeChannel) Type() channel.Type          { return channel.Telegram }
func (c *fakeChannel) Start(context.Context) error { return nil }
func (c *fakeChannel) Stop(context.Context) error  { return nil }
func (c *fakeChannel) MaxMessageLength() int       { return 4096 }

func (c *fakeChannel) RegisterMessageHandler(channel.MessageHandler) error   { return nil }
func (c *fakeChannel) RegisterReactionHandler(channel.ReactionHandler) error { return nil }

func (c *fakeChannel) SendChatAction(context.Context, string, channel.ChatAction) error {
	return nil
}

func (c *fakeChannel) ReactMessage(context.Context, string, string, string) error {
	return channel.ErrUnsupportedOperation
}

func (c *fakeChannel) SendMessage(_ context.Context, _ string, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.sent = append(c.sent, content)
	return fmt.Sprintf("m%d", c.seq), nil
}

func (c *fakeChannel) EditMessage(_ context.Context, _ string, id, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.edits == nil {
		c.edits = make(map[string]string)
	}
	c.edits[id] = content
	return nil
}

// view returns the latest text of every message in send order.
func (c *fakeChannel) view() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = s
		if e, ok := c.edits[fmt.Sprintf("m%d", i+1)]; ok {
			out[i] = e
		}
	}
	return out
}

// scriptedProc answers each prompt with reply unless silent.
type scriptedProc struct {
	id      string
	reply   string
	silent  bool
	mu      sync.Mutex
	handler agentx.Handler
	killed  bool
	done    chan struct{}
	once    sync.Once
}

func newScriptedProc(id, reply string) *scriptedProc {
	return &scriptedProc{id: id, reply: reply, done: make(chan struct{})}
}

func (p *scriptedProc) SetHandler(h agentx.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *scriptedProc) SendMessage(string) bool {
	if p.Exited() {
		return false
	}
	if p.silent {
		return true
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	go func() {
		h.OnEvent(agentx.TextEvent{Text: p.reply})
		h.OnEvent(agentx.ResultEvent{Subtype: "success", SessionID: p.id, Text: p.reply})
	}()
	return true
}

func (p *scriptedProc) Interrupt() error        { return nil }
func (p *scriptedProc) Terminate(time.Duration) { p.Kill() }
func (p *scriptedProc) SessionID() string       { return p.id }
func (p *scriptedProc) Stats() agentx.Stats     { return agentx.Stats{} }
func (p *scriptedProc) Done() <-chan struct{}   { return p.done }

func (p *scriptedProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *scriptedProc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *scriptedProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func newTestRunner(ch *fakeChannel, spawn session.Spawner) *Runner {
	return NewRunner(RunnerOptions{
		DefaultWorkingDir: "/tmp",
		Resolve: func(id string) (channel.Channel, error) {
			if id != "tg" {
				return nil, channel.ErrChannelNotFound
			}
			return ch, nil
		},
		Spawn: spawn,
	})
}

func TestRunnerDeliversAnswer(t *testing.T) {
	ch := &fakeChannel{}
	proc := newScriptedProc("s-new", "all green")
	var opts agentx.Options
	r := newTestRunner(ch, func(_ context.Context, o agentx.Options) (session.Process, error) {
		opts = o
		return proc, nil
	})

	res, err := r.Run(context.Background(), Definition{Name: "ping", Prompt: "status?", Destination: "tg:1"}, "old")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SessionID != "s-new" {
		t.Fatalf("SessionID = %q", res.SessionID)
	}
	if opts.ResumeID != "" || opts.WorkingDir != "/tmp" {
		t.Fatalf("opts = %+v, non-persistent runs start fresh in the default dir", opts)
	}
	if !proc.wasKilled() {
		t.Fatal("process should be stopped after the run")
	}

	view := ch.view()
	if len(view) != 2 {
		t.Fatalf("messages = %q, want header and answer", view)
	}
	if !strings.HasPrefix(view[0], "[heartbeat] ping") {
		t.Fatalf("header = %q", view[0])
	}
	if !strings.Contains(view[1], "all green") {
		t.Fatalf("answer = %q", view[1])
	}
}

func TestRunnerResumeFallback(t *testing.T) {
	ch := &fakeChannel{}
	var calls []string
	r := newTestRunner(ch, func(_ context.Context, o agentx.Options) (session.Process, error) {
		calls = append(calls, o.ResumeID)
		if o.ResumeID != "" {
			return nil, agentx.ErrResumeFailed
		}
		return newScriptedProc("fresh", "ok"), nil
	})

	def := Definition{Name: "ctx", Prompt: "go", Destination: "tg:1", Persistent: true}
	res, err := r.Run(context.Background(), def, "stale")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fmt.Sprint(calls) != "[stale ]" || res.SessionID != "fresh" {
		t.Fatalf("calls = %q, SessionID = %q", calls, res.SessionID)
	}
}

func TestRunnerTimeoutKills(t *testing.T) {
	ch := &fakeChannel{}
	proc := newScriptedProc("s", "")
	proc.silent = true
	r := newTestRunner(ch, func(context.Context, agentx.Options) (session.Process, error) { return proc, nil })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Definition{Name: "slow", Prompt: "go", Destination: "tg:1"}, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !proc.wasKilled() {
		t.Fatal("timed out process was not killed")
	}
	view := ch.view()
	if len(view) != 2 || !strings.Contains(view[1], "(timed out)") {
		t.Fatalf("messages = %q", view)
	}
}

func TestRunnerUnknownDestination(t *testing.T) {
	r := newTestRunner(&fakeChannel{}, func(context.Context, agentx.Options) (session.Process, error) {
		t.Fatal("spawned without a destination")
		return nil, nil
	})
	_, err := r.Run(context.Background(), Definition{Name: "x", Prompt: "p", Destination: "dc:1"}, "")
	if !errors.Is(err, channel.ErrChannelNotFound) {
		t.Fatalf("err = %v", err)
	}
}
