package http

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
)

func newTestHTTP(t *testing.T, raw map[string]any) (*HTTP, *server.Hertz) {
	t.Helper()
	ch, err := NewChannel("web", &config.ChannelConfig{Type: "http", Config: raw})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	h := ch.(*HTTP)
	srv := server.New()
	for _, r := range h.Routes() {
		srv.Handle(r.Method, r.Path, r.Handler)
	}
	return h, srv
}

func post(srv *server.Hertz, body string, headers ...ut.Header) (int, outboundResponse) {
	w := ut.PerformRequest(srv.Engine, consts.MethodPost, "/api/v1/http/web/message",
		&ut.Body{Body: bytes.NewBufferString(body), Len: len(body)}, headers...)
	res := w.Result()
	var out outboundResponse
	_ = sonic.Unmarshal(res.Body(), &out)
	return res.StatusCode(), out
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]any{"api_key": "k"})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.APIKey != "k" || cfg.ReplyTimeout != defaultReplyTimeout {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := ParseConfig(map[string]any{"reply_timeout": -1}); err == nil {
		t.Fatal("negative reply_timeout should fail")
	}
}

func TestHandleMessageCollectsReply(t *testing.T) {
	h, srv := newTestHTTP(t, nil)
	var got *channel.Message
	_ = h.RegisterMessageHandler(func(ctx context.Context, msg *channel.Message) error {
		got = msg
		id, err := h.SendMessage(ctx, msg.ChatID, "hel")
		if err != nil {
			return err
		}
		if err := h.EditMessage(ctx, msg.ChatID, id, "hello"); err != nil {
			return err
		}
		if _, err := h.SendMessage(ctx, msg.ChatID, "second"); err != nil {
			return err
		}
		h.Complete(ctx, msg)
		return nil
	})

	status, out := post(srv, `{"user_id":"u1","content":"hi"}`)
	if status != consts.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if out.Content != "hello\n\nsecond" {
		t.Fatalf("content = %q, want %q", out.Content, "hello\n\nsecond")
	}
	if got == nil || got.ChatID != "u1" || got.ChannelID != "web" || got.ChannelType != channel.HTTP {
		t.Fatalf("message = %+v", got)
	}
	if out.ID != got.ID || out.ChatID != "u1" {
		t.Fatalf("response = %+v, want id %s", out, got.ID)
	}
}

func TestHandleMessageRequiresBearerToken(t *testing.T) {
	h, srv := newTestHTTP(t, map[string]any{"api_key": "secret"})
	called := false
	_ = h.RegisterMessageHandler(func(ctx context.Context, msg *channel.Message) error {
		called = true
		h.Complete(ctx, msg)
		return nil
	})

	if status, _ := post(srv, `{"chat_id":"c","content":"hi"}`); status != consts.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if called {
		t.Fatal("handler ran for an unauthorized request")
	}
	status, _ := post(srv, `{"chat_id":"c","content":"hi"}`, ut.Header{Key: "Authorization", Value: "Bearer secret"})
	if status != consts.StatusOK || !called {
		t.Fatalf("status = %d, called = %v; want 200, true", status, called)
	}
}

func TestHandleMessageRejectsBadBody(t *testing.T) {
	h, srv := newTestHTTP(t, nil)
	_ = h.RegisterMessageHandler(func(context.Context, *channel.Message) error { return nil })

	for _, body := range []string{"nope", `{"chat_id":"c","content":"  "}`, `{"content":"hi"}`} {
		if status, _ := post(srv, body); status != consts.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, status)
		}
	}
}

func TestHandleMessageTimeoutReturnsPartialReply(t *testing.T) {
	h, srv := newTestHTTP(t, nil)
	h.config.ReplyTimeout = 50 * time.Millisecond
	_ = h.RegisterMessageHandler(func(ctx context.Context, msg *channel.Message) error {
		_, err := h.SendMessage(ctx, msg.ChatID, "partial")
		return err
	})

	status, out := post(srv, `{"chat_id":"c","content":"hi"}`)
	if status != consts.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", status)
	}
	if out.Content != "partial" || out.Error == "" {
		t.Fatalf("response = %+v", out)
	}
	if len(h.pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(h.pending))
	}
}

func TestHandleMessageBusyChat(t *testing.T) {
	h, srv := newTestHTTP(t, nil)
	first := make(chan *channel.Message, 1)
	_ = h.RegisterMessageHandler(func(_ context.Context, msg *channel.Message) error {
		first <- msg
		return nil
	})

	var wg sync.WaitGroup
	var firstStatus int
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstStatus, _ = post(srv, `{"chat_id":"c","content":"one"}`)
	}()

	var msg *channel.Message
	select {
	case msg = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the handler")
	}

	if status, _ := post(srv, `{"chat_id":"c","content":"two"}`); status != consts.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}

	h.Complete(context.Background(), msg)
	wg.Wait()
	if firstStatus != consts.StatusOK {
		t.Fatalf("first status = %d, want 200", firstStatus)
	}
}

func TestSendWithoutWaitingRequest(t *testing.T) {
	h, _ := newTestHTTP(t, nil)
	ctx := context.Background()

	id, err := h.SendMessage(ctx, "nobody", "text")
	if err != nil || id == "" {
		t.Fatalf("SendMessage = %q, %v", id, err)
	}
	if err := h.EditMessage(ctx, "nobody", id, "more"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	h.Complete(ctx, &channel.Message{ChannelID: "other", ChatID: "nobody"})
	if err := h.ReactMessage(ctx, "nobody", id, "👍"); err != channel.ErrUnsupportedOperation {
		t.Fatalf("ReactMessage err = %v", err)
	}
}
