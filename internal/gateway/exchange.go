package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/consts"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/pkg/prometheus"
	"github.com/tgifai/relay/internal/session"
	"github.com/tgifai/relay/internal/stream"
)

var errWriteFailed = errors.New("assistant process did not accept the message")

// dispatch is the queue's DispatchFunc: it must not block.
func (gw *Gateway) dispatch(id string, entry QueueEntry) {
	gw.mu.Lock()
	if gw.stopping {
		gw.mu.Unlock()
		gw.complete(gw.runCtx, entry.Message)
		return
	}
	gw.exchanges.Add(1)
	gw.mu.Unlock()

	go func() {
		defer gw.exchanges.Done()
		defer gw.queue.Release(id)
		defer gw.complete(gw.runCtx, entry.Message)
		gw.runExchange(id, entry)
	}()
}

// runExchange delivers one user turn and streams the reply back. It returns
// once the turn completed, the process exited, or the gateway stopped.
func (gw *Gateway) runExchange(id string, entry QueueEntry) {
	msg := entry.Message
	ctx := context.WithValue(logs.WithNewLogID(gw.runCtx), consts.CtxKeyConversationID, id)
	if wait := time.Since(entry.EnqueuedAt); wait > time.Second {
		logs.CtxDebug(ctx, "[gateway] %s dispatched after %s in queue", id, wait.Round(time.Millisecond))
	}

	ch, err := gw.channels.Get(msg.ChannelID)
	if err != nil {
		logs.CtxError(ctx, "[gateway] %s: %v", id, err)
		prometheus.ExchangesTotal.WithLabelValues(prometheus.OutcomeFailed).Inc()
		return
	}

	stopTyping := gw.keepTyping(ctx, ch, msg.ChatID)
	defer stopTyping()

	// The closing edit after a shutdown still needs to reach the chat.
	postCtx := context.WithoutCancel(ctx)
	resp := stream.New(postCtx, stream.Options{
		Messenger:  ch,
		ChatID:     msg.ChatID,
		MaxLength:  ch.MaxMessageLength(),
		StopTyping: stopTyping,
		OnQuestion: func(ev agentx.ToolUseEvent) {
			gw.answerQuestion(ctx, ch, msg, ev)
		},
	})

	proc, err := gw.deliver(ctx, id, entry.Text, resp)
	if err != nil {
		logs.CtxError(ctx, "[gateway] %s: %v", id, err)
		stopTyping()
		gw.reply(ctx, msg.ChannelID, msg.ChatID, "Could not reach the assistant: "+err.Error())
		prometheus.ExchangesTotal.WithLabelValues(prometheus.OutcomeFailed).Inc()
		return
	}
	defer proc.SetHandler(nil)

	select {
	case <-resp.Done():
	case <-proc.Done():
		resp.Abort("session ended")
	case <-ctx.Done():
		resp.Abort("relay shutting down")
	}

	outcome := exchangeOutcome(resp)
	prometheus.ExchangesTotal.WithLabelValues(outcome).Inc()
	logs.CtxInfo(ctx, "[gateway] %s exchange finished: %s", id, outcome)

	if err := gw.registry.SaveStats(postCtx, id); errors.Is(err, session.ErrNotFound) {
		logs.CtxDebug(ctx, "[gateway] %s: session gone before stats were saved", id)
	}
}

// deliver writes text to the conversation's process with resp attached. A
// write refused by a process that died since it was resumed is retried once
// on a new process.
func (gw *Gateway) deliver(ctx context.Context, id, text string, resp *stream.Response) (session.Process, error) {
	sess, err := gw.registry.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	proc := sess.Process()
	proc.SetHandler(resp)
	if proc.SendMessage(text) {
		return proc, nil
	}
	proc.SetHandler(nil)

	logs.CtxWarn(ctx, "[gateway] %s: write failed, retrying on a new process", id)
	if err := gw.registry.Stop(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	sess, err = gw.registry.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	proc = sess.Process()
	proc.SetHandler(resp)
	if !proc.SendMessage(text) {
		proc.SetHandler(nil)
		return nil, errWriteFailed
	}
	return proc, nil
}

func exchangeOutcome(resp *stream.Response) string {
	if res, ok := resp.Result(); ok {
		if res.IsError {
			return prometheus.OutcomeFailed
		}
		return prometheus.OutcomeOK
	}
	return prometheus.OutcomeAborted
}

// followUp queues text as a new turn in msg's conversation, as if the user
// had sent it.
func (gw *Gateway) followUp(ctx context.Context, msg *channel.Message, text string) {
	id := session.ConversationID(msg.ChannelID, msg.ChatID)
	next := *msg
	next.ID = ""
	next.Content = text
	if _, err := gw.queue.EnqueueOrDispatch(id, QueueEntry{
		Text:       text,
		EnqueuedAt: time.Now(),
		Message:    &next,
	}); err != nil {
		logs.CtxWarn(ctx, "[gateway] %s: queue follow-up turn: %v", id, err)
	}
}
