package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	hzConfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	hzConsts "github.com/cloudwego/hertz/pkg/protocol/consts"
	monitor "github.com/hertz-contrib/monitor-prometheus"

	"github.com/tgifai/relay/internal/approval"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/channel/discord"
	httpChannel "github.com/tgifai/relay/internal/channel/http"
	"github.com/tgifai/relay/internal/channel/telegram"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/heartbeat"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/pkg/prometheus"
	relayUtils "github.com/tgifai/relay/internal/pkg/utils"
	"github.com/tgifai/relay/internal/session"
)

const (
	typingInterval = 3 * time.Second
	queuedReaction = "👀"
)

type Options struct {
	Config   *config.Config
	Registry *session.Registry
	// Scheduler is nil when heartbeats are disabled.
	Scheduler *heartbeat.Scheduler
	Approvals *approval.Waiter
	// Channels defaults to the process-wide channel registry.
	Channels *channel.Registry
}

type Gateway struct {
	cfg       *config.Config
	registry  *session.Registry
	scheduler *heartbeat.Scheduler
	approvals *approval.Waiter
	channels  *channel.Registry
	queue     *MessageQueue
	commands  *CommandRouter
	// questions maps a conversation id to its unanswered question message id.
	questions sync.Map

	httpServer *hzServer.Hertz

	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.Mutex
	stopping  bool
	exchanges sync.WaitGroup
	stopOnce  sync.Once
}

func NewGateway(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("session registry cannot be nil")
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.NewWaiter()
	}
	if opts.Channels == nil {
		opts.Channels = channel.Default()
	}

	gw := &Gateway{
		cfg:       opts.Config,
		registry:  opts.Registry,
		scheduler: opts.Scheduler,
		approvals: opts.Approvals,
		channels:  opts.Channels,
		commands:  newCommandRouter(),
	}
	gw.runCtx, gw.runCancel = context.WithCancel(context.Background())
	gw.queue = NewMessageQueue(opts.Config.Gateway.MaxPending, gw.dispatch)
	registerBuiltinCommands(gw.commands)
	return gw, nil
}

// Start brings up the HTTP surface and every enabled channel. It returns once
// the channels have been launched.
func (gw *Gateway) Start(ctx context.Context) error {
	gw.runCtx, gw.runCancel = context.WithCancel(ctx)

	hlog.SetLogger(logs.NewHlogLogger(logs.DefaultLogger()))
	gw.initHTTPServer(gw.cfg.Gateway)

	if err := gw.initChannels(gw.runCtx, gw.cfg.Channels); err != nil {
		gw.runCancel()
		return fmt.Errorf("init channels: %w", err)
	}

	go gw.httpServer.Spin()
	logs.CtxInfo(ctx, "[gateway] listening on %s, %d channel(s) started", gw.cfg.Gateway.Bind, gw.channels.Len())
	return nil
}

// Stop cancels in-flight exchanges and waits for them, then stops channels
// and kills every live assistant process. Persisted sessions remain resumable.
func (gw *Gateway) Stop(ctx context.Context) error {
	gw.stopOnce.Do(func() {
		gw.mu.Lock()
		gw.stopping = true
		gw.mu.Unlock()
		gw.runCancel()

		// Aborted exchanges post their closing edit before channels go away.
		drained := make(chan struct{})
		go func() {
			gw.exchanges.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			logs.CtxWarn(ctx, "[gateway] gave up waiting for in-flight exchanges: %v", ctx.Err())
		}

		for _, ch := range gw.channels.List() {
			if err := ch.Stop(ctx); err != nil {
				logs.CtxWarn(ctx, "[gateway] stop channel %s error: %v", ch.ID(), err)
			}
		}

		gw.registry.Shutdown(ctx)

		if gw.httpServer != nil {
			if err := gw.httpServer.Shutdown(ctx); err != nil {
				logs.CtxWarn(ctx, "[gateway] shutdown http server error: %v", err)
			}
		}
		logs.CtxInfo(ctx, "[gateway] all resources stopped")
	})
	return nil
}

func (gw *Gateway) initChannels(ctx context.Context, channels map[string]config.ChannelConfig) error {
	for id, cfg := range channels {
		cfg.ID = id
		if !cfg.Enabled {
			logs.CtxInfo(ctx, "[gateway] channel #%s is disabled, skipping", id)
			continue
		}

		ch, err := NewChannel(id, cfg)
		if err != nil {
			logs.CtxError(ctx, "[gateway] create channel #%s error: %v", id, err)
			return fmt.Errorf("create channel %s: %w", id, err)
		}
		if err = gw.attachChannel(ch); err != nil {
			return err
		}
		if rp, ok := ch.(channel.RouteProvider); ok && gw.httpServer != nil {
			for _, r := range rp.Routes() {
				gw.httpServer.Handle(r.Method, r.Path, r.Handler)
				logs.CtxInfo(ctx, "[gateway] channel #%s serves %s %s", id, r.Method, r.Path)
			}
		}

		go func(id string, ch channel.Channel) {
			logs.CtxInfo(ctx, "[gateway] starting channel #%s (%s)", id, ch.Type())
			if err := ch.Start(ctx); err != nil {
				logs.CtxError(ctx, "[gateway] channel #%s stopped with error: %v", id, err)
			}
		}(id, ch)
	}
	return nil
}

// attachChannel wires ch's inbound handlers and registers it.
func (gw *Gateway) attachChannel(ch channel.Channel) error {
	if err := ch.RegisterMessageHandler(gw.handleMessage); err != nil {
		return fmt.Errorf("register message handler for channel %s: %w", ch.ID(), err)
	}
	if err := ch.RegisterReactionHandler(gw.handleReaction); err != nil {
		return fmt.Errorf("register reaction handler for channel %s: %w", ch.ID(), err)
	}
	if err := gw.channels.Register(ch); err != nil {
		return fmt.Errorf("register channel %s: %w", ch.ID(), err)
	}
	return nil
}

// NewChannel builds the adapter for a configured channel without starting it.
func NewChannel(id string, cfg config.ChannelConfig) (channel.Channel, error) {
	switch channel.Type(strings.ToLower(strings.TrimSpace(cfg.Type))) {
	case channel.Telegram:
		return telegram.NewChannel(id, &cfg)
	case channel.Discord:
		return discord.NewChannel(id, &cfg)
	case channel.HTTP:
		return httpChannel.NewChannel(id, &cfg)
	default:
		return nil, fmt.Errorf("unsupported channel type: %s", cfg.Type)
	}
}

func (gw *Gateway) initHTTPServer(cfg config.GatewayConfig) {
	timeout := cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	opts := []hzConfig.Option{
		hzServer.WithHostPorts(cfg.Bind),
		hzServer.WithReadTimeout(timeout),
		hzServer.WithWriteTimeout(timeout),
		hzServer.WithExitWaitTime(5 * time.Second),
	}
	if cfg.MetricsBind != "" {
		opts = append(opts, hzServer.WithTracer(monitor.NewServerTracer(
			cfg.MetricsBind, "/metrics",
			monitor.WithRegistry(prometheus.GetRegistry()),
		)))
	}
	gw.httpServer = hzServer.Default(opts...)

	gw.httpServer.GET("/health", gw.handleHealth)
	gw.httpServer.GET("/status", gw.handleStatus)
	gw.httpServer.GET("/heartbeats", gw.handleHeartbeats)
}

func (gw *Gateway) handleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(hzConsts.StatusOK, utils.H{
		"status":        "ok",
		"channels":      gw.channels.Len(),
		"sessions_live": gw.registry.LiveCount(),
	})
}

func (gw *Gateway) handleStatus(_ context.Context, c *app.RequestContext) {
	c.JSON(hzConsts.StatusOK, utils.H{
		"sessions": gw.registry.List(),
		"queues":   gw.queue.Snapshot(),
	})
}

func (gw *Gateway) handleHeartbeats(_ context.Context, c *app.RequestContext) {
	if gw.scheduler == nil {
		c.JSON(hzConsts.StatusOK, utils.H{"enabled": false, "heartbeats": []heartbeat.State{}})
		return
	}
	c.JSON(hzConsts.StatusOK, utils.H{"enabled": true, "heartbeats": gw.scheduler.Snapshot()})
}

// handleMessage is the inbound entry point for every channel. Commands are
// answered immediately; everything else goes through the per-conversation
// queue.
func (gw *Gateway) handleMessage(ctx context.Context, msg *channel.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	// A queued message is completed when its exchange ends.
	queued := false
	defer func() {
		if !queued {
			gw.complete(ctx, msg)
		}
	}()
	ctx = logs.WithNewLogID(ctx)
	id := session.ConversationID(msg.ChannelID, msg.ChatID)
	logs.CtxDebug(ctx, "[gateway] <- %s (%s) %s", id, msg.UserID, relayUtils.Truncate80(msg.Content))

	if cmd, args, ok := gw.commands.Match(msg.Content); ok {
		reply, err := cmd.Handler(ctx, gw, msg, args)
		if err != nil {
			logs.CtxWarn(ctx, "[gateway] command %s for %s failed: %v", cmd.Name, id, err)
			reply = "Error: " + err.Error()
		}
		if reply != "" {
			gw.reply(ctx, msg.ChannelID, msg.ChatID, reply)
		}
		return nil
	}

	if gw.resolveTypedAnswer(id, msg.Content) {
		return nil
	}

	if gw.registry.IsPaused(id) {
		logs.CtxDebug(ctx, "[gateway] %s is paused, ignoring message", id)
		return nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	dispatched, err := gw.queue.EnqueueOrDispatch(id, QueueEntry{
		Text:       text,
		EnqueuedAt: time.Now(),
		Message:    msg,
	})
	if errors.Is(err, ErrQueueFull) {
		logs.CtxWarn(ctx, "[gateway] %s queue is full, rejecting message", id)
		gw.reply(ctx, msg.ChannelID, msg.ChatID,
			fmt.Sprintf("Still working on earlier messages (%d queued). Try again shortly.", gw.queue.Pending(id)))
		return nil
	}
	if err != nil {
		return err
	}
	queued = true
	if !dispatched && msg.ID != "" {
		if ch, err := gw.channels.Get(msg.ChannelID); err == nil {
			if err := ch.ReactMessage(ctx, msg.ChatID, msg.ID, queuedReaction); err != nil {
				logs.CtxDebug(ctx, "[gateway] ack queued message on %s: %v", id, err)
			}
		}
	}
	return nil
}

func (gw *Gateway) handleReaction(ctx context.Context, r *channel.Reaction) error {
	if r == nil {
		return nil
	}
	if gw.approvals.Resolve(r.MessageID, r.Emoji) {
		logs.CtxDebug(ctx, "[gateway] reaction %s resolved wait on %s:%s", r.Emoji, r.ChannelID, r.MessageID)
	}
	return nil
}

// complete tells a channel that holds its caller open that msg was answered.
func (gw *Gateway) complete(ctx context.Context, msg *channel.Message) {
	if msg == nil {
		return
	}
	ch, err := gw.channels.Get(msg.ChannelID)
	if err != nil {
		return
	}
	if c, ok := ch.(channel.Completer); ok {
		c.Complete(ctx, msg)
	}
}

func (gw *Gateway) reply(ctx context.Context, channelID, chatID, text string) {
	ch, err := gw.channels.Get(channelID)
	if err != nil {
		logs.CtxWarn(ctx, "[gateway] reply to %s:%s: %v", channelID, chatID, err)
		return
	}
	for _, chunk := range relayUtils.SplitChunks(text, ch.MaxMessageLength()) {
		if _, err := ch.SendMessage(ctx, chatID, chunk); err != nil {
			logs.CtxWarn(ctx, "[gateway] reply to %s:%s: %v", channelID, chatID, err)
			return
		}
	}
}

// keepTyping refreshes the typing indicator until stop is called or ctx ends.
func (gw *Gateway) keepTyping(ctx context.Context, ch channel.Channel, chatID string) (stop func()) {
	_ = ch.SendChatAction(ctx, chatID, channel.ChatActionTyping)

	ticker := time.NewTicker(typingInterval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = ch.SendChatAction(ctx, chatID, channel.ChatActionTyping)
			}
		}
	}()

	return sync.OnceFunc(func() { close(done) })
}
