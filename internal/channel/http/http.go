package http

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/pkg/logs"
)

var (
	_ channel.Channel       = (*HTTP)(nil)
	_ channel.RouteProvider = (*HTTP)(nil)
	_ channel.Completer     = (*HTTP)(nil)
)

// inboundRequest is the JSON body expected on the message endpoint.
type inboundRequest struct {
	UserID   string            `json:"user_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// outboundResponse is the JSON body returned to the caller.
type outboundResponse struct {
	ID      string `json:"id"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// pendingReply collects the messages the gateway sends to one chat while a
// request for it is waiting. Edits replace the text of a collected message.
type pendingReply struct {
	requestID string
	ids       []string
	texts     map[string]string
	finished  bool
	done      chan struct{}
}

func (p *pendingReply) content() string {
	parts := make([]string, 0, len(p.ids))
	for _, id := range p.ids {
		if t := p.texts[id]; t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

type HTTP struct {
	id          string
	config      Config
	messagePath string
	seq         atomic.Int64

	mu      sync.RWMutex
	handler channel.MessageHandler

	// pending maps a chat id to the request waiting on it. A chat has at
	// most one waiting request.
	pendingMu sync.Mutex
	pending   map[string]*pendingReply
}

func NewChannel(chanID string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse http config: %w", err)
	}

	return &HTTP{
		id:          chanID,
		config:      *cfg,
		pending:     make(map[string]*pendingReply),
		messagePath: fmt.Sprintf("/api/v1/http/%s/message", chanID),
	}, nil
}

// Routes implements channel.RouteProvider.
func (h *HTTP) Routes() []channel.Route {
	return []channel.Route{
		{Method: consts.MethodPost, Path: h.messagePath, Handler: h.handleMessage},
	}
}

func (h *HTTP) ID() string            { return h.id }
func (h *HTTP) Type() channel.Type    { return channel.HTTP }
func (h *HTTP) MaxMessageLength() int { return defaultMaxLength }

// Start blocks until ctx is canceled. Requests arrive through Routes.
func (h *HTTP) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (h *HTTP) Stop(_ context.Context) error {
	return nil
}

// SendMessage appends content to the reply of the request waiting on chatID.
// Without a waiting request the text is dropped, but an id is still returned
// so later edits are accepted.
func (h *HTTP) SendMessage(ctx context.Context, chatID string, content string) (string, error) {
	id := strconv.FormatInt(h.seq.Add(1), 10)

	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	pr, ok := h.pending[chatID]
	if !ok || pr.finished {
		logs.CtxDebug(ctx, "[channel:http] no request waiting on %s, dropping message", chatID)
		return id, nil
	}
	pr.ids = append(pr.ids, id)
	pr.texts[id] = content
	return id, nil
}

func (h *HTTP) EditMessage(_ context.Context, chatID string, messageID string, content string) error {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	pr, ok := h.pending[chatID]
	if !ok || pr.finished {
		return nil
	}
	if _, known := pr.texts[messageID]; known {
		pr.texts[messageID] = content
	}
	return nil
}

// Complete implements channel.Completer: the request that sent msg gets its
// response.
func (h *HTTP) Complete(_ context.Context, msg *channel.Message) {
	if msg == nil || msg.ChannelID != h.id {
		return
	}
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	pr, ok := h.pending[msg.ChatID]
	if !ok || pr.finished || pr.requestID != msg.ID {
		return
	}
	pr.finished = true
	close(pr.done)
}

func (h *HTTP) SendChatAction(_ context.Context, _ string, _ channel.ChatAction) error {
	return channel.ErrUnsupportedOperation
}

func (h *HTTP) ReactMessage(_ context.Context, _ string, _ string, _ string) error {
	return channel.ErrUnsupportedOperation
}

func (h *HTTP) RegisterMessageHandler(handler channel.MessageHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	h.handler = handler
	return nil
}

// RegisterReactionHandler accepts the handler but never calls it: callers
// cannot react to messages over HTTP.
func (h *HTTP) RegisterReactionHandler(_ channel.ReactionHandler) error {
	return nil
}

// handleMessage is the Hertz handler for incoming HTTP messages. It holds the
// request open until the gateway completes the reply or the timeout passes.
func (h *HTTP) handleMessage(ctx context.Context, c *app.RequestContext) {
	if h.config.APIKey != "" {
		auth := string(c.GetHeader("Authorization"))
		if auth != "Bearer "+h.config.APIKey {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	var req inboundRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "content required"})
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = req.UserID
	}
	if chatID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "chat_id or user_id required"})
		return
	}

	requestID := uuid.New().String()
	pr := &pendingReply{
		requestID: requestID,
		texts:     make(map[string]string),
		done:      make(chan struct{}),
	}
	h.pendingMu.Lock()
	if _, busy := h.pending[chatID]; busy {
		h.pendingMu.Unlock()
		c.JSON(consts.StatusConflict, map[string]string{"error": "a request for this chat is in progress"})
		return
	}
	h.pending[chatID] = pr
	h.pendingMu.Unlock()

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, chatID)
		h.pendingMu.Unlock()
	}()

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "no handler registered"})
		return
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	msg := &channel.Message{
		ID:          requestID,
		ChannelID:   h.id,
		ChannelType: channel.HTTP,
		UserID:      req.UserID,
		ChatID:      chatID,
		Content:     req.Content,
		Metadata:    metadata,
	}
	if err := handler(ctx, msg); err != nil {
		logs.CtxError(ctx, "[channel:http] error handling message: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to process message"})
		return
	}

	timer := time.NewTimer(h.config.ReplyTimeout)
	defer timer.Stop()

	resp := outboundResponse{ID: requestID, ChatID: chatID}
	status := consts.StatusOK
	select {
	case <-pr.done:
	case <-timer.C:
		status = consts.StatusGatewayTimeout
		resp.Error = "response timeout"
	case <-ctx.Done():
		status = consts.StatusServiceUnavailable
		resp.Error = "server shutting down"
	}

	h.pendingMu.Lock()
	resp.Content = pr.content()
	h.pendingMu.Unlock()

	body, _ := sonic.Marshal(resp)
	c.SetStatusCode(status)
	c.SetContentType("application/json")
	c.Response.SetBody(body)
}
