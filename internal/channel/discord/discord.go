package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/pkg/logs"
)

var _ channel.Channel = (*Discord)(nil)

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
}

type Discord struct {
	id      string
	config  Config
	session session

	mu              sync.RWMutex
	botUserID       string
	handler         channel.MessageHandler
	reactionHandler channel.ReactionHandler
}

func NewChannel(chanID string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse discord config: %w", err)
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	return newDiscord(chanID, *cfg, dg), nil
}

func newDiscord(id string, cfg Config, s session) *Discord {
	d := &Discord{id: id, config: cfg, session: s}
	s.AddHandler(d.handleReady)
	s.AddHandler(d.handleMessageCreate)
	s.AddHandler(d.handleReactionAdd)
	return d
}

func (d *Discord) ID() string {
	return d.id
}

func (d *Discord) Type() channel.Type {
	return channel.Discord
}

func (d *Discord) MaxMessageLength() int {
	return d.config.MaxLength
}

// Start opens the gateway websocket and blocks until ctx is canceled.
func (d *Discord) Start(ctx context.Context) error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	logs.CtxInfo(ctx, "[channel:discord] %s connected", d.id)
	<-ctx.Done()
	return nil
}

func (d *Discord) Stop(_ context.Context) error {
	return d.session.Close()
}

func (d *Discord) SendMessage(_ context.Context, chatID string, content string) (string, error) {
	msg, err := d.session.ChannelMessageSend(chatID, content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return msg.ID, nil
}

func (d *Discord) EditMessage(_ context.Context, chatID string, messageID string, content string) error {
	if _, err := d.session.ChannelMessageEdit(chatID, messageID, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (d *Discord) SendChatAction(_ context.Context, chatID string, action channel.ChatAction) error {
	if action != "" && action != channel.ChatActionTyping {
		return channel.ErrUnsupportedOperation
	}
	return d.session.ChannelTyping(chatID)
}

func (d *Discord) ReactMessage(_ context.Context, chatID string, messageID string, reaction string) error {
	if reaction == "" {
		return channel.ErrUnsupportedOperation
	}
	return d.session.MessageReactionAdd(chatID, messageID, reaction)
}

func (d *Discord) RegisterMessageHandler(handler channel.MessageHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
	return nil
}

func (d *Discord) RegisterReactionHandler(handler channel.ReactionHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reactionHandler = handler
	return nil
}

func (d *Discord) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	d.mu.Lock()
	d.botUserID = r.User.ID
	d.mu.Unlock()
	logs.Info("[channel:discord] bot identity: %s (id=%s)", r.User.Username, r.User.ID)
}

func (d *Discord) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if !d.config.allows(m.Author.ID, m.ChannelID) {
		return
	}

	d.mu.RLock()
	handler, botID := d.handler, d.botUserID
	d.mu.RUnlock()
	if handler == nil {
		return
	}

	content := m.Content
	if botID != "" {
		mention := "<@" + botID + ">"
		nick := "<@!" + botID + ">"
		if m.GuildID != "" && d.config.RequireMention &&
			!strings.Contains(content, mention) && !strings.Contains(content, nick) {
			return
		}
		content = strings.ReplaceAll(content, mention, "")
		content = strings.ReplaceAll(content, nick, "")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	ctx := logs.WithNewLogID(context.Background())
	err := handler(ctx, &channel.Message{
		ID:          m.ID,
		ChannelID:   d.id,
		ChannelType: channel.Discord,
		UserID:      m.Author.ID,
		ChatID:      m.ChannelID,
		Content:     content,
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
		},
	})
	if err != nil {
		logs.CtxError(ctx, "[channel:discord] error handling message: %v", err)
	}
}

func (d *Discord) handleReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.MessageReaction == nil {
		return
	}
	d.mu.RLock()
	handler, botID := d.reactionHandler, d.botUserID
	d.mu.RUnlock()
	if handler == nil || r.UserID == botID {
		return
	}

	ctx := context.Background()
	err := handler(ctx, &channel.Reaction{
		ChannelID: d.id,
		ChatID:    r.ChannelID,
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Emoji:     r.Emoji.Name,
	})
	if err != nil {
		logs.CtxWarn(ctx, "[channel:discord] reaction handler: %v", err)
	}
}
