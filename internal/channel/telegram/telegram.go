package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/pkg/logs"
)

var _ channel.Channel = (*Telegram)(nil)

type Telegram struct {
	id          string
	config      Config
	bot         *bot.Bot
	botUsername string // lowercase, for mention matching
	botUserID   int64

	mu              sync.RWMutex
	handler         channel.MessageHandler
	reactionHandler channel.ReactionHandler
}

func NewChannel(chanID string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse telegram config: %w", err)
	}

	tg := &Telegram{
		id:     chanID,
		config: *cfg,
	}

	tgBot, err := bot.New(cfg.Token,
		bot.WithDefaultHandler(tg.handleUpdate),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"message", "message_reaction"}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	tg.bot = tgBot

	me, err := tgBot.GetMe(context.Background())
	if err != nil {
		logs.Warn("[channel:telegram] GetMe failed, group mention filtering disabled: %v", err)
	} else {
		tg.botUsername = strings.ToLower(me.Username)
		tg.botUserID = me.ID
		logs.Info("[channel:telegram] bot identity: @%s (id=%d)", me.Username, me.ID)
	}

	return tg, nil
}

func (c *Telegram) ID() string {
	return c.id
}

func (c *Telegram) Type() channel.Type {
	return channel.Telegram
}

func (c *Telegram) MaxMessageLength() int {
	return c.config.MaxLength
}

// Start long-polls for updates until ctx is canceled.
func (c *Telegram) Start(ctx context.Context) error {
	c.bot.Start(ctx)
	return nil
}

// Stop is a no-op: polling ends with the context passed to Start. The Bot
// API close method is for moving between local servers and rate limits the
// bot for ten minutes after launch.
func (c *Telegram) Stop(context.Context) error {
	return nil
}

func (c *Telegram) SendMessage(ctx context.Context, chatID string, content string) (string, error) {
	chat, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	sent, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chat,
		Text:   content,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return strconv.Itoa(sent.ID), nil
}

func (c *Telegram) EditMessage(ctx context.Context, chatID string, messageID string, content string) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}
	_, err = c.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chat,
		MessageID: msgID,
		Text:      content,
	})
	if err != nil && isNotModified(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (c *Telegram) SendChatAction(ctx context.Context, chatID string, action channel.ChatAction) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if action != "" && action != channel.ChatActionTyping {
		return channel.ErrUnsupportedOperation
	}

	ok, err := c.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chat,
		Action: models.ChatActionTyping,
	})
	if err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	if !ok {
		return errors.New("telegram send chat action failed")
	}
	return nil
}

func (c *Telegram) ReactMessage(ctx context.Context, chatID string, messageID string, reaction string) error {
	chat, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message ID: %w", err)
	}

	params := &bot.SetMessageReactionParams{
		ChatID:    chat,
		MessageID: msgID,
		Reaction:  []models.ReactionType{},
	}
	if reaction != "" {
		params.Reaction = []models.ReactionType{{
			Type:              models.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &models.ReactionTypeEmoji{Emoji: reaction},
		}}
	}

	ok, err := c.bot.SetMessageReaction(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to set message reaction: %w", err)
	}
	if !ok {
		return errors.New("telegram set message reaction failed")
	}
	return nil
}

func (c *Telegram) RegisterMessageHandler(handler channel.MessageHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *Telegram) RegisterReactionHandler(handler channel.ReactionHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactionHandler = handler
	return nil
}

func (c *Telegram) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.MessageReaction != nil:
		c.handleReaction(ctx, update.MessageReaction)
	}
}

func (c *Telegram) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	group := isGroupChat(msg.Chat.Type)
	if !c.config.allows(msg.From.ID, msg.Chat.ID, group) {
		logs.CtxDebug(ctx, "[channel:telegram] drop message from user %d in chat %d", msg.From.ID, msg.Chat.ID)
		return
	}

	content := msg.Text
	if group && c.botUsername != "" {
		if !c.isBotMentioned(content, msg.Entities) {
			return
		}
		content = c.stripBotMention(content)
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	out := &channel.Message{
		ID:          strconv.Itoa(msg.ID),
		ChannelID:   c.id,
		ChannelType: channel.Telegram,
		UserID:      strconv.FormatInt(msg.From.ID, 10),
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		Content:     content,
		Metadata: map[string]string{
			"chat_type": string(msg.Chat.Type),
			"username":  msg.From.Username,
		},
	}
	if err := handler(ctx, out); err != nil {
		logs.CtxError(ctx, "[channel:telegram] error handling message: %v", err)
	}
}

func (c *Telegram) handleReaction(ctx context.Context, r *models.MessageReactionUpdated) {
	if r.User == nil || r.User.ID == c.botUserID {
		return
	}
	c.mu.RLock()
	handler := c.reactionHandler
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	// Only newly added emoji count; Telegram reports the full new set.
	for _, rt := range addedReactions(r.OldReaction, r.NewReaction) {
		err := handler(ctx, &channel.Reaction{
			ChannelID: c.id,
			ChatID:    strconv.FormatInt(r.Chat.ID, 10),
			MessageID: strconv.Itoa(r.MessageID),
			UserID:    strconv.FormatInt(r.User.ID, 10),
			Emoji:     rt,
		})
		if err != nil {
			logs.CtxWarn(ctx, "[channel:telegram] reaction handler: %v", err)
		}
	}
}

func addedReactions(old, cur []models.ReactionType) []string {
	seen := make(map[string]bool, len(old))
	for _, r := range old {
		if r.ReactionTypeEmoji != nil {
			seen[r.ReactionTypeEmoji.Emoji] = true
		}
	}
	var out []string
	for _, r := range cur {
		if r.ReactionTypeEmoji == nil || seen[r.ReactionTypeEmoji.Emoji] {
			continue
		}
		out = append(out, r.ReactionTypeEmoji.Emoji)
	}
	return out
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID: %w", err)
	}
	return id, nil
}

// isNotModified matches Telegram's rejection of an edit with identical text.
func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func isGroupChat(chatType models.ChatType) bool {
	return chatType == models.ChatTypeGroup || chatType == models.ChatTypeSupergroup
}

func (c *Telegram) isBotMentioned(text string, entities []models.MessageEntity) bool {
	runes := []rune(text)
	for _, e := range entities {
		switch e.Type {
		case models.MessageEntityTypeMention:
			if e.Offset >= 0 && e.Offset+e.Length <= len(runes) {
				if strings.EqualFold(string(runes[e.Offset:e.Offset+e.Length]), "@"+c.botUsername) {
					return true
				}
			}
		case models.MessageEntityTypeTextMention:
			if e.User != nil && e.User.ID == c.botUserID {
				return true
			}
		}
	}
	return false
}

func (c *Telegram) stripBotMention(content string) string {
	mention := "@" + c.botUsername
	for {
		idx := strings.Index(strings.ToLower(content), mention)
		if idx < 0 {
			break
		}
		content = content[:idx] + content[idx+len(mention):]
	}
	return strings.TrimSpace(content)
}
