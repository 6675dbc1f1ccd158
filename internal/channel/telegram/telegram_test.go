package telegram

import (
	"context"
	"testing"

	"github.com/go-telegram/bot/models"

	"github.com/tgifai/relay/internal/channel"
)

func newTestChannel(cfg Config) *Telegram {
	_ = cfg.Validate()
	return &Telegram{id: "tg", config: cfg, botUsername: "relaybot", botUserID: 99}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(map[string]any{
		"token":         "abc",
		"allowed_users": []any{1, "2"},
	})
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MaxLength != maxTextLength {
		t.Fatalf("MaxLength = %d, want %d", cfg.MaxLength, maxTextLength)
	}
	if len(cfg.AllowedUsers) != 2 || cfg.AllowedUsers[1] != 2 {
		t.Fatalf("AllowedUsers = %v", cfg.AllowedUsers)
	}

	if _, err := ParseConfig(map[string]any{}); err == nil {
		t.Fatal("missing token should fail")
	}
	if _, err := ParseConfig(map[string]any{"token": "x", "allowed_users": []any{"nope"}}); err == nil {
		t.Fatal("non-numeric user id should fail")
	}
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		msg     *models.Message
		want    string
		dropped bool
	}{
		{
			name: "private text",
			cfg:  Config{Token: "x"},
			msg: &models.Message{
				ID: 5, Text: "hello",
				From: &models.User{ID: 1},
				Chat: models.Chat{ID: 10, Type: models.ChatTypePrivate},
			},
			want: "hello",
		},
		{
			name: "user not allowed",
			cfg:  Config{Token: "x", AllowedUsers: []int64{2}},
			msg: &models.Message{
				ID: 5, Text: "hello",
				From: &models.User{ID: 1},
				Chat: models.Chat{ID: 10, Type: models.ChatTypePrivate},
			},
			dropped: true,
		},
		{
			name: "group without mention",
			cfg:  Config{Token: "x"},
			msg: &models.Message{
				ID: 5, Text: "hello all",
				From: &models.User{ID: 1},
				Chat: models.Chat{ID: -10, Type: models.ChatTypeGroup},
			},
			dropped: true,
		},
		{
			name: "group with mention",
			cfg:  Config{Token: "x"},
			msg: &models.Message{
				ID: 5, Text: "@RelayBot run tests",
				From:     &models.User{ID: 1},
				Chat:     models.Chat{ID: -10, Type: models.ChatTypeGroup},
				Entities: []models.MessageEntity{{Type: models.MessageEntityTypeMention, Offset: 0, Length: 9}},
			},
			want: "run tests",
		},
		{
			name: "bots ignored",
			cfg:  Config{Token: "x"},
			msg: &models.Message{
				ID: 5, Text: "hi",
				From: &models.User{ID: 3, IsBot: true},
				Chat: models.Chat{ID: 10, Type: models.ChatTypePrivate},
			},
			dropped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestChannel(tt.cfg)
			var got *channel.Message
			_ = c.RegisterMessageHandler(func(_ context.Context, m *channel.Message) error {
				got = m
				return nil
			})
			c.handleUpdate(context.Background(), nil, &models.Update{Message: tt.msg})

			if tt.dropped {
				if got != nil {
					t.Fatalf("message delivered: %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("message not delivered")
			}
			if got.Content != tt.want {
				t.Fatalf("Content = %q, want %q", got.Content, tt.want)
			}
			if got.ChannelID != "tg" || got.ID != "5" {
				t.Fatalf("ids = %s/%s", got.ChannelID, got.ID)
			}
		})
	}
}

func TestHandleReactionReportsOnlyAdded(t *testing.T) {
	c := newTestChannel(Config{Token: "x"})
	var got []*channel.Reaction
	_ = c.RegisterReactionHandler(func(_ context.Context, r *channel.Reaction) error {
		got = append(got, r)
		return nil
	})

	emoji := func(e string) models.ReactionType {
		return models.ReactionType{
			Type:              models.ReactionTypeTypeEmoji,
			ReactionTypeEmoji: &models.ReactionTypeEmoji{Type: models.ReactionTypeTypeEmoji, Emoji: e},
		}
	}
	c.handleUpdate(context.Background(), nil, &models.Update{
		MessageReaction: &models.MessageReactionUpdated{
			Chat:        models.Chat{ID: 10},
			MessageID:   42,
			User:        &models.User{ID: 1},
			OldReaction: []models.ReactionType{emoji("👍")},
			NewReaction: []models.ReactionType{emoji("👍"), emoji("2️⃣")},
		},
	})

	if len(got) != 1 {
		t.Fatalf("reactions = %d, want 1", len(got))
	}
	if got[0].Emoji != "2️⃣" || got[0].MessageID != "42" || got[0].ChatID != "10" {
		t.Fatalf("reaction = %+v", got[0])
	}

	// The bot's own reactions are ignored.
	got = nil
	c.handleUpdate(context.Background(), nil, &models.Update{
		MessageReaction: &models.MessageReactionUpdated{
			Chat: models.Chat{ID: 10}, MessageID: 42, User: &models.User{ID: 99},
			NewReaction: []models.ReactionType{emoji("1️⃣")},
		},
	})
	if len(got) != 0 {
		t.Fatalf("bot reaction delivered: %+v", got)
	}
}
