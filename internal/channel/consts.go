package channel

import (
	"errors"
)

var (
	ErrUnsupportedOperation = errors.New("channel operation is not supported")
	ErrChannelNotFound      = errors.New("channel not found")
)

type Type string

const (
	Telegram Type = "telegram"
	Discord  Type = "discord"
	HTTP     Type = "http"
)

var SupportedChannels = []Type{
	Telegram,
	Discord,
	HTTP,
}

func IsSupported(t Type) bool {
	for _, s := range SupportedChannels {
		if s == t {
			return true
		}
	}
	return false
}

// Message is an inbound chat message normalized across providers.
type Message struct {
	ID          string
	ChannelID   string
	ChannelType Type
	UserID      string
	ChatID      string
	Content     string
	Metadata    map[string]string
}

// Reaction is an emoji a user added to a message.
type Reaction struct {
	ChannelID string
	ChatID    string
	MessageID string
	UserID    string
	Emoji     string
}

type ChatAction string

const (
	ChatActionTyping ChatAction = "typing"
)
