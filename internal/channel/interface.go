package channel

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
)

// Channel is a runtime adapter between relay and a chat platform.
// Implementations receive inbound events and deliver outbound text for a
// single configured provider account.
type Channel interface {
	// ID returns the unique configured channel identifier.
	ID() string

	// Type returns the provider type.
	Type() Type

	// Start begins the receive loop and blocks until ctx is canceled or a
	// fatal error occurs.
	Start(ctx context.Context) error

	// Stop shuts down channel resources.
	Stop(ctx context.Context) error

	// SendMessage posts plain text to chatID and returns the created
	// message id.
	SendMessage(ctx context.Context, chatID string, content string) (string, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, chatID string, messageID string, content string) error

	// SendChatAction sends a transient activity state such as "typing".
	// Implementations that do not support this return ErrUnsupportedOperation.
	SendChatAction(ctx context.Context, chatID string, action ChatAction) error

	// ReactMessage adds a reaction to a message.
	// Implementations that do not support this return ErrUnsupportedOperation.
	ReactMessage(ctx context.Context, chatID string, messageID string, reaction string) error

	// MaxMessageLength is the longest text a single message may carry.
	MaxMessageLength() int

	RegisterMessageHandler(handler MessageHandler) error
	RegisterReactionHandler(handler ReactionHandler) error
}

type (
	MessageHandler  func(ctx context.Context, msg *Message) error
	ReactionHandler func(ctx context.Context, reaction *Reaction) error
)

// Route is an HTTP endpoint a channel serves on the gateway's server.
type Route struct {
	Method  string
	Path    string
	Handler app.HandlerFunc
}

// RouteProvider is implemented by channels that receive messages over the
// gateway's HTTP server instead of polling a provider.
type RouteProvider interface {
	Routes() []Route
}

// Completer is implemented by channels that hold a caller open until the
// reply to its message is finished. The gateway calls Complete once per
// inbound message, after the last reply text for it was sent.
type Completer interface {
	Complete(ctx context.Context, msg *Message)
}
