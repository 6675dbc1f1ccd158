package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tgifai/relay/internal/agentx"
)

// Process is the part of an assistant process the registry and its callers
// depend on. *agentx.Session implements it.
type Process interface {
	SetHandler(h agentx.Handler)
	SendMessage(text string) bool
	Interrupt() error
	Terminate(grace time.Duration)
	Kill()
	SessionID() string
	Stats() agentx.Stats
	Exited() bool
	Done() <-chan struct{}
}

var _ Process = (*agentx.Session)(nil)

// Spawner starts a process; the registry uses agentx.Start unless overridden.
type Spawner func(ctx context.Context, opts agentx.Options) (Process, error)

func DefaultSpawner(ctx context.Context, opts agentx.Options) (Process, error) {
	return agentx.Start(ctx, opts)
}

// Session is one live conversation binding owned by the Registry.
type Session struct {
	ConversationID string
	ChannelID      string
	ChatID         string
	WorkingDir     string
	PermissionMode string
	Resumed        bool
	StartedAt      time.Time

	proc Process

	mu    sync.Mutex
	saved agentx.Stats
}

func (s *Session) Process() Process { return s.proc }

// ExternalID is the assistant-side session id, empty until the process reports it.
func (s *Session) ExternalID() string { return s.proc.SessionID() }

// unsaved returns usage accrued since the last call and marks it saved.
func (s *Session) unsaved() agentx.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.proc.Stats()
	delta := agentx.Stats{
		InputTokens:         cur.InputTokens - s.saved.InputTokens,
		OutputTokens:        cur.OutputTokens - s.saved.OutputTokens,
		CacheReadTokens:     cur.CacheReadTokens - s.saved.CacheReadTokens,
		CacheCreationTokens: cur.CacheCreationTokens - s.saved.CacheCreationTokens,
		CostUSD:             cur.CostUSD - s.saved.CostUSD,
	}
	s.saved = cur
	return delta
}

// ConversationID joins a channel id and a chat id into a conversation key.
func ConversationID(channelID, chatID string) string {
	return channelID + ":" + chatID
}

// SplitConversationID is the inverse of ConversationID. Chat ids may contain ':'.
func SplitConversationID(id string) (channelID, chatID string) {
	channelID, chatID, _ = strings.Cut(id, ":")
	return channelID, chatID
}
