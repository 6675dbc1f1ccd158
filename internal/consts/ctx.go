package consts

// CtxKey is the type used for context value keys across relay.
type CtxKey string

const (
	CtxKeyLogID          CtxKey = "log_id"
	CtxKeyConversationID CtxKey = "conversation_id"
	CtxKeyChannelID      CtxKey = "channel_id"
	CtxKeyChatID         CtxKey = "chat_id"
	CtxKeyHeartbeat      CtxKey = "heartbeat"
)
