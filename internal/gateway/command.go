package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/gg/gslice"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/heartbeat"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/session"
	"github.com/tgifai/relay/internal/stream"
)

// CommandHandlerFunc processes a matched command and returns a text reply.
// An empty reply means no response should be sent.
type CommandHandlerFunc func(ctx context.Context, gw *Gateway, msg *channel.Message, args string) (string, error)

// Command describes a single channel-agnostic command.
type Command struct {
	Name        string             // e.g. "/stop"
	Description string             // short help text
	Handler     CommandHandlerFunc // execution logic
}

// CommandRouter is a thread-safe registry that matches incoming message text
// against registered command prefixes and dispatches the first match.
type CommandRouter struct {
	commands map[string]*Command // key: lowercase command name
	mu       sync.RWMutex
}

func newCommandRouter() *CommandRouter {
	return &CommandRouter{commands: make(map[string]*Command, 16)}
}

// Register adds a command to the router.
func (r *CommandRouter) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(cmd.Name)] = cmd
}

// Match checks whether content starts with a known command.
// It returns the matched command, the remaining arguments, and whether a match
// was found. Commands are matched case-insensitively and may include a
// trailing @botname suffix (e.g. "/stop@mybot").
func (r *CommandRouter) Match(content string) (*Command, string, bool) {
	content = strings.TrimSpace(content)
	if content == "" || content[0] != '/' {
		return nil, "", false
	}

	fields := strings.SplitN(content, " ", 2)
	raw := strings.ToLower(fields[0])

	// Strip @botname suffix: "/stop@mybot" → "/stop"
	if idx := strings.Index(raw, "@"); idx > 0 {
		raw = raw[:idx]
	}

	r.mu.RLock()
	cmd, ok := r.commands[raw]
	r.mu.RUnlock()

	if !ok {
		return nil, "", false
	}

	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args, true
}

// List returns all registered commands sorted by name.
func (r *CommandRouter) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------------------------------------------------------------------------
// Built-in commands
// ---------------------------------------------------------------------------

func registerBuiltinCommands(r *CommandRouter) {
	for _, cmd := range []*Command{
		{Name: "/help", Description: "Show available commands", Handler: cmdHelp},
		{Name: "/status", Description: "Show session stats and queue depth", Handler: cmdStatus},
		{Name: "/stop", Description: "Stop the assistant and drop queued messages", Handler: cmdStop},
		{Name: "/new", Description: "Start a fresh conversation", Handler: cmdNew},
		{Name: "/interrupt", Description: "Cancel the reply in progress", Handler: cmdInterrupt},
		{Name: "/pause", Description: "Ignore messages in this chat until /resume", Handler: cmdPause},
		{Name: "/resume", Description: "Accept messages in this chat again", Handler: cmdResume},
		{Name: "/cwd", Description: "Show or change the working directory", Handler: cmdCwd},
		{Name: "/heartbeats", Description: "List heartbeat jobs", Handler: cmdHeartbeats},
		{Name: "/heartbeat", Description: "run <name>: trigger a heartbeat now", Handler: cmdHeartbeat},
	} {
		r.Register(cmd)
	}
}

func conversationOf(msg *channel.Message) string {
	return session.ConversationID(msg.ChannelID, msg.ChatID)
}

func cmdHelp(_ context.Context, gw *Gateway, _ *channel.Message, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range gw.commands.List() {
		fmt.Fprintf(&b, "  %s - %s\n", cmd.Name, cmd.Description)
	}
	return b.String(), nil
}

func cmdStatus(ctx context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	id := conversationOf(msg)

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: %s\n", id)
	info, ok := gw.registry.Describe(id)
	if !ok {
		fmt.Fprintf(&b, "Session: none\n")
		fmt.Fprintf(&b, "Directory: %s\n", gw.registry.WorkingDir(id))
	} else {
		state := "stopped"
		if info.Live {
			state = "running"
		}
		if info.Paused {
			state += ", paused"
		}
		fmt.Fprintf(&b, "Session: %s (%s)\n", orDash(info.SessionID), state)
		fmt.Fprintf(&b, "Directory: %s\n", info.WorkingDir)
		fmt.Fprintf(&b, "Messages: %d\n", info.MessageCount)
		fmt.Fprintf(&b, "Tokens: %d in / %d out, $%.4f\n", info.InputTokens, info.OutputTokens, info.CostUSD)
		if info.Live && info.Stats.NumTurns > 0 {
			fmt.Fprintf(&b, "Last turn: %s\n", stream.Footer(info.Stats))
		}
	}
	fmt.Fprintf(&b, "Queue: %d pending", gw.queue.Pending(id))
	if gw.queue.Busy(id) {
		b.WriteString(", reply in progress")
	}

	logs.CtxDebug(ctx, "[gateway] status %s", id)
	return b.String(), nil
}

func cmdStop(ctx context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	id := conversationOf(msg)
	dropped := gw.queue.Stop(id)
	err := gw.registry.Stop(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		if dropped == 0 {
			return "No active session.", nil
		}
		return fmt.Sprintf("Dropped %d queued message(s).", dropped), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Session stopped, %d queued message(s) dropped. The next message resumes it.", dropped), nil
}

func cmdNew(ctx context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	id := conversationOf(msg)
	gw.queue.Stop(id)
	if err := gw.registry.Forget(ctx, id); err != nil {
		return "", err
	}
	return "Started over. The next message opens a new conversation.", nil
}

func cmdInterrupt(ctx context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	err := gw.registry.Interrupt(ctx, conversationOf(msg))
	if errors.Is(err, session.ErrNotFound) {
		return "Nothing to interrupt.", nil
	}
	if err != nil {
		return "", err
	}
	return "Interrupted.", nil
}

func cmdPause(_ context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	if err := gw.registry.SetPaused(conversationOf(msg), true); err != nil {
		return "", err
	}
	return "Paused. Messages here are ignored until /resume.", nil
}

func cmdResume(_ context.Context, gw *Gateway, msg *channel.Message, _ string) (string, error) {
	if err := gw.registry.SetPaused(conversationOf(msg), false); err != nil {
		return "", err
	}
	return "Resumed.", nil
}

func cmdCwd(ctx context.Context, gw *Gateway, msg *channel.Message, args string) (string, error) {
	id := conversationOf(msg)
	current := gw.registry.WorkingDir(id)
	if args == "" {
		return "Working directory: " + current, nil
	}

	dir, err := resolveDir(current, args, gw.cfg.Claude.AllowedRoot)
	if err != nil {
		return err.Error(), nil
	}
	if err := gw.registry.SetWorkingDir(ctx, id, dir); err != nil {
		return "", err
	}
	return "Working directory set to " + dir + ". The next message starts a new session there.", nil
}

// resolveDir turns a /cwd argument into an absolute directory under root.
func resolveDir(current, arg, root string) (string, error) {
	dir := arg
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(current, dir)
	}
	dir = filepath.Clean(dir)

	st, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%s does not exist", dir)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	if root != "" && !config.WithinRoot(root, dir) {
		return "", fmt.Errorf("%s is outside %s", dir, root)
	}
	return dir, nil
}

func cmdHeartbeats(_ context.Context, gw *Gateway, _ *channel.Message, _ string) (string, error) {
	if gw.scheduler == nil {
		return "Heartbeats are disabled.", nil
	}
	states := gw.scheduler.Snapshot()
	if len(states) == 0 {
		return "No heartbeats defined.", nil
	}
	lines := gslice.Map(states, heartbeat.State.String)
	return strings.Join(lines, "\n"), nil
}

func cmdHeartbeat(_ context.Context, gw *Gateway, _ *channel.Message, args string) (string, error) {
	if gw.scheduler == nil {
		return "Heartbeats are disabled.", nil
	}
	fields := strings.Fields(args)
	if len(fields) != 2 || fields[0] != "run" {
		return "Usage: /heartbeat run <name>", nil
	}
	name := fields[1]
	switch err := gw.scheduler.RunNow(name); {
	case errors.Is(err, heartbeat.ErrUnknown):
		return "No heartbeat named " + name + ".", nil
	case errors.Is(err, heartbeat.ErrRunning):
		return name + " is already running.", nil
	case err != nil:
		return "", err
	}
	return name + " will run on the next tick.", nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
