package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/session"
	"github.com/tgifai/relay/internal/stream"
)

// ChannelResolver finds the channel a destination names. channel.Get
// satisfies it.
type ChannelResolver func(channelID string) (channel.Channel, error)

type RunnerOptions struct {
	Base              agentx.Options
	DefaultWorkingDir string
	Resolve           ChannelResolver
	Spawn             session.Spawner
}

// Runner executes a heartbeat as a one-off assistant process streaming
// into its destination chat.
type Runner struct {
	opts RunnerOptions
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Spawn == nil {
		opts.Spawn = session.DefaultSpawner
	}
	if opts.Resolve == nil {
		opts.Resolve = channel.Get
	}
	return &Runner{opts: opts}
}

func (r *Runner) Run(ctx context.Context, def Definition, resumeID string) (RunResult, error) {
	chID, chatID := session.SplitConversationID(def.Destination)
	ch, err := r.opts.Resolve(chID)
	if err != nil {
		return RunResult{}, fmt.Errorf("destination %s: %w", def.Destination, err)
	}

	// Edits after a timeout still need to reach the chat.
	postCtx := context.WithoutCancel(ctx)
	if _, err := ch.SendMessage(postCtx, chatID, header(def)); err != nil {
		logs.CtxWarn(ctx, "[heartbeat] %s: post header: %v", def.Name, err)
	}

	proc, err := r.spawn(ctx, def, resumeID)
	if err != nil {
		return RunResult{}, err
	}
	defer proc.Kill()

	resp := stream.New(postCtx, stream.Options{
		Messenger: ch,
		ChatID:    chatID,
		MaxLength: ch.MaxMessageLength(),
	})
	proc.SetHandler(resp)

	if !proc.SendMessage(def.Prompt) {
		resp.Abort("session ended")
		return RunResult{SessionID: proc.SessionID()}, errors.New("write prompt: process exited")
	}

	select {
	case <-resp.Done():
	case <-proc.Done():
		resp.Abort("session ended")
	case <-ctx.Done():
		proc.Kill()
		resp.Abort("timed out")
		return RunResult{SessionID: proc.SessionID()}, ctx.Err()
	}

	res := RunResult{SessionID: proc.SessionID()}
	result, ok := resp.Result()
	if !ok {
		return res, errors.New("session exited before completing")
	}
	if result.IsError {
		return res, fmt.Errorf("run ended with %s", result.Subtype)
	}
	return res, nil
}

func (r *Runner) spawn(ctx context.Context, def Definition, resumeID string) (session.Process, error) {
	opts := r.opts.Base
	opts.WorkingDir = def.WorkingDir
	if opts.WorkingDir == "" {
		opts.WorkingDir = r.opts.DefaultWorkingDir
	}
	if def.Persistent {
		opts.ResumeID = resumeID
	}

	proc, err := r.opts.Spawn(ctx, opts)
	if err != nil && opts.ResumeID != "" {
		logs.CtxWarn(ctx, "[heartbeat] %s: resume %s failed, starting fresh: %v", def.Name, opts.ResumeID, err)
		opts.ResumeID = ""
		proc, err = r.opts.Spawn(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	return proc, nil
}

func header(def Definition) string {
	return fmt.Sprintf("[heartbeat] %s · %s", def.Name, time.Now().Format("2006-01-02 15:04"))
}
