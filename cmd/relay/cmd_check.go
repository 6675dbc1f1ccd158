package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/channel/discord"
	httpChannel "github.com/tgifai/relay/internal/channel/http"
	"github.com/tgifai/relay/internal/channel/telegram"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/heartbeat"
	"github.com/tgifai/relay/internal/session"
)

var checkHwd = &CheckRunner{}

// CheckRunner validates a config and its environment without starting
// anything.
type CheckRunner struct {
	failed int
}

func (r *CheckRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "Validate the config, the claude CLI and the heartbeat file",
		Action: r.run,
	}
}

func okMark() string   { return cSuccess.Sprint("✓") }
func warnMark() string { return cWarn.Sprint("⚠") }
func failMark() string { return cError.Sprint("✗") }

func (r *CheckRunner) pass(format string, args ...any) {
	fmt.Printf("  %s %s\n", okMark(), fmt.Sprintf(format, args...))
}

func (r *CheckRunner) fail(format string, args ...any) {
	r.failed++
	fmt.Printf("  %s %s\n", failMark(), fmt.Sprintf(format, args...))
}

func (r *CheckRunner) run(ctx context.Context, cmd *cli.Command) error {
	r.failed = 0

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		r.fail("%v", err)
		return fmt.Errorf("config check failed")
	}
	r.pass("config %s", path)

	if v, err := agentx.CheckVersion(ctx, cfg.Claude.Binary, cfg.Claude.MinVersion); err != nil {
		r.fail("claude cli: %v", err)
	} else {
		r.pass("claude cli %s (%s)", v, cfg.Claude.Binary)
	}

	if st, err := os.Stat(cfg.Claude.WorkingDir); err != nil || !st.IsDir() {
		r.fail("working dir %s is not a directory", cfg.Claude.WorkingDir)
	} else {
		r.pass("working dir %s", cfg.Claude.WorkingDir)
	}

	store := session.NewStore(cfg.Sessions.Store)
	if err := store.Load(); err != nil {
		r.fail("session store: %v", err)
	} else {
		r.pass("session store %s (%d records)", cfg.Sessions.Store, len(store.List()))
	}

	r.checkChannels(cfg)
	r.checkHeartbeats(cfg)

	fmt.Println()
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	cSuccess.Println("  All checks passed.")
	return nil
}

func (r *CheckRunner) checkChannels(cfg *config.Config) {
	if len(cfg.Channels) == 0 {
		r.fail("no channels configured")
		return
	}
	ids := make([]string, 0, len(cfg.Channels))
	for id := range cfg.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		chCfg := cfg.Channels[id]
		if !chCfg.Enabled {
			fmt.Printf("  %s channel %s (%s) is disabled\n", warnMark(), id, chCfg.Type)
			continue
		}
		var err error
		switch channel.Type(chCfg.Type) {
		case channel.Telegram:
			_, err = telegram.ParseConfig(chCfg.Config)
		case channel.Discord:
			_, err = discord.ParseConfig(chCfg.Config)
		case channel.HTTP:
			_, err = httpChannel.ParseConfig(chCfg.Config)
		default:
			err = fmt.Errorf("unsupported type %q", chCfg.Type)
		}
		if err != nil {
			r.fail("channel %s: %v", id, err)
			continue
		}
		r.pass("channel %s (%s)", id, chCfg.Type)
	}
}

func (r *CheckRunner) checkHeartbeats(cfg *config.Config) {
	if !cfg.Heartbeat.IsEnabled() {
		fmt.Printf("  %s heartbeats are disabled\n", warnMark())
		return
	}
	defs, err := heartbeat.LoadDefinitions(cfg.Heartbeat.Definitions)
	if err != nil {
		r.fail("heartbeats: %v", err)
		return
	}
	for name, def := range defs {
		chID, _ := session.SplitConversationID(def.Destination)
		if _, ok := cfg.Channels[chID]; !ok {
			r.fail("heartbeat %s: destination channel %q is not configured", name, chID)
		}
	}
	r.pass("heartbeats %s (%d definitions)", cfg.Heartbeat.Definitions, len(defs))
}
