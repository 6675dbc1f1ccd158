package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/gateway"
	"github.com/tgifai/relay/internal/heartbeat"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/session"
)

var heartbeatHwd = &HeartbeatRunner{}

type HeartbeatRunner struct{}

func (r *HeartbeatRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "heartbeat",
		Usage: "Inspect and exercise heartbeat definitions",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Show every definition with its persisted schedule state",
				Action: r.list,
			},
			{
				Name:   "validate",
				Usage:  "Parse the definitions file and report problems",
				Action: r.validate,
			},
			{
				Name:      "run",
				Usage:     "Run one heartbeat now, outside the gateway",
				ArgsUsage: "<name>",
				Action:    r.run,
			},
		},
	}
}

func (r *HeartbeatRunner) list(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Without a Run func the scheduler is a read-only view of file and state.
	s := heartbeat.NewScheduler(heartbeat.Options{
		DefinitionsPath: cfg.Heartbeat.Definitions,
		StatePath:       cfg.Heartbeat.State,
	})
	if err := s.Load(ctx); err != nil {
		return err
	}
	states := s.Snapshot()
	if len(states) == 0 {
		fmt.Printf("No heartbeats defined in %s.\n", cfg.Heartbeat.Definitions)
		return nil
	}
	for _, st := range states {
		fmt.Println(st.String())
	}
	return nil
}

func (r *HeartbeatRunner) validate(_ context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defs, err := heartbeat.LoadDefinitions(cfg.Heartbeat.Definitions)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := defs[name]
		chID, _ := session.SplitConversationID(def.Destination)
		if _, ok := cfg.Channels[chID]; !ok {
			fmt.Printf("%s %s: destination channel %q is not configured\n", warnMark(), name, chID)
			continue
		}
		fmt.Printf("%s %s: %s -> %s\n", okMark(), name, def.Schedule(), def.Destination)
	}
	fmt.Printf("%d definition(s) in %s\n", len(defs), cfg.Heartbeat.Definitions)
	return nil
}

func (r *HeartbeatRunner) run(ctx context.Context, cmd *cli.Command) error {
	name := strings.TrimSpace(cmd.Args().First())
	if name == "" {
		return fmt.Errorf("heartbeat name is required")
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	defs, err := heartbeat.LoadDefinitions(cfg.Heartbeat.Definitions)
	if err != nil {
		return err
	}
	def, ok := defs[name]
	if !ok {
		return fmt.Errorf("no heartbeat named %s", name)
	}

	ctx = logs.WithNewLogID(ctx)
	runner := heartbeat.NewRunner(heartbeat.RunnerOptions{
		Base:              claudeOptions(cfg.Claude),
		DefaultWorkingDir: cfg.Claude.WorkingDir,
		Resolve:           outboundResolver(cfg),
	})

	ctx, cancel := context.WithTimeout(ctx, def.TimeoutDuration(cfg.Heartbeat.DefaultTimeoutDuration()))
	defer cancel()

	res, err := runner.Run(ctx, *def, "")
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", name, err)
	}
	fmt.Printf("%s finished, session %s\n", name, orNone(res.SessionID))
	return nil
}

// outboundResolver builds adapters on demand for sending only.
func outboundResolver(cfg *config.Config) heartbeat.ChannelResolver {
	return func(id string) (channel.Channel, error) {
		chCfg, ok := cfg.Channels[id]
		if !ok {
			return nil, channel.ErrChannelNotFound
		}
		return gateway.NewChannel(id, chCfg)
	}
}
