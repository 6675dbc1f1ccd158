package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/gateway"
	"github.com/tgifai/relay/internal/heartbeat"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/session"
)

const shutdownTimeout = 30 * time.Second

var gwHwd = &GatewayRunner{}

type GatewayRunner struct{}

func (r *GatewayRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Manage the relay runtime",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the relay with the configured channels and heartbeats",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "skip-version-check",
						Usage: "Start even if the claude CLI is missing or too old",
					},
				},
				Action: r.run,
			},
		},
	}
}

func (r *GatewayRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}

	ctx = logs.WithNewLogID(ctx)
	logs.CtxInfo(ctx, "booting relay %s, using config file: %s...", cmdVersion(cmd), cfgPath)

	v, err := agentx.CheckVersion(ctx, cfg.Claude.Binary, cfg.Claude.MinVersion)
	switch {
	case err == nil:
		logs.CtxInfo(ctx, "using %s %s", cfg.Claude.Binary, v)
	case cmd.Bool("skip-version-check"):
		logs.CtxWarn(ctx, "claude cli check failed, continuing: %v", err)
	default:
		return fmt.Errorf("claude cli: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := claudeOptions(cfg.Claude)
	store := session.NewStore(cfg.Sessions.Store)
	if err = store.Load(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	registry := session.NewRegistry(store, session.Options{
		Base:              base,
		DefaultWorkingDir: cfg.Claude.WorkingDir,
		StopGrace:         cfg.Claude.StopGraceDuration(),
	})

	var scheduler *heartbeat.Scheduler
	if cfg.Heartbeat.IsEnabled() {
		runner := heartbeat.NewRunner(heartbeat.RunnerOptions{
			Base:              base,
			DefaultWorkingDir: cfg.Claude.WorkingDir,
		})
		scheduler = heartbeat.NewScheduler(heartbeat.Options{
			DefinitionsPath: cfg.Heartbeat.Definitions,
			StatePath:       cfg.Heartbeat.State,
			Tick:            cfg.Heartbeat.TickDuration(),
			DefaultTimeout:  cfg.Heartbeat.DefaultTimeoutDuration(),
			Watch:           cfg.Heartbeat.Watch,
			Run:             runner.Run,
		})
	}

	gw, err := gateway.NewGateway(gateway.Options{
		Config:    cfg,
		Registry:  registry,
		Scheduler: scheduler,
	})
	if err != nil {
		return err
	}
	if err = gw.Start(ctx); err != nil {
		cancel()
		_ = gw.Stop(context.Background())
		return fmt.Errorf("start gateway: %w", err)
	}

	if scheduler != nil {
		if err = scheduler.Start(ctx); err != nil {
			logs.CtxError(ctx, "heartbeats disabled: %v", err)
			scheduler = nil
		}
	}

	logs.CtxInfo(ctx, "relay is up, %d known conversation(s). Press Ctrl+C to stop.", len(store.List()))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping runtime...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping runtime...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stopCancel()

	if scheduler != nil {
		scheduler.Stop(stopCtx)
	}
	if err = gw.Stop(stopCtx); err != nil {
		logs.CtxError(ctx, "stop gateway error: %v", err)
	}

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func cmdVersion(cmd *cli.Command) string {
	if root := cmd.Root(); root != nil && root.Version != "" {
		return root.Version
	}
	return "dev"
}
