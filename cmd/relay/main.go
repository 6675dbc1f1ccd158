package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/consts"
	"github.com/tgifai/relay/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:    "relay",
		Usage:   "Bridge chat conversations to long-lived Claude sessions",
		Version: consts.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the runtime config file",
				Value:   consts.DefaultConfigPath(),
				Sources: cli.EnvVars("RELAY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			gwHwd.cmd(),
			msgHwd.cmd(),
			heartbeatHwd.cmd(),
			sessionHwd.cmd(),
			checkHwd.cmd(),
			onboardHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
