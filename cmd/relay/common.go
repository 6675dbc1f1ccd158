package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/pkg/logs"
)

// loadConfig reads the file named by the root --config flag.
func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	path := strings.TrimSpace(cmd.String("config"))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, path, fmt.Errorf("no config at %s, run \"relay onboard\" to create one", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

// claudeOptions is the process template shared by conversations and heartbeats.
func claudeOptions(cfg config.ClaudeConfig) agentx.Options {
	return agentx.Options{
		Binary:         cfg.Binary,
		PermissionMode: cfg.PermissionMode,
		Model:          cfg.Model,
		ExtraArgs:      cfg.ExtraArgs,
		ResumeGrace:    agentx.DefaultResumeGrace,
	}
}
