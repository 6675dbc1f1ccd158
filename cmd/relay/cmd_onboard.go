package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/config"
	"github.com/tgifai/relay/internal/consts"
)

var onboardHwd = &OnboardRunner{}

type OnboardRunner struct {
	scanner *bufio.Scanner
}

func (r *OnboardRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "onboard",
		Usage:  "Interactive setup wizard for first-time configuration",
		Action: r.run,
	}
}

// ── style helpers ──────────────────────────────────────────────────

var (
	cBanner  = color.New(color.FgCyan, color.Bold)
	cStep    = color.New(color.FgCyan, color.Bold)
	cWarn    = color.New(color.FgYellow)
	cSuccess = color.New(color.FgGreen)
	cError   = color.New(color.FgRed)
	cPrompt  = color.New(color.FgWhite, color.Bold)
	cDim     = color.New(color.FgHiBlack)
)

// ── channel metadata ───────────────────────────────────────────────

type channelPrompt struct {
	Key      string
	Label    string
	Required bool
	List     bool // comma separated
}

type channelMeta struct {
	Type      string
	DefaultID string
	Prompts   []channelPrompt
}

var channelOptions = []channelMeta{
	{
		Type:      "telegram",
		DefaultID: "tg",
		Prompts: []channelPrompt{
			{Key: "token", Label: "Telegram Bot Token", Required: true},
			{Key: "allowed_users", Label: "Allowed user ids (comma separated, empty for anyone)", List: true},
		},
	},
	{
		Type:      "discord",
		DefaultID: "dc",
		Prompts: []channelPrompt{
			{Key: "token", Label: "Discord Bot Token", Required: true},
			{Key: "allowed_users", Label: "Allowed user ids (comma separated, empty for anyone)", List: true},
		},
	},
}

var permissionOptions = []string{"default", "acceptEdits", "bypassPermissions", "plan"}

// ── main flow ──────────────────────────────────────────────────────

func (r *OnboardRunner) run(_ context.Context, cmd *cli.Command) error {
	r.scanner = bufio.NewScanner(os.Stdin)

	cfgPath := cmd.String("config")
	if _, err := os.Stat(cfgPath); err == nil {
		cWarn.Printf("  Config already exists at %s\n", cfgPath)
		if !r.confirm("  Overwrite existing config?", false) {
			fmt.Println("  Aborted.")
			return nil
		}
		fmt.Println()
	}

	r.banner()

	claudeCfg := r.stepClaude()

	channelID, chCfg, err := r.stepChannel()
	if err != nil {
		return err
	}

	heartbeats := r.stepHeartbeats()

	return r.stepConfirm(cfgPath, claudeCfg, channelID, chCfg, heartbeats)
}

func (r *OnboardRunner) banner() {
	fmt.Println()
	cBanner.Println("  ██████╗ ███████╗██╗      █████╗ ██╗   ██╗")
	cBanner.Println("  ██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝")
	cBanner.Println("  ██████╔╝█████╗  ██║     ███████║ ╚████╔╝ ")
	cBanner.Println("  ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝  ")
	cBanner.Println("  ██║  ██║███████╗███████╗██║  ██║   ██║   ")
	cBanner.Println("  ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝   ")
	cDim.Println("  Your chats, wired to a long-lived claude session")
	fmt.Println()

	cWarn.Println("  ⚠  Anyone allowed to message the bot can run the claude CLI")
	cWarn.Println("     in your working directory with the permission mode you pick.")
	cWarn.Printf("     Tokens are stored in %s. Keep this file secure.\n", consts.DefaultConfigPath())
	fmt.Println()
}

// ── step 1: claude cli ─────────────────────────────────────────────

func (r *OnboardRunner) stepClaude() config.ClaudeConfig {
	r.printStepHeader("Step 1", "Claude CLI")

	binary := r.promptDefault("  claude binary", consts.DefaultClaudeBinary)
	fmt.Println()

	home, _ := os.UserHomeDir()
	workDir := r.promptDefault("  Working directory", home)
	fmt.Println()

	cDim.Println("  Select permission mode:")
	for i, m := range permissionOptions {
		fmt.Printf("    [%d] %s\n", i+1, m)
	}
	fmt.Println()
	idx := r.promptChoice("  Permission mode", 1, len(permissionOptions))
	fmt.Println()

	cfg := config.ClaudeConfig{
		Binary:         binary,
		WorkingDir:     workDir,
		PermissionMode: permissionOptions[idx-1],
	}
	cSuccess.Printf("  ✓ Claude: %s in %s (%s)\n\n", cfg.Binary, cfg.WorkingDir, cfg.PermissionMode)
	return cfg
}

// ── step 2: channel ────────────────────────────────────────────────

func (r *OnboardRunner) stepChannel() (string, config.ChannelConfig, error) {
	r.printStepHeader("Step 2", "Channel")

	cDim.Println("  Select channel type:")
	for i, ch := range channelOptions {
		fmt.Printf("    [%d] %s\n", i+1, ch.Type)
	}
	fmt.Println()

	idx := r.promptChoice("  Channel type", 1, len(channelOptions))
	cm := channelOptions[idx-1]
	fmt.Println()

	// Channel ids prefix conversation ids, so keep them short.
	channelID := r.promptDefault("  Channel id", cm.DefaultID)
	if strings.Contains(channelID, ":") {
		return "", config.ChannelConfig{}, fmt.Errorf("channel id %q must not contain ':'", channelID)
	}
	fmt.Println()

	chConfig := make(map[string]any)
	for _, p := range cm.Prompts {
		var val string
		if p.Required {
			val = r.promptRequired("  " + p.Label)
		} else {
			val = r.promptDefault("  "+p.Label, "")
		}
		fmt.Println()
		if p.List {
			if items := splitList(val); len(items) > 0 {
				chConfig[p.Key] = items
			}
			continue
		}
		chConfig[p.Key] = val
	}

	chCfg := config.ChannelConfig{
		Type:    cm.Type,
		Enabled: true,
		Config:  chConfig,
	}

	cSuccess.Printf("  ✓ Channel: %s (%s)\n\n", channelID, cm.Type)
	return channelID, chCfg, nil
}

// splitList returns the comma separated items of s as []any, the shape a
// YAML sequence decodes to.
func splitList(s string) []any {
	var out []any
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, part)
	}
	return out
}

// ── step 3: heartbeats ─────────────────────────────────────────────

func (r *OnboardRunner) stepHeartbeats() bool {
	r.printStepHeader("Step 3", "Heartbeats")

	cDim.Println("  Heartbeats run a prompt on a schedule and post the reply")
	cDim.Printf("  to a chat. Definitions live in %s.\n", consts.DefaultHeartbeatsPath())
	fmt.Println()

	enabled := r.confirm("  Enable heartbeats?", true)
	fmt.Println()

	if enabled {
		cSuccess.Println("  ✓ Heartbeats: enabled")
	} else {
		cSuccess.Println("  ✓ Heartbeats: disabled")
	}
	fmt.Println()
	return enabled
}

// ── step 4: confirm & write ────────────────────────────────────────

func (r *OnboardRunner) stepConfirm(
	cfgPath string,
	claudeCfg config.ClaudeConfig,
	channelID string, chCfg config.ChannelConfig,
	heartbeats bool,
) error {
	r.printStepHeader("Step 4", "Review")

	cDim.Printf("  Home directory:  %s\n", consts.RelayHomeDir())
	cDim.Printf("  Config file:     %s\n", cfgPath)
	fmt.Println()
	cDim.Printf("  Claude:       %s (%s)\n", claudeCfg.Binary, claudeCfg.PermissionMode)
	cDim.Printf("  Working dir:  %s\n", claudeCfg.WorkingDir)
	cDim.Printf("  Channel:      %s (%s)\n", channelID, chCfg.Type)
	cDim.Printf("  Heartbeats:   %v\n", heartbeats)
	fmt.Println()

	if !r.confirm("  Write config?", true) {
		fmt.Println("  Aborted.")
		return nil
	}
	fmt.Println()

	cfg := &config.Config{
		Gateway: config.GatewayConfig{
			Bind:           "127.0.0.1:8088",
			MaxPending:     10,
			RequestTimeout: 60,
			ApprovalWait:   300,
		},
		Logging: config.LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			File:       consts.DefaultLogFile(),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     7,
		},
		Claude: claudeCfg,
		Heartbeat: config.HeartbeatConfig{
			Enabled: &heartbeats,
			Watch:   true,
		},
		Channels: map[string]config.ChannelConfig{channelID: chCfg},
	}
	if err := cfg.Validate(); err != nil {
		cError.Printf("  ✗ Invalid config: %v\n", err)
		return err
	}

	if err := writeConfigDirect(cfgPath, cfg); err != nil {
		cError.Printf("  ✗ Failed to write config: %v\n", err)
		return err
	}
	cSuccess.Printf("  ✓ Created %s\n", cfgPath)

	if heartbeats {
		created, err := initHeartbeats(cfg.Heartbeat.Definitions)
		switch {
		case err != nil:
			cWarn.Printf("  ⚠ Failed to create %s: %v\n", cfg.Heartbeat.Definitions, err)
		case created:
			cSuccess.Printf("  ✓ Created %s\n", cfg.Heartbeat.Definitions)
		}
	}

	fmt.Println()
	cSuccess.Println("  All set! Run \"relay check\" and then \"relay gateway run\" to start.")
	fmt.Println()
	return nil
}

const heartbeatsTemplate = `# Each key is a heartbeat name. Set exactly one of cron, interval (seconds)
# or at (unix seconds). destination is <channel id>:<chat id>.
#
# morning:
#   cron: "0 9 * * 1-5"
#   prompt: Summarize what changed in the repo since yesterday.
#   destination: tg:123456789
#   persistent: true
`

func initHeartbeats(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(path, []byte(heartbeatsTemplate), 0o644)
}

func writeConfigDirect(path string, cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	// Load needs a valid file before Apply can replace its contents.
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Apply("config", cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	return config.Save()
}

// ── input helpers ──────────────────────────────────────────────────

func (r *OnboardRunner) prompt(label string) string {
	cPrompt.Printf("%s > ", label)
	if r.scanner.Scan() {
		return strings.TrimSpace(r.scanner.Text())
	}
	return ""
}

func (r *OnboardRunner) promptDefault(label string, defaultVal string) string {
	if defaultVal != "" {
		cPrompt.Printf("%s ", label)
		cDim.Printf("[%s]", defaultVal)
		cPrompt.Print(" > ")
	} else {
		cPrompt.Printf("%s > ", label)
	}

	if r.scanner.Scan() {
		val := strings.TrimSpace(r.scanner.Text())
		if val != "" {
			return val
		}
	}
	return defaultVal
}

func (r *OnboardRunner) promptRequired(label string) string {
	for {
		val := r.prompt(label)
		if val != "" {
			return val
		}
		cError.Println("  This field is required.")
	}
}

func (r *OnboardRunner) promptChoice(label string, min, max int) int {
	for {
		val := r.promptDefault(label, strconv.Itoa(min))
		n, err := strconv.Atoi(val)
		if err == nil && n >= min && n <= max {
			return n
		}
		cError.Printf("  Please enter a number between %d and %d.\n", min, max)
	}
}

func (r *OnboardRunner) confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	cPrompt.Printf("%s %s > ", label, hint)
	if r.scanner.Scan() {
		val := strings.ToLower(strings.TrimSpace(r.scanner.Text()))
		if val == "" {
			return defaultYes
		}
		return val == "y" || val == "yes"
	}
	return defaultYes
}

func (r *OnboardRunner) printStepHeader(step string, title string) {
	cStep.Printf("═══ %s: %s ═══\n\n", step, title)
}
