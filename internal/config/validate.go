package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/tgifai/relay/internal/consts"
)

const (
	defaultBind           = "127.0.0.1:8787"
	defaultMetricsBind    = "127.0.0.1:9091"
	defaultMaxPending     = 20
	defaultRequestTimeout = 60
	defaultApprovalWait   = 300
	defaultStopGrace      = 5
	defaultTickInterval   = 30
	defaultHBTimeout      = 600
)

var permissionModes = map[string]struct{}{
	"":                  {},
	"default":           {},
	"acceptEdits":       {},
	"bypassPermissions": {},
	"plan":              {},
}

// Validate fills defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	if strings.TrimSpace(c.Gateway.Bind) == "" {
		c.Gateway.Bind = defaultBind
	}
	if strings.TrimSpace(c.Gateway.MetricsBind) == "" {
		c.Gateway.MetricsBind = defaultMetricsBind
	}
	if c.Gateway.MaxPending <= 0 {
		c.Gateway.MaxPending = defaultMaxPending
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = defaultRequestTimeout
	}
	if c.Gateway.ApprovalWait <= 0 {
		c.Gateway.ApprovalWait = defaultApprovalWait
	}

	if err := c.Claude.validate(); err != nil {
		return fmt.Errorf("claude: %w", err)
	}

	c.Sessions.Store = expandHome(strings.TrimSpace(c.Sessions.Store))
	if c.Sessions.Store == "" {
		c.Sessions.Store = consts.DefaultSessionsPath()
	}

	if c.Heartbeat.Enabled == nil {
		enabled := true
		c.Heartbeat.Enabled = &enabled
	}
	c.Heartbeat.Definitions = expandHome(strings.TrimSpace(c.Heartbeat.Definitions))
	if c.Heartbeat.Definitions == "" {
		c.Heartbeat.Definitions = consts.DefaultHeartbeatsPath()
	}
	c.Heartbeat.State = expandHome(strings.TrimSpace(c.Heartbeat.State))
	if c.Heartbeat.State == "" {
		c.Heartbeat.State = consts.DefaultHeartbeatStatePath()
	}
	if c.Heartbeat.TickInterval <= 0 {
		c.Heartbeat.TickInterval = defaultTickInterval
	}
	if c.Heartbeat.DefaultTimeout <= 0 {
		c.Heartbeat.DefaultTimeout = defaultHBTimeout
	}

	normalized := make(map[string]ChannelConfig, len(c.Channels))
	for key, one := range c.Channels {
		id := strings.TrimSpace(key)
		if id == "" {
			return errors.New("channel id cannot be empty")
		}
		if strings.Contains(id, ":") {
			return fmt.Errorf("channel id %q must not contain ':'", id)
		}
		one.ID = id
		one.Type = strings.ToLower(strings.TrimSpace(one.Type))
		if one.Type == "" {
			return fmt.Errorf("channels[%s]: type is required", id)
		}
		normalized[id] = one
	}
	c.Channels = normalized
	return nil
}

func (c *ClaudeConfig) validate() error {
	c.Binary = strings.TrimSpace(c.Binary)
	if c.Binary == "" {
		c.Binary = consts.DefaultClaudeBinary
	}
	if _, ok := permissionModes[c.PermissionMode]; !ok {
		return fmt.Errorf("invalid permission_mode: %s", c.PermissionMode)
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}

	c.WorkingDir = expandHome(strings.TrimSpace(c.WorkingDir))
	if c.WorkingDir == "" {
		c.WorkingDir, _ = os.UserHomeDir()
	}
	c.AllowedRoot = expandHome(strings.TrimSpace(c.AllowedRoot))
	if c.AllowedRoot != "" && !WithinRoot(c.AllowedRoot, c.WorkingDir) {
		return fmt.Errorf("working_dir %s is outside allowed_root %s", c.WorkingDir, c.AllowedRoot)
	}

	if v := strings.TrimSpace(c.MinVersion); v != "" {
		if _, err := semver.NewConstraint(">= " + v); err != nil {
			return fmt.Errorf("invalid min_version %q: %w", v, err)
		}
		c.MinVersion = v
	}
	return nil
}

// WithinRoot reports whether path is root or lies below it.
func WithinRoot(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
