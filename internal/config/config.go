package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

type (
	Config struct {
		Gateway   GatewayConfig            `yaml:"gateway" json:"gateway"`
		Logging   LoggingConfig            `yaml:"logging" json:"logging"`
		Claude    ClaudeConfig             `yaml:"claude" json:"claude"`
		Sessions  SessionsConfig           `yaml:"sessions" json:"sessions"`
		Heartbeat HeartbeatConfig          `yaml:"heartbeat" json:"heartbeat"`
		Channels  map[string]ChannelConfig `yaml:"channels" json:"channels"`
	}

	GatewayConfig struct {
		Bind           string `yaml:"bind" json:"bind"`
		MetricsBind    string `yaml:"metrics_bind" json:"metrics_bind"`
		MaxPending     int    `yaml:"max_pending" json:"max_pending"`         // per conversation
		RequestTimeout int    `yaml:"request_timeout" json:"request_timeout"` // seconds
		ApprovalWait   int    `yaml:"approval_wait" json:"approval_wait"`     // seconds
	}

	LoggingConfig struct {
		Level      string `yaml:"level" json:"level"`   // debug, info, warn, error
		Format     string `yaml:"format" json:"format"` // json, text
		Output     string `yaml:"output" json:"output"` // stdout, file, both
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"` // days
	}

	ClaudeConfig struct {
		Binary         string   `yaml:"binary" json:"binary"`
		WorkingDir     string   `yaml:"working_dir" json:"working_dir"`
		AllowedRoot    string   `yaml:"allowed_root" json:"allowed_root"`
		PermissionMode string   `yaml:"permission_mode" json:"permission_mode"`
		Model          string   `yaml:"model" json:"model"`
		ExtraArgs      []string `yaml:"extra_args" json:"extra_args"`
		MinVersion     string   `yaml:"min_version" json:"min_version"`
		StopGrace      int      `yaml:"stop_grace" json:"stop_grace"` // seconds
	}

	SessionsConfig struct {
		Store string `yaml:"store" json:"store"`
	}

	HeartbeatConfig struct {
		Enabled        *bool  `yaml:"enabled" json:"enabled"`
		Definitions    string `yaml:"definitions" json:"definitions"`
		State          string `yaml:"state" json:"state"`
		TickInterval   int    `yaml:"tick_interval" json:"tick_interval"`     // seconds
		DefaultTimeout int    `yaml:"default_timeout" json:"default_timeout"` // seconds
		Watch          bool   `yaml:"watch" json:"watch"`
	}

	ChannelConfig struct {
		ID      string         `yaml:"-" json:"-"`
		Type    string         `yaml:"type" json:"type"` // telegram, discord, http
		Enabled bool           `yaml:"enabled" json:"enabled"`
		Config  map[string]any `yaml:"config" json:"config"`
	}
)

func (c *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *GatewayConfig) ApprovalWaitDuration() time.Duration {
	return time.Duration(c.ApprovalWait) * time.Second
}

func (c *ClaudeConfig) StopGraceDuration() time.Duration {
	return time.Duration(c.StopGrace) * time.Second
}

func (c *HeartbeatConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *HeartbeatConfig) TickDuration() time.Duration {
	return time.Duration(c.TickInterval) * time.Second
}

func (c *HeartbeatConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Second
}

// UpdateByName replaces one top-level section.
func (c *Config) UpdateByName(name string, value any) error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return fmt.Errorf("name is required")
	case "config":
		typed, ok := value.(*Config)
		if !ok || typed == nil {
			return fmt.Errorf("name 'config' requires *Config")
		}
		*c = *typed
	case "gateway":
		typed, ok := value.(*GatewayConfig)
		if !ok || typed == nil {
			return fmt.Errorf("name 'gateway' requires *GatewayConfig")
		}
		c.Gateway = *typed
	case "logging":
		typed, ok := value.(*LoggingConfig)
		if !ok || typed == nil {
			return fmt.Errorf("name 'logging' requires *LoggingConfig")
		}
		c.Logging = *typed
	case "claude":
		typed, ok := value.(*ClaudeConfig)
		if !ok || typed == nil {
			return fmt.Errorf("name 'claude' requires *ClaudeConfig")
		}
		c.Claude = *typed
	case "heartbeat":
		typed, ok := value.(*HeartbeatConfig)
		if !ok || typed == nil {
			return fmt.Errorf("name 'heartbeat' requires *HeartbeatConfig")
		}
		c.Heartbeat = *typed
	case "channels":
		typed, ok := value.(*map[string]ChannelConfig)
		if !ok || typed == nil {
			return fmt.Errorf("name 'channels' requires *map[string]ChannelConfig")
		}
		next := make(map[string]ChannelConfig, len(*typed))
		for k, v := range *typed {
			next[k] = v
		}
		c.Channels = next
	default:
		return fmt.Errorf("unsupported config name: %s", name)
	}
	return nil
}

// Clone deep-copies the config through a JSON round trip.
func (c *Config) Clone() (*Config, error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}

	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var cloned Config
	if err := sonic.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("unmarshal config clone: %w", err)
	}
	for id, ch := range cloned.Channels {
		ch.ID = id
		cloned.Channels[id] = ch
	}
	return &cloned, nil
}

func (c *Config) Hash() string {
	json := sonic.Config{SortMapKeys: true, UseNumber: true}.Froze()
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
