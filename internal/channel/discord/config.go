package discord

import (
	"errors"

	"github.com/bytedance/gg/gconv"
	"github.com/bytedance/gg/gslice"
)

// maxTextLength is Discord's limit for message content.
const maxTextLength = 2000

type Config struct {
	Token           string
	AllowedUsers    []string
	AllowedChannels []string
	RequireMention  bool // in guild channels
	MaxLength       int
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("discord bot token cannot be empty")
	}
	if c.MaxLength <= 0 || c.MaxLength > maxTextLength {
		c.MaxLength = maxTextLength
	}
	return nil
}

func (c *Config) allows(userID, channelID string) bool {
	if len(c.AllowedUsers) > 0 && !gslice.Contains(c.AllowedUsers, userID) {
		return false
	}
	if len(c.AllowedChannels) > 0 && !gslice.Contains(c.AllowedChannels, channelID) {
		return false
	}
	return true
}

func ParseConfig(configMap map[string]any) (*Config, error) {
	cfg := &Config{
		Token:          gconv.To[string](configMap["token"]),
		RequireMention: gconv.To[bool](configMap["require_mention"]),
		MaxLength:      gconv.To[int](configMap["max_length"]),
	}
	cfg.AllowedUsers = parseStrings(configMap["allowed_users"])
	cfg.AllowedChannels = parseStrings(configMap["allowed_channels"])
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseStrings(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	return gslice.Map(list, func(v any) string { return gconv.To[string](v) })
}
