package http

import (
	"fmt"
	"time"

	"github.com/bytedance/gg/gconv"
)

const (
	defaultReplyTimeout = 5 * time.Minute
	// A reply is returned whole, so the stream never needs to split it.
	defaultMaxLength = 1 << 20
)

type Config struct {
	// APIKey is an optional bearer token for authenticating incoming requests.
	// When set, requests must include "Authorization: Bearer <api_key>".
	APIKey string
	// ReplyTimeout bounds how long a request waits for the finished reply.
	ReplyTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.ReplyTimeout < 0 {
		return fmt.Errorf("reply_timeout cannot be negative")
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = defaultReplyTimeout
	}
	return nil
}

func ParseConfig(configMap map[string]any) (*Config, error) {
	cfg := &Config{}
	cfg.APIKey = gconv.To[string](configMap["api_key"])
	cfg.ReplyTimeout = time.Duration(gconv.To[int64](configMap["reply_timeout"])) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http config: %w", err)
	}
	return cfg, nil
}
