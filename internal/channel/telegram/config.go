package telegram

import (
	"errors"
	"fmt"

	"github.com/bytedance/gg/gconv"
)

// maxTextLength is Telegram's limit for a single text message.
const maxTextLength = 4096

type Config struct {
	Token         string
	AllowedUsers  []int64
	AllowedGroups []int64
	MaxLength     int
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return errors.New("telegram bot token cannot be empty")
	}
	if c.MaxLength <= 0 || c.MaxLength > maxTextLength {
		c.MaxLength = maxTextLength
	}
	return nil
}

// allows reports whether a sender may talk to the bot. Empty allow lists
// admit everyone.
func (c *Config) allows(userID, chatID int64, group bool) bool {
	if group && len(c.AllowedGroups) > 0 && !containsID(c.AllowedGroups, chatID) {
		return false
	}
	if len(c.AllowedUsers) > 0 && !containsID(c.AllowedUsers, userID) {
		return false
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func ParseConfig(configMap map[string]any) (*Config, error) {
	config := &Config{}

	token := gconv.To[string](configMap["token"])
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	config.Token = token
	config.MaxLength = gconv.To[int](configMap["max_length"])

	var err error
	if config.AllowedUsers, err = parseIDs(configMap["allowed_users"]); err != nil {
		return nil, fmt.Errorf("allowed_users: %w", err)
	}
	if config.AllowedGroups, err = parseIDs(configMap["allowed_groups"]); err != nil {
		return nil, fmt.Errorf("allowed_groups: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telegram config: %w", err)
	}
	return config, nil
}

func parseIDs(raw any) ([]int64, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(list))
	for _, v := range list {
		id := gconv.To[int64](v)
		if id == 0 {
			return nil, fmt.Errorf("invalid id: %v", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
