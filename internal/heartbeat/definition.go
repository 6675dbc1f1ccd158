package heartbeat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tgifai/relay/internal/pkg/fsutil"
)

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleAt       ScheduleKind = "at"
)

// Definition is one entry of the heartbeats file. Exactly one of Cron,
// Interval and At must be set.
type Definition struct {
	Name        string `yaml:"-" json:"name"`
	Cron        string `yaml:"cron,omitempty" json:"cron,omitempty"`
	Interval    int64  `yaml:"interval,omitempty" json:"interval,omitempty"` // seconds
	At          int64  `yaml:"at,omitempty" json:"at,omitempty"`             // unix seconds
	Prompt      string `yaml:"prompt" json:"prompt"`
	Destination string `yaml:"destination" json:"destination"` // <channel id>:<chat id>
	WorkingDir  string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Persistent  bool   `yaml:"persistent,omitempty" json:"persistent,omitempty"`
	Once        bool   `yaml:"once,omitempty" json:"once,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
	Jitter      int    `yaml:"jitter,omitempty" json:"jitter,omitempty"`   // seconds, first interval run only
}

func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (d *Definition) Kind() ScheduleKind {
	switch {
	case d.Cron != "":
		return ScheduleCron
	case d.Interval > 0:
		return ScheduleInterval
	default:
		return ScheduleAt
	}
}

// Schedule renders the schedule for status output.
func (d *Definition) Schedule() string {
	switch d.Kind() {
	case ScheduleCron:
		return "cron " + d.Cron
	case ScheduleInterval:
		return "every " + (time.Duration(d.Interval) * time.Second).String()
	default:
		return "at " + time.Unix(d.At, 0).Format(time.RFC3339)
	}
}

// TimeoutDuration falls back to def when the definition sets none.
func (d *Definition) TimeoutDuration(def time.Duration) time.Duration {
	if d.Timeout > 0 {
		return time.Duration(d.Timeout) * time.Second
	}
	return def
}

func (d *Definition) Validate() error {
	set := 0
	if d.Cron != "" {
		set++
		if _, err := cronParser.Parse(d.Cron); err != nil {
			return fmt.Errorf("heartbeat %s: invalid cron %q: %w", d.Name, d.Cron, err)
		}
	}
	if d.Interval != 0 {
		set++
		if d.Interval < 0 {
			return fmt.Errorf("heartbeat %s: interval must be positive", d.Name)
		}
	}
	if d.At != 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("heartbeat %s: exactly one of cron, interval, at is required", d.Name)
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("heartbeat %s: prompt is required", d.Name)
	}
	if ch, chat, ok := strings.Cut(d.Destination, ":"); !ok || ch == "" || chat == "" {
		return fmt.Errorf("heartbeat %s: destination must be <channel>:<chat>, got %q", d.Name, d.Destination)
	}
	if d.Timeout < 0 || d.Jitter < 0 {
		return fmt.Errorf("heartbeat %s: timeout and jitter cannot be negative", d.Name)
	}
	return nil
}

// sameSchedule reports whether a and b would compute the same next run.
func sameSchedule(a, b *Definition) bool {
	return a.Cron == b.Cron && a.Interval == b.Interval && a.At == b.At &&
		a.IsEnabled() == b.IsEnabled()
}

// ParseDefinitions decodes a heartbeats document: a mapping of name to
// definition.
func ParseDefinitions(raw []byte) (map[string]*Definition, error) {
	defs := make(map[string]*Definition)
	if len(bytes.TrimSpace(raw)) == 0 {
		return defs, nil
	}
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse heartbeats: %w", err)
	}

	var errs []error
	for name, d := range defs {
		if d == nil {
			d = &Definition{}
			defs[name] = d
		}
		d.Name = name
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

// LoadDefinitions reads path. A missing file yields no definitions.
func LoadDefinitions(path string) (map[string]*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Definition{}, nil
		}
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	return ParseDefinitions(raw)
}

// DisableInFile sets enabled: false on one definition, leaving the rest of
// the document intact. The rewrite happens under the file's lock and
// replaces the file atomically.
func DisableInFile(path, name string) error {
	return fsutil.WithLock(path, func() error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read heartbeats: %w", err)
		}
		out, err := setEnabled(raw, name, false)
		if err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(path, out, 0o644)
	})
}

func setEnabled(raw []byte, name string, enabled bool) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse heartbeats: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("heartbeats document is not a mapping")
	}

	def := mappingValue(doc.Content[0], name)
	if def == nil || def.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("heartbeat %s not found", name)
	}

	value := "true"
	if !enabled {
		value = "false"
	}
	if node := mappingValue(def, "enabled"); node != nil {
		node.Kind, node.Tag, node.Value, node.Style = yaml.ScalarNode, "!!bool", value, 0
	} else {
		def.Content = append(def.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "enabled"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: value},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode heartbeats: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
