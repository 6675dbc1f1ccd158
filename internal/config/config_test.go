package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
gateway:
  bind: 127.0.0.1:9000
claude:
  binary: /usr/local/bin/claude
  working_dir: /srv/work
  allowed_root: /srv
  permission_mode: acceptEdits
  min_version: 1.0.0
heartbeat:
  definitions: /srv/hb.yaml
channels:
  tg:
    type: Telegram
    enabled: true
    config:
      token: abc
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Gateway.Bind != "127.0.0.1:9000" {
		t.Fatalf("Bind = %q", cfg.Gateway.Bind)
	}
	if cfg.Gateway.MaxPending != defaultMaxPending {
		t.Fatalf("MaxPending = %d, want %d", cfg.Gateway.MaxPending, defaultMaxPending)
	}
	if cfg.Claude.StopGrace != defaultStopGrace {
		t.Fatalf("StopGrace = %d, want %d", cfg.Claude.StopGrace, defaultStopGrace)
	}
	if !cfg.Heartbeat.IsEnabled() {
		t.Fatal("heartbeat should default to enabled")
	}
	if cfg.Heartbeat.TickInterval != defaultTickInterval {
		t.Fatalf("TickInterval = %d", cfg.Heartbeat.TickInterval)
	}
	if cfg.Sessions.Store == "" || cfg.Heartbeat.State == "" {
		t.Fatal("store paths should be defaulted")
	}

	ch, ok := cfg.Channels["tg"]
	if !ok {
		t.Fatal("channel tg missing")
	}
	if ch.ID != "tg" || ch.Type != "telegram" {
		t.Fatalf("channel = %+v", ch)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad permission mode", "claude:\n  permission_mode: yolo\n"},
		{"working dir outside root", "claude:\n  working_dir: /etc\n  allowed_root: /srv\n"},
		{"bad min version", "claude:\n  min_version: not-a-version\n"},
		{"channel without type", "channels:\n  tg:\n    enabled: true\n"},
		{"channel id with colon", "channels:\n  'a:b':\n    type: telegram\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWithinRoot(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/srv", "/srv", true},
		{"/srv", "/srv/a/b", true},
		{"/srv", "/srv/../etc", false},
		{"/srv", "/srvx", false},
		{"/srv", "/", false},
	}
	for _, tt := range tests {
		if got := WithinRoot(tt.root, tt.path); got != tt.want {
			t.Fatalf("WithinRoot(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestInstanceManagerApplyAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	ins := &InstanceManager{}
	if _, err := ins.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	hash, _ := ins.Hash()

	gw := GatewayConfig{Bind: "0.0.0.0:1234"}
	if err := ins.ApplyWithCAS("gateway", &gw, "stale"); !errors.Is(err, ErrConfigConflict) {
		t.Fatalf("ApplyWithCAS(stale) err = %v, want ErrConfigConflict", err)
	}
	if err := ins.ApplyWithCAS("gateway", &gw, hash); err != nil {
		t.Fatalf("ApplyWithCAS: %v", err)
	}
	if err := ins.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := &InstanceManager{}
	cfg, err := reloaded.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Gateway.Bind != "0.0.0.0:1234" {
		t.Fatalf("Bind after save = %q", cfg.Gateway.Bind)
	}
	if cfg.Gateway.MaxPending != defaultMaxPending {
		t.Fatalf("MaxPending after save = %d", cfg.Gateway.MaxPending)
	}

	backups, _ := filepath.Glob(path + ".[0-9]*")
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want one", backups)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	cloned, err := cfg.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if cloned.Hash() != cfg.Hash() {
		t.Fatal("clone hash differs")
	}
	cloned.Claude.ExtraArgs = append(cloned.Claude.ExtraArgs, "--debug")
	if len(cfg.Claude.ExtraArgs) != 0 {
		t.Fatal("mutating clone changed original")
	}
	if cloned.Channels["tg"].ID != "tg" {
		t.Fatal("clone lost channel id")
	}
}
