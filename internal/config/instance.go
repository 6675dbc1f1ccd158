package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tgifai/relay/internal/consts"
	"github.com/tgifai/relay/internal/pkg/fsutil"
)

const maxBackupFiles = 5

var defaultManager = &InstanceManager{}

var ErrConfigConflict = errors.New("config conflict")

type InstanceManager struct {
	path   string
	loaded bool
	cfg    *Config
	// hash of the current in-memory snapshot, used for compare-and-swap.
	hash string

	mu sync.RWMutex
}

func (ins *InstanceManager) Get() (*Config, error) {
	if ins == nil {
		return nil, fmt.Errorf("instance manager is nil")
	}

	ins.mu.RLock()
	defer ins.mu.RUnlock()

	if !ins.loaded || ins.cfg == nil {
		return nil, fmt.Errorf("config is not loaded")
	}
	return ins.cfg.Clone()
}

func (ins *InstanceManager) Path() string {
	ins.mu.RLock()
	defer ins.mu.RUnlock()
	return ins.path
}

// Load reads path (or the previous / default path) and installs it.
func (ins *InstanceManager) Load(path string) (*Config, error) {
	if ins == nil {
		return nil, fmt.Errorf("instance manager is nil")
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()

	path = strings.TrimSpace(path)
	if path == "" {
		path = ins.path
	}
	if path == "" {
		path = consts.DefaultConfigPath()
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}

	ins.path = path
	ins.cfg = cfg
	ins.hash = cfg.Hash()
	ins.loaded = true
	return cfg.Clone()
}

func (ins *InstanceManager) Apply(name string, value any) error {
	return ins.ApplyWithCAS(name, value, "")
}

func (ins *InstanceManager) ApplyWithCAS(name string, value any, expectedHash string) error {
	if ins == nil {
		return fmt.Errorf("instance manager is nil")
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()

	if !ins.loaded || ins.cfg == nil {
		return fmt.Errorf("config is not loaded")
	}

	expectedHash = strings.TrimSpace(expectedHash)
	if expectedHash != "" && expectedHash != ins.hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrConfigConflict, expectedHash, ins.hash)
	}

	draft, err := ins.cfg.Clone()
	if err != nil {
		return err
	}
	if err := draft.UpdateByName(name, value); err != nil {
		return err
	}
	if err := draft.Validate(); err != nil {
		return err
	}

	ins.cfg = draft
	ins.hash = draft.Hash()
	return nil
}

func (ins *InstanceManager) Hash() (string, error) {
	if ins == nil {
		return "", fmt.Errorf("instance manager is nil")
	}

	ins.mu.RLock()
	defer ins.mu.RUnlock()

	if !ins.loaded || ins.cfg == nil {
		return "", fmt.Errorf("config is not loaded")
	}
	return ins.hash, nil
}

// Save writes the in-memory config back to disk, keeping a few backups.
func (ins *InstanceManager) Save() error {
	if ins == nil {
		return fmt.Errorf("instance manager is nil")
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()

	if !ins.loaded || ins.cfg == nil {
		return fmt.Errorf("config is not loaded")
	}
	if strings.TrimSpace(ins.path) == "" {
		return fmt.Errorf("config path is required")
	}

	raw, err := marshalConfigYAML(ins.cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	err = fsutil.WithLock(ins.path, func() error {
		if _, statErr := os.Stat(ins.path); statErr == nil {
			if _, err := createBackup(ins.path); err != nil {
				return err
			}
			go cleanupOldBackups(ins.path)
		}
		return fsutil.WriteFileAtomic(ins.path, raw, 0o600)
	})
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	ins.hash = ins.cfg.Hash()
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML config document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Load(path string) (*Config, error) { return defaultManager.Load(path) }

func Get() (*Config, error) { return defaultManager.Get() }

func Path() string { return defaultManager.Path() }

func Apply(name string, value any) error { return defaultManager.Apply(name, value) }

func ApplyWithCAS(name string, value any, expectedHash string) error {
	return defaultManager.ApplyWithCAS(name, value, expectedHash)
}

func Save() error { return defaultManager.Save() }

func Hash() (string, error) { return defaultManager.Hash() }

func createBackup(path string) (string, error) {
	backupPath := fmt.Sprintf("%s.%s", path, time.Now().Format("060102150405"))
	for i := 1; ; i++ {
		if _, err := os.Stat(backupPath); os.IsNotExist(err) {
			break
		} else if err != nil {
			return "", fmt.Errorf("stat backup path: %w", err)
		}
		backupPath = fmt.Sprintf("%s.%s.%d", path, time.Now().Format("060102150405"), i)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open config for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create config backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("copy config backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("close config backup: %w", err)
	}
	return backupPath, nil
}

func cleanupOldBackups(path string) {
	files, err := filepath.Glob(path + ".[0-9]*")
	if err != nil || len(files) <= maxBackupFiles {
		return
	}
	sort.Strings(files)
	for _, one := range files[:len(files)-maxBackupFiles] {
		_ = os.Remove(one)
	}
}

func marshalConfigYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		_ = encoder.Close()
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(buf.String(), "\n") + "\n"), nil
}
