package heartbeat

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tgifai/relay/internal/pkg/fsutil"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusDisabled Status = "disabled"
)

// State is a read-only snapshot of one definition's scheduling state.
type State struct {
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	Schedule       string     `json:"schedule"`
	Destination    string     `json:"destination"`
	Persistent     bool       `json:"persistent,omitempty"`
	Once           bool       `json:"once,omitempty"`
	NextRun        time.Time  `json:"next_run,omitempty"`
	LastRun        time.Time  `json:"last_run,omitempty"`
	LastCompleted  time.Time  `json:"last_completed,omitempty"`
	LastDurationMS int64      `json:"last_duration_ms,omitempty"`
	RunCount       int        `json:"run_count"`
	LastError      string     `json:"last_error,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	PendingDelete  bool       `json:"pending_delete,omitempty"`
	Definition     Definition `json:"-"`
}

// String renders the snapshot as one status line.
func (s State) String() string {
	line := fmt.Sprintf("%s [%s] %s -> %s", s.Name, s.Status, s.Schedule, s.Destination)
	if !s.NextRun.IsZero() {
		line += ", next " + s.NextRun.Local().Format(time.DateTime)
	}
	if !s.LastRun.IsZero() {
		line += fmt.Sprintf(", last %s (%d runs)", s.LastRun.Local().Format(time.DateTime), s.RunCount)
	}
	if s.LastError != "" {
		line += ", error: " + s.LastError
	}
	return line
}

// record is the durable part of a definition's state.
type record struct {
	LastRun        time.Time `json:"last_run"`
	LastCompleted  time.Time `json:"last_completed"`
	LastDurationMS int64     `json:"last_duration_ms,omitempty"`
	RunCount       int       `json:"run_count"`
	LastError      string    `json:"last_error,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
}

// StateStore persists run history so interval schedules and persistent
// sessions survive a restart.
type StateStore struct {
	path    string
	mu      sync.Mutex
	records map[string]record
	// saveMu orders writers so an older snapshot never lands last.
	saveMu sync.Mutex
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, records: make(map[string]record)}
}

func (s *StateStore) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read heartbeat state: %w", err)
	}
	records := make(map[string]record)
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("unmarshal heartbeat state: %w", err)
		}
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *StateStore) get(name string) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	return r, ok
}

// put records r and rewrites the file.
func (s *StateStore) put(name string, r record) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.records[name] = r
	data, err := sonic.ConfigStd.MarshalIndent(s.records, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal heartbeat state: %w", err)
	}
	if s.path == "" {
		return nil
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o600)
}

// drop forgets a definition that no longer exists.
func (s *StateStore) drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
}
