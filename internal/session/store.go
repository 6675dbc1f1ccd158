package session

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tgifai/relay/internal/pkg/fsutil"
)

// PersistedSession is the durable projection of a conversation's session.
type PersistedSession struct {
	ConversationID string    `json:"-"`
	SessionID      string    `json:"session_id"`
	ChannelID      string    `json:"channel_id"`
	ChatID         string    `json:"chat_id"`
	WorkingDir     string    `json:"working_dir"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	Paused         bool      `json:"paused"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	MessageCount   int64     `json:"message_count"`
}

// Store persists PersistedSession records to one JSON file keyed by
// conversation id.
type Store struct {
	path    string
	records map[string]PersistedSession
	mu      sync.RWMutex
	// saveMu orders writers so an older snapshot never lands last.
	saveMu sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{
		path:    path,
		records: make(map[string]PersistedSession),
	}
}

// Load reads the file. A missing file is an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session store: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	records := make(map[string]PersistedSession)
	if err := sonic.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("unmarshal session store: %w", err)
	}
	for id, rec := range records {
		rec.ConversationID = id
		records[id] = rec
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

// Save writes all records atomically.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	data, err := sonic.ConfigStd.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	return nil
}

func (s *Store) Get(id string) (PersistedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Update applies fn to the record for id, creating it when absent, then
// persists the store.
func (s *Store) Update(id string, fn func(rec *PersistedSession)) (PersistedSession, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		rec = PersistedSession{ConversationID: id, StartedAt: time.Now()}
	}
	fn(&rec)
	rec.ConversationID = id
	s.records[id] = rec
	s.mu.Unlock()

	return rec, s.Save()
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Save()
}

// List returns all records ordered by most recent activity.
func (s *Store) List() []PersistedSession {
	s.mu.RLock()
	out := make([]PersistedSession, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}
