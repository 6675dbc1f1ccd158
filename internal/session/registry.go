package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tgifai/relay/internal/agentx"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/pkg/prometheus"
)

var ErrNotFound = errors.New("session not found")

type Options struct {
	// Base carries binary, permission mode, model and extra args.
	Base              agentx.Options
	DefaultWorkingDir string
	StopGrace         time.Duration
	Spawner           Spawner
}

// Registry owns the conversation id -> live Session map.
type Registry struct {
	store *Store
	opts  Options
	spawn Spawner

	mu   sync.Mutex
	live map[string]*Session
	// exited holds sessions evicted because their process ended, until their
	// last stats are saved.
	exited map[string]*Session

	creating singleflight.Group
}

// NewRegistry returns an empty registry persisting to store.
func NewRegistry(store *Store, opts Options) *Registry {
	if opts.Spawner == nil {
		opts.Spawner = DefaultSpawner
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Registry{
		store: store,
		opts:  opts,
		spawn: opts.Spawner,
		live:   make(map[string]*Session),
		exited: make(map[string]*Session),
	}
}

// Store exposes the persisted records behind the registry.
func (r *Registry) Store() *Store { return r.store }

// GetOrCreate returns the live session for id, resuming a persisted one or
// starting a fresh one when none is live. Concurrent callers for the same id
// receive the same handle.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if s := r.lookup(id); s != nil {
		return s, nil
	}

	v, err, _ := r.creating.Do(id, func() (any, error) {
		if s := r.lookup(id); s != nil {
			return s, nil
		}
		if old := r.takeExited(id); old != nil {
			r.persistStats(ctx, old, false)
		}
		s, err := r.create(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.live[id] = s
		n := len(r.live)
		r.mu.Unlock()
		prometheus.SessionsLive.Set(float64(n))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// lookup returns the live session for id, evicting it if its process exited.
func (r *Registry) lookup(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return nil
	}
	if s.proc.Exited() {
		delete(r.live, id)
		r.exited[id] = s
		prometheus.SessionsLive.Set(float64(len(r.live)))
		return nil
	}
	return s
}

func (r *Registry) create(ctx context.Context, id string) (*Session, error) {
	rec, persisted := r.store.Get(id)

	opts := r.opts.Base
	opts.WorkingDir = r.opts.DefaultWorkingDir
	if persisted && rec.WorkingDir != "" {
		opts.WorkingDir = rec.WorkingDir
	}

	var (
		proc    Process
		err     error
		resumed bool
	)
	if persisted && rec.SessionID != "" {
		opts.ResumeID = rec.SessionID
		proc, err = r.spawn(ctx, opts)
		if err != nil {
			logs.CtxWarn(ctx, "[session] resume %s (%s) failed, starting fresh: %v", id, rec.SessionID, err)
			opts.ResumeID = ""
		} else {
			resumed = true
		}
	}
	if proc == nil {
		proc, err = r.spawn(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("spawn session for %s: %w", id, err)
		}
	}

	channelID, chatID := SplitConversationID(id)
	s := &Session{
		ConversationID: id,
		ChannelID:      channelID,
		ChatID:         chatID,
		WorkingDir:     opts.WorkingDir,
		PermissionMode: opts.PermissionMode,
		Resumed:        resumed,
		StartedAt:      time.Now(),
		proc:           proc,
	}

	_, err = r.store.Update(id, func(p *PersistedSession) {
		p.ChannelID = channelID
		p.ChatID = chatID
		p.WorkingDir = opts.WorkingDir
		p.LastActivity = time.Now()
		if !resumed {
			p.SessionID = ""
		}
	})
	if err != nil {
		logs.CtxWarn(ctx, "[session] persist %s: %v", id, err)
	}

	logs.CtxInfo(ctx, "[session] %s ready (resumed=%v dir=%s)", id, resumed, opts.WorkingDir)
	return s, nil
}

// takeExited removes and returns the evicted session for id, if any.
func (r *Registry) takeExited(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.exited[id]
	if ok {
		delete(r.exited, id)
	}
	return s
}

// Get returns the live session without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	s := r.lookup(id)
	return s, s != nil
}

// Stop kills and removes the live session for id. Its persisted record is
// kept so the next message resumes it.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.live[id]
	delete(r.live, id)
	gone, wasExited := r.exited[id]
	delete(r.exited, id)
	n := len(r.live)
	r.mu.Unlock()
	if !ok {
		if wasExited {
			r.persistStats(ctx, gone, false)
		}
		return ErrNotFound
	}
	prometheus.SessionsLive.Set(float64(n))

	r.persistStats(ctx, s, false)
	s.proc.Kill()
	logs.CtxInfo(ctx, "[session] %s stopped", id)
	return nil
}

// Interrupt cancels the in-flight turn: interrupt, wait StopGrace, then kill.
// The session is resumed on the next message.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	r.persistStats(ctx, s, false)
	s.proc.Terminate(r.opts.StopGrace)
	return nil
}

// Forget stops the session and drops its persisted record, so the next
// message starts a new conversation.
func (r *Registry) Forget(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	rec, ok := r.store.Get(id)
	if !ok {
		return nil
	}
	_, err := r.store.Update(id, func(p *PersistedSession) {
		*p = PersistedSession{
			ChannelID:  rec.ChannelID,
			ChatID:     rec.ChatID,
			WorkingDir: rec.WorkingDir,
			Paused:     rec.Paused,
			StartedAt:  time.Now(),
		}
	})
	return err
}

// SaveStats folds usage accrued since the last save into the persisted
// record and counts one completed exchange.
func (r *Registry) SaveStats(ctx context.Context, id string) error {
	// Read the maps directly: a process that exited right after its result
	// still has stats worth keeping, even if a lookup already evicted it.
	r.mu.Lock()
	s, ok := r.live[id]
	if !ok {
		s, ok = r.exited[id]
		delete(r.exited, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return r.persistStats(ctx, s, true)
}

func (r *Registry) persistStats(ctx context.Context, s *Session, exchange bool) error {
	delta := s.unsaved()
	externalID := s.proc.SessionID()
	_, err := r.store.Update(s.ConversationID, func(p *PersistedSession) {
		if externalID != "" {
			p.SessionID = externalID
		}
		p.InputTokens += delta.InputTokens + delta.CacheReadTokens + delta.CacheCreationTokens
		p.OutputTokens += delta.OutputTokens
		p.CostUSD += delta.CostUSD
		p.LastActivity = time.Now()
		if exchange {
			p.MessageCount++
		}
	})
	if err != nil {
		logs.CtxWarn(ctx, "[session] save stats %s: %v", s.ConversationID, err)
	}
	return err
}

// SetPaused records whether inbound messages for id are ignored.
func (r *Registry) SetPaused(id string, paused bool) error {
	_, err := r.store.Update(id, func(p *PersistedSession) {
		p.ChannelID, p.ChatID = SplitConversationID(id)
		p.Paused = paused
	})
	return err
}

// IsPaused reports the flag set by SetPaused. Unknown ids are not paused.
func (r *Registry) IsPaused(id string) bool {
	rec, ok := r.store.Get(id)
	return ok && rec.Paused
}

// SetWorkingDir moves the conversation to dir. The live session is stopped
// and the assistant-side id dropped, since it is bound to the old directory.
func (r *Registry) SetWorkingDir(ctx context.Context, id, dir string) error {
	if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := r.store.Update(id, func(p *PersistedSession) {
		p.ChannelID, p.ChatID = SplitConversationID(id)
		p.WorkingDir = dir
		p.SessionID = ""
	})
	return err
}

// WorkingDir reports the directory the conversation runs in.
func (r *Registry) WorkingDir(id string) string {
	if s, ok := r.Get(id); ok {
		return s.WorkingDir
	}
	if rec, ok := r.store.Get(id); ok && rec.WorkingDir != "" {
		return rec.WorkingDir
	}
	return r.opts.DefaultWorkingDir
}

// Info is a read-only view of one conversation.
type Info struct {
	PersistedSession
	ConversationID string       `json:"conversation_id"`
	Live           bool         `json:"live"`
	Stats          agentx.Stats `json:"stats"`
}

// Describe returns the persisted record merged with live stats.
func (r *Registry) Describe(id string) (Info, bool) {
	rec, persisted := r.store.Get(id)
	s, live := r.Get(id)
	if !persisted && !live {
		return Info{}, false
	}
	info := Info{PersistedSession: rec, Live: live}
	info.ConversationID = id
	if live {
		info.Stats = s.proc.Stats()
		if ext := s.proc.SessionID(); ext != "" {
			info.SessionID = ext
		}
	}
	return info, true
}

// List describes every known conversation, live ones first.
func (r *Registry) List() []Info {
	seen := make(map[string]struct{})
	var out []Info
	for _, rec := range r.store.List() {
		if info, ok := r.Describe(rec.ConversationID); ok {
			out = append(out, info)
			seen[rec.ConversationID] = struct{}{}
		}
	}

	r.mu.Lock()
	var extra []string
	for id := range r.live {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	r.mu.Unlock()
	for _, id := range extra {
		if info, ok := r.Describe(id); ok {
			out = append(out, info)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Live && !out[j].Live })
	return out
}

// LiveCount is the number of sessions the registry holds a process for.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Shutdown kills every live process. Persisted records remain for resume.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		all = append(all, s)
	}
	for _, s := range r.exited {
		all = append(all, s)
	}
	r.live = make(map[string]*Session)
	r.exited = make(map[string]*Session)
	r.mu.Unlock()
	prometheus.SessionsLive.Set(0)

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			r.persistStats(ctx, s, false)
			s.proc.Kill()
		}(s)
	}
	wg.Wait()
	logs.CtxInfo(ctx, "[session] shutdown complete, %d processes stopped", len(all))
}
