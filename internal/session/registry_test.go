package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tgifai/relay/internal/agentx"
)

type fakeProc struct {
	mu      sync.Mutex
	id      string
	stats   agentx.Stats
	sent    []string
	handler agentx.Handler
	killed  bool
	done    chan struct{}
	once    sync.Once
}

func newFakeProc(id string) *fakeProc {
	return &fakeProc{id: id, done: make(chan struct{})}
}

func (p *fakeProc) SetHandler(h agentx.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *fakeProc) SendMessage(text string) bool {
	if p.Exited() {
		return false
	}
	p.mu.Lock()
	p.sent = append(p.sent, text)
	p.mu.Unlock()
	return true
}

func (p *fakeProc) Interrupt() error { return nil }

func (p *fakeProc) Terminate(time.Duration) { p.Kill() }

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProc) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *fakeProc) Stats() agentx.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *fakeProc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) addTurn(st agentx.Stats) {
	p.mu.Lock()
	p.stats = p.stats.Add(st)
	p.mu.Unlock()
}

type spawnRecorder struct {
	mu      sync.Mutex
	calls   []agentx.Options
	procs   []*fakeProc
	delay   time.Duration
	failFor func(opts agentx.Options) error
}

func (s *spawnRecorder) spawn(_ context.Context, opts agentx.Options) (Process, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	if s.failFor != nil {
		if err := s.failFor(opts); err != nil {
			return nil, err
		}
	}
	p := newFakeProc(opts.ResumeID)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *spawnRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestRegistry(t *testing.T, sp *spawnRecorder) *Registry {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	return NewRegistry(store, Options{
		Base:              agentx.Options{Binary: "claude", PermissionMode: "acceptEdits"},
		DefaultWorkingDir: "/work",
		Spawner:           sp.spawn,
	})
}

func TestGetOrCreateConcurrentReturnsSameHandle(t *testing.T) {
	sp := &spawnRecorder{delay: 50 * time.Millisecond}
	reg := newTestRegistry(t, sp)

	const callers = 8
	var (
		wg      sync.WaitGroup
		handles [callers]*Session
		errs    atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(context.Background(), "tg:42")
			if err != nil {
				errs.Add(1)
				return
			}
			handles[i] = s
		}(i)
	}
	wg.Wait()

	if errs.Load() != 0 {
		t.Fatalf("%d callers failed", errs.Load())
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if got := sp.count(); got != 1 {
		t.Fatalf("spawn count = %d, want 1", got)
	}
	if handles[0].ChannelID != "tg" || handles[0].ChatID != "42" || handles[0].WorkingDir != "/work" {
		t.Fatalf("session = %+v", handles[0])
	}
}

func TestGetOrCreateResumeFallsBackToFresh(t *testing.T) {
	sp := &spawnRecorder{failFor: func(opts agentx.Options) error {
		if opts.ResumeID != "" {
			return agentx.ErrResumeFailed
		}
		return nil
	}}
	reg := newTestRegistry(t, sp)
	if _, err := reg.Store().Update("tg:1", func(p *PersistedSession) {
		p.SessionID = "stale"
		p.WorkingDir = "/proj"
	}); err != nil {
		t.Fatal(err)
	}

	s, err := reg.GetOrCreate(context.Background(), "tg:1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s.Resumed {
		t.Fatal("session should not be marked resumed")
	}
	if sp.count() != 2 {
		t.Fatalf("spawn count = %d, want 2 (resume then fresh)", sp.count())
	}
	if sp.calls[0].ResumeID != "stale" || sp.calls[1].ResumeID != "" {
		t.Fatalf("spawn calls = %+v", sp.calls)
	}
	if sp.calls[1].WorkingDir != "/proj" {
		t.Fatalf("fresh session dir = %q, want persisted /proj", sp.calls[1].WorkingDir)
	}
	rec, _ := reg.Store().Get("tg:1")
	if rec.SessionID != "" {
		t.Fatalf("stale id kept in store: %q", rec.SessionID)
	}
}

func TestGetOrCreateResumes(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	_, _ = reg.Store().Update("tg:1", func(p *PersistedSession) { p.SessionID = "ext-9" })

	s, err := reg.GetOrCreate(context.Background(), "tg:1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !s.Resumed || s.ExternalID() != "ext-9" {
		t.Fatalf("resumed=%v external=%q", s.Resumed, s.ExternalID())
	}
	if sp.calls[0].PermissionMode != "acceptEdits" {
		t.Fatalf("base options not applied: %+v", sp.calls[0])
	}
}

func TestGetOrCreateSpawnFailure(t *testing.T) {
	boom := errors.New("no such binary")
	sp := &spawnRecorder{failFor: func(agentx.Options) error { return boom }}
	reg := newTestRegistry(t, sp)

	if _, err := reg.GetOrCreate(context.Background(), "tg:1"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if reg.LiveCount() != 0 {
		t.Fatal("failed spawn left a live entry")
	}
}

func TestGetOrCreateReplacesExitedProcess(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)

	first, _ := reg.GetOrCreate(context.Background(), "tg:1")
	first.Process().Kill()

	second, err := reg.GetOrCreate(context.Background(), "tg:1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if second == first {
		t.Fatal("exited session was reused")
	}
}

func TestStopKillsAndKeepsRecord(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()

	s, _ := reg.GetOrCreate(ctx, "tg:1")
	if err := reg.Stop(ctx, "tg:1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !s.Process().(*fakeProc).killed {
		t.Fatal("process not killed")
	}
	if _, ok := reg.Get("tg:1"); ok {
		t.Fatal("session still live after Stop")
	}
	if _, ok := reg.Store().Get("tg:1"); !ok {
		t.Fatal("persisted record removed by Stop")
	}
	if err := reg.Stop(ctx, "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Stop err = %v, want ErrNotFound", err)
	}
}

func TestSaveStatsAccumulatesDeltas(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()

	s, _ := reg.GetOrCreate(ctx, "tg:1")
	proc := s.Process().(*fakeProc)

	proc.addTurn(agentx.Stats{InputTokens: 100, OutputTokens: 10, CostUSD: 0.5})
	proc.mu.Lock()
	proc.id = "ext-1"
	proc.mu.Unlock()
	if err := reg.SaveStats(ctx, "tg:1"); err != nil {
		t.Fatalf("SaveStats: %v", err)
	}
	proc.addTurn(agentx.Stats{InputTokens: 50, OutputTokens: 5, CostUSD: 0.25})
	if err := reg.SaveStats(ctx, "tg:1"); err != nil {
		t.Fatalf("SaveStats: %v", err)
	}

	rec, _ := reg.Store().Get("tg:1")
	if rec.InputTokens != 150 || rec.OutputTokens != 15 || rec.CostUSD != 0.75 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.MessageCount != 2 || rec.SessionID != "ext-1" {
		t.Fatalf("record = %+v", rec)
	}

	if err := reg.SaveStats(ctx, "tg:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveStats(missing) err = %v, want ErrNotFound", err)
	}
}

func TestSaveStatsAfterExitedSessionEvicted(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()

	s, _ := reg.GetOrCreate(ctx, "tg:1")
	proc := s.Process().(*fakeProc)
	proc.addTurn(agentx.Stats{InputTokens: 40, OutputTokens: 4, CostUSD: 0.1})
	proc.mu.Lock()
	proc.id = "ext-9"
	proc.mu.Unlock()

	// The process exits right after its result and a status lookup evicts it
	// before the exchange saves its stats.
	proc.Kill()
	if _, ok := reg.Get("tg:1"); ok {
		t.Fatal("Get returned an exited session")
	}
	if err := reg.SaveStats(ctx, "tg:1"); err != nil {
		t.Fatalf("SaveStats after eviction: %v", err)
	}

	rec, _ := reg.Store().Get("tg:1")
	if rec.SessionID != "ext-9" || rec.InputTokens != 40 || rec.MessageCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if err := reg.SaveStats(ctx, "tg:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second SaveStats err = %v, want ErrNotFound", err)
	}

	// The next message resumes the saved id.
	if _, err := reg.GetOrCreate(ctx, "tg:1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if got := sp.calls[len(sp.calls)-1].ResumeID; got != "ext-9" {
		t.Fatalf("ResumeID = %q, want ext-9", got)
	}
}

func TestForgetDropsExternalID(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()
	_, _ = reg.Store().Update("tg:1", func(p *PersistedSession) {
		p.SessionID = "ext-1"
		p.WorkingDir = "/proj"
		p.MessageCount = 7
	})
	_, _ = reg.GetOrCreate(ctx, "tg:1")

	if err := reg.Forget(ctx, "tg:1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	rec, ok := reg.Store().Get("tg:1")
	if !ok || rec.SessionID != "" || rec.MessageCount != 0 || rec.WorkingDir != "/proj" {
		t.Fatalf("record after Forget = %+v", rec)
	}

	_, _ = reg.GetOrCreate(ctx, "tg:1")
	if last := sp.calls[len(sp.calls)-1]; last.ResumeID != "" {
		t.Fatalf("session after Forget resumed %q", last.ResumeID)
	}
}

func TestPauseAndWorkingDir(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()

	if reg.IsPaused("tg:1") {
		t.Fatal("unknown conversation reported paused")
	}
	if err := reg.SetPaused("tg:1", true); err != nil {
		t.Fatal(err)
	}
	if !reg.IsPaused("tg:1") {
		t.Fatal("IsPaused = false after SetPaused(true)")
	}

	if got := reg.WorkingDir("tg:2"); got != "/work" {
		t.Fatalf("default WorkingDir = %q", got)
	}
	_, _ = reg.GetOrCreate(ctx, "tg:2")
	if err := reg.SetWorkingDir(ctx, "tg:2", "/other"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("tg:2"); ok {
		t.Fatal("live session survived a working dir change")
	}
	s, _ := reg.GetOrCreate(ctx, "tg:2")
	if s.WorkingDir != "/other" {
		t.Fatalf("WorkingDir = %q, want /other", s.WorkingDir)
	}
}

func TestShutdownKillsAll(t *testing.T) {
	sp := &spawnRecorder{}
	reg := newTestRegistry(t, sp)
	ctx := context.Background()
	_, _ = reg.GetOrCreate(ctx, "tg:1")
	_, _ = reg.GetOrCreate(ctx, "tg:2")

	reg.Shutdown(ctx)

	if reg.LiveCount() != 0 {
		t.Fatalf("LiveCount = %d after Shutdown", reg.LiveCount())
	}
	for _, p := range sp.procs {
		if !p.killed {
			t.Fatal("process survived Shutdown")
		}
	}
	if len(reg.List()) != 2 {
		t.Fatalf("List = %+v, want both persisted records", reg.List())
	}
}

func TestStorePersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s1 := NewStore(path)
	if _, err := s1.Update("dc:abc:def", func(p *PersistedSession) {
		p.SessionID = "ext"
		p.Paused = true
		p.CostUSD = 1.5
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s2 := NewStore(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, ok := s2.Get("dc:abc:def")
	if !ok || rec.SessionID != "ext" || !rec.Paused || rec.CostUSD != 1.5 || rec.ConversationID != "dc:abc:def" {
		t.Fatalf("reloaded = %+v", rec)
	}

	if err := NewStore(filepath.Join(t.TempDir(), "missing.json")).Load(); err != nil {
		t.Fatalf("Load(missing) = %v, want nil", err)
	}
}

func TestSplitConversationID(t *testing.T) {
	ch, chat := SplitConversationID(ConversationID("dc", "guild:chan"))
	if ch != "dc" || chat != "guild:chan" {
		t.Fatalf("split = %q, %q", ch, chat)
	}
}
