package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tgifai/relay/internal/consts"
	"github.com/tgifai/relay/internal/pkg/logs"
	"github.com/tgifai/relay/internal/pkg/prometheus"
	"github.com/tgifai/relay/internal/pkg/utils"
)

const (
	DefaultTick    = 30 * time.Second
	DefaultTimeout = 10 * time.Minute
)

var (
	ErrUnknown = errors.New("unknown heartbeat")
	ErrRunning = errors.New("heartbeat is already running")
)

// RunResult is what a finished run reports back to the scheduler.
type RunResult struct {
	SessionID string
}

// RunFunc executes one heartbeat. It must return promptly once ctx is done,
// after force-stopping whatever it started. resumeID is the session id kept
// from the previous run of a persistent definition.
type RunFunc func(ctx context.Context, def Definition, resumeID string) (RunResult, error)

type Options struct {
	DefinitionsPath string
	StatePath       string
	Tick            time.Duration
	DefaultTimeout  time.Duration
	// Watch adds a filesystem watcher so edits are picked up before the
	// next tick.
	Watch bool
	Run   RunFunc
}

// entry is the scheduler-owned state of one definition. Fields change only
// through the transition methods below, with Scheduler.mu held.
type entry struct {
	def     *Definition
	pending *Definition // replaces def once the in-flight run ends
	removed bool        // delete once the in-flight run ends

	status       Status
	nextRun      time.Time
	lastRun      time.Time
	lastDone     time.Time
	lastDuration time.Duration
	runCount     int
	lastError    string
	sessionID    string
}

func (e *entry) schedule(now time.Time) {
	if !e.def.IsEnabled() {
		e.status, e.nextRun = StatusDisabled, time.Time{}
		return
	}
	next, err := NextRun(e.def, e.lastRun, now)
	if err != nil {
		e.status, e.nextRun, e.lastError = StatusDisabled, time.Time{}, err.Error()
		return
	}
	if next.IsZero() {
		e.status, e.nextRun = StatusDisabled, time.Time{}
		return
	}
	if e.def.Kind() == ScheduleInterval && e.lastRun.IsZero() && e.def.Jitter > 0 {
		next = next.Add(utils.Jitter(time.Duration(e.def.Jitter) * time.Second))
	}
	e.status, e.nextRun = StatusIdle, next
}

func (e *entry) due(now time.Time) bool {
	return e.status == StatusIdle && !e.nextRun.IsZero() && !e.nextRun.After(now)
}

func (e *entry) begin(now time.Time) {
	e.status = StatusRunning
	e.lastRun = now
}

// finish records a completed run, timed out or not, and applies any
// definition change that arrived while it was running.
func (e *entry) finish(now time.Time, took time.Duration, res RunResult, runErr error) {
	e.runCount++
	e.lastDone = now
	e.lastDuration = took
	e.lastError = ""
	if runErr != nil {
		e.lastError = runErr.Error()
	}
	if e.def.Persistent && res.SessionID != "" {
		e.sessionID = res.SessionID
	}
	if e.pending != nil {
		e.def, e.pending = e.pending, nil
	}
	if e.def.Once {
		disabled := false
		e.def.Enabled = &disabled
	}
	e.schedule(now)
}

// abort undoes begin for a run cut short by shutdown. The run does not count
// and a once definition stays enabled, so it fires again after a restart.
func (e *entry) abort(now, prevRun time.Time) {
	e.lastRun = prevRun
	if e.pending != nil {
		e.def, e.pending = e.pending, nil
	}
	e.schedule(now)
}

func (e *entry) record() record {
	return record{
		LastRun:        e.lastRun,
		LastCompleted:  e.lastDone,
		LastDurationMS: e.lastDuration.Milliseconds(),
		RunCount:       e.runCount,
		LastError:      e.lastError,
		SessionID:      e.sessionID,
	}
}

func (e *entry) snapshot(name string) State {
	return State{
		Name:           name,
		Status:         e.status,
		Schedule:       e.def.Schedule(),
		Destination:    e.def.Destination,
		Persistent:     e.def.Persistent,
		Once:           e.def.Once,
		NextRun:        e.nextRun,
		LastRun:        e.lastRun,
		LastCompleted:  e.lastDone,
		LastDurationMS: e.lastDuration.Milliseconds(),
		RunCount:       e.runCount,
		LastError:      e.lastError,
		SessionID:      e.sessionID,
		PendingDelete:  e.removed,
		Definition:     *e.def,
	}
}

// Scheduler fires heartbeat definitions on their schedules. It alone owns
// the name to state map.
type Scheduler struct {
	opts  Options
	state *StateStore
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	fileMod   time.Time
	fileSize  int64
	fileKnown bool

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	return &Scheduler{
		opts:    opts,
		state:   NewStateStore(opts.StatePath),
		now:     time.Now,
		entries: make(map[string]*entry),
		kick:    make(chan struct{}, 1),
	}
}

// Load reads persisted state and the definitions file. A parse error here is
// returned; later reload errors only log.
func (s *Scheduler) Load(ctx context.Context) error {
	if err := s.state.Load(); err != nil {
		return err
	}
	info, err := os.Stat(s.opts.DefinitionsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat heartbeats: %w", err)
	}
	defs, err := LoadDefinitions(s.opts.DefinitionsPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rememberFileLocked(info)
	s.reconcileLocked(defs, s.now())
	n := len(s.entries)
	s.mu.Unlock()

	logs.CtxInfo(ctx, "[heartbeat] loaded %d definitions from %s", n, s.opts.DefinitionsPath)
	return nil
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.opts.Watch {
		if err := s.watch(ctx); err != nil {
			logs.CtxWarn(ctx, "[heartbeat] file watch disabled: %v", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	logs.CtxInfo(ctx, "[heartbeat] scheduler started (tick=%s)", s.opts.Tick)
	return nil
}

// Stop cancels the loop and in-flight runs, then waits for them to record
// their outcome.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[heartbeat] stop timed out waiting for running heartbeats")
	}
	logs.CtxInfo(ctx, "[heartbeat] scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.reloadIfChanged(ctx)
		s.tick(ctx)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

type dispatch struct {
	name     string
	def      Definition
	resumeID string
	started  time.Time
	prevRun  time.Time
}

// tick dispatches every due definition on its own goroutine.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []dispatch
	for name, e := range s.entries {
		if !e.due(now) {
			continue
		}
		prev := e.lastRun
		e.begin(now)
		due = append(due, dispatch{name: name, def: *e.def, resumeID: e.sessionID, started: now, prevRun: prev})
	}
	s.mu.Unlock()

	for _, d := range due {
		s.wg.Add(1)
		go func(d dispatch) {
			defer s.wg.Done()
			s.execute(ctx, d)
		}(d)
	}
}

func (s *Scheduler) execute(ctx context.Context, d dispatch) {
	ctx = logs.WithNewLogID(context.WithValue(ctx, consts.CtxKeyHeartbeat, d.name))
	timeout := d.def.TimeoutDuration(s.opts.DefaultTimeout)
	logs.CtxInfo(ctx, "[heartbeat] %s: run started (timeout=%s)", d.name, timeout)

	res, err := s.runWithTimeout(ctx, d, timeout)
	took := time.Since(d.started)

	outcome := prometheus.OutcomeOK
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = prometheus.OutcomeTimeout
		err = fmt.Errorf("timed out after %s", timeout)
		logs.CtxWarn(ctx, "[heartbeat] %s: %v, process killed", d.name, err)
	case errors.Is(err, context.Canceled), err != nil && ctx.Err() != nil:
		outcome = prometheus.OutcomeAborted
		logs.CtxWarn(ctx, "[heartbeat] %s: canceled, will run again", d.name)
	case err != nil:
		outcome = prometheus.OutcomeFailed
		logs.CtxError(ctx, "[heartbeat] %s: run failed: %v", d.name, err)
	default:
		logs.CtxInfo(ctx, "[heartbeat] %s: run completed in %s", d.name, took.Round(time.Millisecond))
	}
	prometheus.HeartbeatRunsTotal.WithLabelValues(outcome).Inc()
	prometheus.HeartbeatRunSeconds.Observe(took.Seconds())

	aborted := outcome == prometheus.OutcomeAborted
	if d.def.Once && !aborted {
		if derr := DisableInFile(s.opts.DefinitionsPath, d.name); derr != nil {
			logs.CtxError(ctx, "[heartbeat] %s: disable after single run: %v", d.name, derr)
		}
	}

	s.mu.Lock()
	e, ok := s.entries[d.name]
	var rec record
	removed := false
	if ok {
		if aborted {
			e.abort(s.now(), d.prevRun)
		} else {
			e.finish(s.now(), took, res, err)
		}
		rec = e.record()
		if e.removed {
			delete(s.entries, d.name)
			removed = true
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if removed {
		s.state.drop(d.name)
		logs.CtxInfo(ctx, "[heartbeat] %s: removed after its last run", d.name)
		return
	}
	if perr := s.state.put(d.name, rec); perr != nil {
		logs.CtxWarn(ctx, "[heartbeat] %s: persist state: %v", d.name, perr)
	}
}

// runWithTimeout bounds a run. If the runner ignores its deadline the run is
// abandoned after a short grace so the definition does not stay Running.
func (s *Scheduler) runWithTimeout(ctx context.Context, d dispatch, timeout time.Duration) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res RunResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.opts.Run(runCtx, d.def, d.resumeID)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		if o.err == nil && runCtx.Err() == context.DeadlineExceeded {
			return o.res, runCtx.Err()
		}
		return o.res, o.err
	case <-runCtx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case o := <-ch:
		if o.err == nil {
			o.err = runCtx.Err()
		}
		return o.res, o.err
	case <-grace.C:
		return RunResult{}, runCtx.Err()
	}
}

var abandonGrace = 10 * time.Second

// RunNow makes name due on the next tick and wakes the loop.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	if e.status == StatusRunning {
		s.mu.Unlock()
		return ErrRunning
	}
	e.status, e.nextRun = StatusIdle, s.now()
	s.mu.Unlock()

	s.wake()
	return nil
}

// Snapshot returns the state of every definition ordered by name.
func (s *Scheduler) Snapshot() []State {
	s.mu.Lock()
	out := make([]State, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, e.snapshot(name))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Get(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return State{}, false
	}
	return e.snapshot(name), true
}
