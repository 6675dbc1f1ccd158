package agentx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tgifai/relay/internal/consts"
	"github.com/tgifai/relay/internal/pkg/logs"
)

const (
	maxStderrBytes = 64 << 10
	killWait       = 5 * time.Second

	// DefaultResumeGrace covers the CLI rejecting an unknown session id, which
	// it does before reading any input.
	DefaultResumeGrace = 2 * time.Second
)

var ErrResumeFailed = errors.New("resume failed")

// Options configures one assistant process.
type Options struct {
	Binary         string
	WorkingDir     string
	PermissionMode string
	Model          string
	ExtraArgs      []string
	// ResumeID continues an existing conversation instead of starting one.
	ResumeID string
	// ResumeGrace is how long Start watches a resumed process for an early
	// exit before declaring the resume good.
	ResumeGrace time.Duration
	Env         []string
}

func (o *Options) args() []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if o.ResumeID != "" {
		args = append(args, "--resume", o.ResumeID)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	return append(args, o.ExtraArgs...)
}

// Handler receives decoded events on the session's reader goroutine.
// Implementations must not block.
type Handler interface {
	OnEvent(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) OnEvent(ev Event) { f(ev) }

// Session owns one running assistant process.
type Session struct {
	opts  Options
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	stderr  *limitedBuffer
	done    chan struct{}

	mu        sync.RWMutex
	handler   Handler
	sessionID string
	stats     Stats
	lastTurn  Stats
	turns     int
	exitCode  int
	waitErr   error
	startedAt time.Time

	// context size of the latest assistant message in the current turn
	msgContext int64
}

// Start spawns the process. Spawn failures are returned as-is; a resumed
// process that dies within ResumeGrace yields ErrResumeFailed.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if opts.Binary == "" {
		opts.Binary = consts.DefaultClaudeBinary
	}

	cmd := exec.Command(opts.Binary, opts.args()...)
	cmd.Dir = opts.WorkingDir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := newLimitedBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Binary, err)
	}

	s := &Session{
		opts:      opts,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		done:      make(chan struct{}),
		sessionID: opts.ResumeID,
		startedAt: time.Now(),
	}
	go s.readLoop(ctx, stdout)

	logs.CtxInfo(ctx, "[agentx] started pid=%d dir=%s resume=%q", cmd.Process.Pid, opts.WorkingDir, opts.ResumeID)

	if opts.ResumeID != "" && opts.ResumeGrace > 0 {
		select {
		case <-s.done:
			return nil, fmt.Errorf("%w: %s exited with code %d: %s",
				ErrResumeFailed, opts.ResumeID, s.ExitCode(), s.Stderr())
		case <-time.After(opts.ResumeGrace):
		}
	}
	return s, nil
}

func (s *Session) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(s.done)

	r := bufio.NewReaderSize(stdout, 64<<10)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.dispatch(ctx, trimmed)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logs.CtxWarn(ctx, "[agentx] read stdout: %v", err)
			}
			break
		}
	}

	waitErr := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = waitErr
	if s.cmd.ProcessState != nil {
		s.exitCode = s.cmd.ProcessState.ExitCode()
	}
	s.mu.Unlock()

	if waitErr != nil {
		logs.CtxInfo(ctx, "[agentx] process %s exited: %v %s", s.SessionID(), waitErr, s.Stderr())
	} else {
		logs.CtxDebug(ctx, "[agentx] process %s exited", s.SessionID())
	}
}

func (s *Session) dispatch(ctx context.Context, line []byte) {
	events, err := ParseLine(line)
	if err != nil {
		logs.CtxWarn(ctx, "[agentx] skip malformed line: %v", err)
		return
	}

	for _, ev := range events {
		switch e := ev.(type) {
		case SystemEvent:
			if e.SessionID != "" {
				s.setSessionID(e.SessionID)
			}
		case UsageEvent:
			s.mu.Lock()
			s.msgContext = e.ContextTokens
			s.mu.Unlock()
		case ResultEvent:
			s.mu.Lock()
			if e.SessionID != "" {
				s.sessionID = e.SessionID
			}
			if s.msgContext > 0 {
				e.Stats.ContextTokens = s.msgContext
				s.msgContext = 0
			}
			ev = e
			s.lastTurn = e.Stats
			s.stats = s.stats.Add(e.Stats)
			s.turns++
			s.mu.Unlock()
		case TextEvent, ToolUseEvent, ToolResultEvent:
		}

		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		if h != nil {
			h.OnEvent(ev)
		}
	}
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// SetHandler replaces the event sink; nil drops events.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SendMessage writes one user turn. It reports false when the process has
// exited or the write failed; it never retries.
func (s *Session) SendMessage(text string) bool {
	if s.Exited() {
		return false
	}
	payload, err := EncodeUserTurn(text)
	if err != nil {
		logs.Warn("[agentx] encode user turn: %v", err)
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(payload); err != nil {
		logs.Warn("[agentx] write to %s: %v", s.SessionID(), err)
		return false
	}
	return true
}

// Interrupt asks the process to abandon its current turn.
func (s *Session) Interrupt() error {
	if s.Exited() {
		return nil
	}
	return s.cmd.Process.Signal(os.Interrupt)
}

// Kill force-terminates the process and waits for it to be reaped.
func (s *Session) Kill() {
	if s.Exited() {
		return
	}
	_ = s.stdin.Close()
	_ = s.cmd.Process.Kill()
	select {
	case <-s.done:
	case <-time.After(killWait):
		logs.Warn("[agentx] process %d not reaped after kill", s.cmd.Process.Pid)
	}
}

// Terminate interrupts, waits up to grace for a voluntary exit, then kills.
func (s *Session) Terminate(grace time.Duration) {
	if err := s.Interrupt(); err != nil {
		s.Kill()
		return
	}
	select {
	case <-s.done:
	case <-time.After(grace):
		s.Kill()
	}
}

// Done is closed once the process has exited and its output is drained.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SessionID is the assistant-side conversation id, empty until reported.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Stats is the running total across all completed turns.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// LastTurn is the usage of the most recent completed turn.
func (s *Session) LastTurn() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTurn
}

// Turns counts result lines seen since the process started.
func (s *Session) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// ExitCode is the process exit status, meaningful once Done is closed.
func (s *Session) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

func (s *Session) Stderr() string { return s.stderr.String() }

func (s *Session) Pid() int { return s.cmd.Process.Pid }

func (s *Session) WorkingDir() string { return s.opts.WorkingDir }

func (s *Session) StartedAt() time.Time { return s.startedAt }
