package agentx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

const echoScript = `#!/bin/sh
printf '%s\n' "$@" > "$(dirname "$0")/args.txt"
echo '{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-test"}'
while IFS= read -r line; do
  echo 'this is not json'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}'
  echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}'
  echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}'
  echo '{"type":"result","subtype":"success","session_id":"sess-1","result":"hello","total_cost_usd":0.01,"duration_ms":1200,"num_turns":1,"usage":{"input_tokens":100,"output_tokens":20},"modelUsage":{"claude-test":{"contextWindow":200000}}}'
done
`

const multiRequestScript = `#!/bin/sh
while IFS= read -r line; do
  echo '{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}],"usage":{"input_tokens":10,"cache_read_input_tokens":5000}}}'
  echo '{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}'
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"done"}],"usage":{"input_tokens":20,"cache_read_input_tokens":6000}}}'
  echo '{"type":"result","subtype":"success","session_id":"sess-2","result":"done","num_turns":2,"usage":{"input_tokens":30,"cache_read_input_tokens":11000},"modelUsage":{"claude-test":{"contextWindow":200000}}}'
done
`

const stubbornScript = `#!/bin/sh
trap '' INT
while IFS= read -r line; do :; done
sleep 30
`

const failResumeScript = `#!/bin/sh
echo "No conversation found with session ID" >&2
exit 1
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	result chan ResultEvent
}

func newRecorder() *recorder {
	return &recorder{result: make(chan ResultEvent, 4)}
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if res, ok := ev.(ResultEvent); ok {
		r.result <- res
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestOptionsArgs(t *testing.T) {
	opts := Options{ResumeID: "abc", PermissionMode: "acceptEdits", Model: "opus", ExtraArgs: []string{"--debug"}}
	want := []string{
		"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose",
		"--resume", "abc", "--permission-mode", "acceptEdits", "--model", "opus", "--debug",
	}
	if got := opts.args(); !reflect.DeepEqual(got, want) {
		t.Fatalf("args() = %v, want %v", got, want)
	}
}

func TestSessionExchange(t *testing.T) {
	bin := writeScript(t, echoScript)
	s, err := Start(context.Background(), Options{Binary: bin, WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill()

	rec := newRecorder()
	s.SetHandler(rec)
	if !s.SendMessage("hi") {
		t.Fatal("SendMessage returned false")
	}

	select {
	case res := <-rec.result:
		if res.Text != "hello" {
			t.Fatalf("result text = %q", res.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	var kinds []string
	for _, ev := range rec.snapshot() {
		switch ev.(type) {
		case SystemEvent:
			kinds = append(kinds, "system")
		case TextEvent:
			kinds = append(kinds, "text")
		case ToolUseEvent:
			kinds = append(kinds, "tool_use")
		case ToolResultEvent:
			kinds = append(kinds, "tool_result")
		case ResultEvent:
			kinds = append(kinds, "result")
		}
	}
	// The init line may arrive before the handler is installed.
	got := strings.Join(kinds, ",")
	if !strings.HasSuffix(got, "text,tool_use,tool_result,result") {
		t.Fatalf("event order = %s", got)
	}

	if s.SessionID() != "sess-1" {
		t.Fatalf("SessionID = %q, want sess-1", s.SessionID())
	}
	st := s.Stats()
	if st.InputTokens != 100 || st.OutputTokens != 20 || st.Model != "claude-test" {
		t.Fatalf("Stats = %#v", st)
	}
	if s.Turns() != 1 {
		t.Fatalf("Turns = %d, want 1", s.Turns())
	}

	args, err := os.ReadFile(filepath.Join(filepath.Dir(bin), "args.txt"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(args), "stream-json") {
		t.Fatalf("args = %q", args)
	}
}

func TestSessionStatsAccumulate(t *testing.T) {
	bin := writeScript(t, echoScript)
	s, err := Start(context.Background(), Options{Binary: bin})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill()

	rec := newRecorder()
	s.SetHandler(rec)
	for i := 0; i < 2; i++ {
		if !s.SendMessage("again") {
			t.Fatal("SendMessage returned false")
		}
		select {
		case <-rec.result:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
	if got := s.Stats().InputTokens; got != 200 {
		t.Fatalf("InputTokens = %d, want 200", got)
	}
	if got := s.LastTurn().InputTokens; got != 100 {
		t.Fatalf("LastTurn InputTokens = %d, want 100", got)
	}
}

func TestSessionContextFromLastAssistantMessage(t *testing.T) {
	bin := writeScript(t, multiRequestScript)
	s, err := Start(context.Background(), Options{Binary: bin})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Kill()

	rec := newRecorder()
	s.SetHandler(rec)
	if !s.SendMessage("read it") {
		t.Fatal("SendMessage returned false")
	}
	var delivered ResultEvent
	select {
	case delivered = <-rec.result:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	if delivered.Stats.ContextTokens != 6020 {
		t.Fatalf("handler ContextTokens = %d, want 6020", delivered.Stats.ContextTokens)
	}

	turn := s.LastTurn()
	if turn.ContextTokens != 6020 {
		t.Fatalf("ContextTokens = %d, want 6020", turn.ContextTokens)
	}
	if turn.CacheReadTokens != 11000 {
		t.Fatalf("CacheReadTokens = %d, want 11000", turn.CacheReadTokens)
	}
}

func TestSessionSendAfterExit(t *testing.T) {
	bin := writeScript(t, echoScript)
	s, err := Start(context.Background(), Options{Binary: bin})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Kill()

	if !s.Exited() {
		t.Fatal("Exited() = false after Kill")
	}
	if s.SendMessage("late") {
		t.Fatal("SendMessage after exit should return false")
	}
	// Second kill is a no-op.
	s.Kill()
}

func TestSessionTerminateEscalates(t *testing.T) {
	bin := writeScript(t, stubbornScript)
	s, err := Start(context.Background(), Options{Binary: bin})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	s.Terminate(200 * time.Millisecond)
	if !s.Exited() {
		t.Fatal("process still running after Terminate")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("Terminate took %v", elapsed)
	}
}

func TestStartMissingBinary(t *testing.T) {
	_, err := Start(context.Background(), Options{Binary: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("Start with missing binary should fail")
	}
}

func TestStartResumeFailure(t *testing.T) {
	bin := writeScript(t, failResumeScript)
	_, err := Start(context.Background(), Options{Binary: bin, ResumeID: "stale", ResumeGrace: 2 * time.Second})
	if !errors.Is(err, ErrResumeFailed) {
		t.Fatalf("Start err = %v, want ErrResumeFailed", err)
	}
	if !strings.Contains(err.Error(), "No conversation found") {
		t.Fatalf("error should carry stderr: %v", err)
	}
}
