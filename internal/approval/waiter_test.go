package approval

import (
	"context"
	"testing"
	"time"
)

func TestAwaitResolvedByReaction(t *testing.T) {
	tests := []struct {
		emoji  string
		want   Decision
		option int
	}{
		{ApproveEmoji, Approve, 0},
		{"👎", Deny, 0},
		{OptionEmoji(2), Choose, 2},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			w := NewWaiter()
			done := make(chan Result, 1)
			go func() { done <- w.Await(context.Background(), "m1", time.Second) }()

			deadline := time.Now().Add(time.Second)
			for w.Pending() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if !w.Resolve("m1", tt.emoji) {
				t.Fatal("Resolve was not consumed")
			}

			r := <-done
			if r.Decision != tt.want || r.Option != tt.option {
				t.Fatalf("Await = %+v, want %v option %d", r, tt.want, tt.option)
			}
		})
	}
}

func TestAwaitTimeout(t *testing.T) {
	w := NewWaiter()
	start := time.Now()
	r := w.Await(context.Background(), "m1", 30*time.Millisecond)
	if r.Decision != Timeout {
		t.Fatalf("Decision = %v, want timeout", r.Decision)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the deadline")
	}
	if w.Pending() != 0 {
		t.Fatalf("Pending = %d after timeout", w.Pending())
	}
}

func TestAwaitCanceledIsDeny(t *testing.T) {
	w := NewWaiter()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := w.Await(ctx, "m1", time.Second); r.Decision != Deny {
		t.Fatalf("Decision = %v, want deny", r.Decision)
	}
}

func TestResolveIgnoresUnknown(t *testing.T) {
	w := NewWaiter()
	if w.Resolve("m1", ApproveEmoji) {
		t.Fatal("Resolve without a waiter should not be consumed")
	}
	if w.Resolve("m1", "🎉") {
		t.Fatal("unrecognised emoji should not be consumed")
	}
	if OptionEmoji(0) != "1️⃣" || OptionEmoji(MaxOptions) != "" {
		t.Fatalf("OptionEmoji(0) = %q", OptionEmoji(0))
	}
}

func TestExpectKeepsEarlyReaction(t *testing.T) {
	w := NewWaiter()
	e := w.Expect("m1")
	if !w.Resolve("m1", OptionEmoji(0)) {
		t.Fatal("Resolve before Wait was not consumed")
	}
	r := e.Wait(context.Background(), time.Second)
	if r.Decision != Choose || r.Option != 0 {
		t.Fatalf("Wait = %+v, want choose 0", r)
	}

	e = w.Expect("m2")
	e.Cancel()
	if w.Pending() != 0 || w.Resolve("m2", ApproveEmoji) {
		t.Fatal("canceled expectation still pending")
	}
}
