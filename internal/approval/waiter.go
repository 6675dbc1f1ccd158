// Package approval blocks on a user's reaction to a posted message.
package approval

import (
	"context"
	"sync"
	"time"
)

type Decision int

const (
	Timeout Decision = iota
	Approve
	Deny
	Choose
)

func (d Decision) String() string {
	switch d {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	case Choose:
		return "choose"
	default:
		return "timeout"
	}
}

const (
	ApproveEmoji = "✅"
	DenyEmoji    = "❌"
)

// MaxOptions is the number of choices that have a keycap emoji.
const MaxOptions = 9

// Result is how a wait ended. Option is the zero-based choice for Choose.
type Result struct {
	Decision Decision
	Emoji    string
	Option   int
}

// OptionEmoji returns the keycap emoji for zero-based option i.
func OptionEmoji(i int) string {
	if i < 0 || i >= MaxOptions {
		return ""
	}
	return string(rune('1'+i)) + "️⃣"
}

func classify(emoji string) (Result, bool) {
	switch emoji {
	case ApproveEmoji, "👍":
		return Result{Decision: Approve, Emoji: emoji}, true
	case DenyEmoji, "👎":
		return Result{Decision: Deny, Emoji: emoji}, true
	}
	for i := 0; i < MaxOptions; i++ {
		if emoji == OptionEmoji(i) {
			return Result{Decision: Choose, Emoji: emoji, Option: i}, true
		}
	}
	return Result{}, false
}

// Waiter pairs pending waits with reactions by message id.
type Waiter struct {
	mu      sync.Mutex
	pending map[string]chan Result
}

func NewWaiter() *Waiter {
	return &Waiter{pending: make(map[string]chan Result)}
}

// Await blocks until messageID receives a recognised reaction, the timeout
// elapses, or ctx is done. Cancellation resolves as Deny.
func (w *Waiter) Await(ctx context.Context, messageID string, timeout time.Duration) Result {
	return w.Expect(messageID).Wait(ctx, timeout)
}

// Expect registers a wait on messageID without blocking, so a reaction that
// lands before Wait is called is kept.
func (w *Waiter) Expect(messageID string) *Expectation {
	e := &Expectation{w: w, messageID: messageID, ch: make(chan Result, 1)}
	w.mu.Lock()
	w.pending[messageID] = e.ch
	w.mu.Unlock()
	return e
}

// Expectation is one registered wait.
type Expectation struct {
	w         *Waiter
	messageID string
	ch        chan Result
}

// Wait blocks like Await and releases the registration on return.
func (e *Expectation) Wait(ctx context.Context, timeout time.Duration) Result {
	defer e.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-e.ch:
		return r
	case <-timer.C:
		return Result{Decision: Timeout}
	case <-ctx.Done():
		return Result{Decision: Deny}
	}
}

// Cancel drops the registration if it is still pending.
func (e *Expectation) Cancel() {
	e.w.mu.Lock()
	if e.w.pending[e.messageID] == e.ch {
		delete(e.w.pending, e.messageID)
	}
	e.w.mu.Unlock()
}

// Resolve delivers emoji to the wait on messageID. It reports whether a
// wait consumed it.
func (w *Waiter) Resolve(messageID, emoji string) bool {
	r, ok := classify(emoji)
	if !ok {
		return false
	}

	w.mu.Lock()
	ch, ok := w.pending[messageID]
	if ok {
		delete(w.pending, messageID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}

	ch <- r
	return true
}

func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
