package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/tgifai/relay/internal/channel"
	"github.com/tgifai/relay/internal/pkg/prometheus"
)

var ErrQueueFull = errors.New("too many pending messages")

// QueueEntry is one inbound message waiting for its conversation.
type QueueEntry struct {
	Text       string
	EnqueuedAt time.Time
	Message    *channel.Message
}

// DispatchFunc starts an exchange. It is called without the queue lock held
// and must not block; the exchange reports completion with Release.
type DispatchFunc func(id string, entry QueueEntry)

type lane struct {
	busy bool
	buf  []QueueEntry
}

// MessageQueue keeps at most one exchange in flight per conversation and
// services the rest in arrival order.
type MessageQueue struct {
	dispatch   DispatchFunc
	maxPending int

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
}

func NewMessageQueue(maxPending int, dispatch DispatchFunc) *MessageQueue {
	return &MessageQueue{
		dispatch:   dispatch,
		maxPending: maxPending,
		lanes:      make(map[string]*lane),
	}
}

// EnqueueOrDispatch dispatches entry immediately when id is idle, otherwise
// buffers it. It reports whether the entry was dispatched.
func (q *MessageQueue) EnqueueOrDispatch(id string, entry QueueEntry) (bool, error) {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	l, ok := q.lanes[id]
	if !ok {
		l = &lane{}
		q.lanes[id] = l
	}
	if l.busy {
		if q.maxPending > 0 && len(l.buf) >= q.maxPending {
			q.mu.Unlock()
			return false, ErrQueueFull
		}
		l.buf = append(l.buf, entry)
		q.pending++
		q.publishLocked()
		q.mu.Unlock()
		return false, nil
	}
	l.busy = true
	q.mu.Unlock()

	q.dispatch(id, entry)
	return true, nil
}

// Release marks the in-flight exchange for id complete and dispatches the
// next buffered entry, if any.
func (q *MessageQueue) Release(id string) {
	q.mu.Lock()
	l, ok := q.lanes[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if len(l.buf) == 0 {
		delete(q.lanes, id)
		q.mu.Unlock()
		return
	}
	next := l.buf[0]
	l.buf[0] = QueueEntry{}
	l.buf = l.buf[1:]
	q.pending--
	q.publishLocked()
	q.mu.Unlock()

	q.dispatch(id, next)
}

// Dequeue discards buffered entries for id without dispatching them and
// returns how many were dropped. The in-flight exchange, if any, still
// calls Release.
func (q *MessageQueue) Dequeue(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok {
		return 0
	}
	n := len(l.buf)
	l.buf = nil
	q.pending -= n
	q.publishLocked()
	return n
}

// Stop is Dequeue under the name used by session teardown.
func (q *MessageQueue) Stop(id string) int {
	return q.Dequeue(id)
}

func (q *MessageQueue) Busy(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	return ok && l.busy
}

func (q *MessageQueue) Pending(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[id]; ok {
		return len(l.buf)
	}
	return 0
}

// Snapshot returns pending counts for every busy conversation.
func (q *MessageQueue) Snapshot() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.lanes))
	for id, l := range q.lanes {
		out[id] = len(l.buf)
	}
	return out
}

func (q *MessageQueue) publishLocked() {
	prometheus.QueuePending.Set(float64(q.pending))
}
