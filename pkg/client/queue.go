package client

import (
	"time"

	"github.com/google/uuid"
)

// pending is an outbound payload waiting for an open connection.
type pending struct {
	queued  time.Time
	id      string
	data    []byte
	control bool // ping/pong frames: never counted, never retried
}

// outbox is the FIFO of pending messages. It is not safe for concurrent use;
// the client guards it with its own mutex.
type outbox struct {
	items []pending
	limit int // 0 = unbounded
}

func newPending(data []byte, now time.Time) pending {
	return pending{id: uuid.NewString(), data: data, queued: now}
}

// push appends p and returns the entry dropped to respect limit, if any.
// Control frames do not count against the limit.
func (q *outbox) push(p pending) (dropped pending, ok bool) {
	if !p.control && q.limit > 0 && q.userLen() >= q.limit {
		for i, it := range q.items {
			if !it.control {
				dropped, ok = it, true
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	q.items = append(q.items, p)
	return dropped, ok
}

// userLen counts queued application messages.
func (q *outbox) userLen() int {
	n := 0
	for _, it := range q.items {
		if !it.control {
			n++
		}
	}
	return n
}

// dropControl discards ping/pong frames left over from a dead connection.
func (q *outbox) dropControl() {
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.control {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = pending{}
	}
	q.items = kept
}

// pushFront returns p to the head of the queue, used when a write fails.
// p is the oldest message, so if the queue is already at its limit p is
// dropped and returned instead.
func (q *outbox) pushFront(p pending) (dropped pending, ok bool) {
	if !p.control && q.limit > 0 && q.userLen() >= q.limit {
		return p, true
	}
	q.items = append(q.items, pending{})
	copy(q.items[1:], q.items)
	q.items[0] = p
	return pending{}, false
}

// remove deletes the application message with the given id, if still queued.
func (q *outbox) remove(id string) bool {
	for i, it := range q.items {
		if !it.control && it.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outbox) pop() (pending, bool) {
	if len(q.items) == 0 {
		return pending{}, false
	}
	p := q.items[0]
	q.items[0] = pending{}
	q.items = q.items[1:]
	return p, true
}

func (q *outbox) len() int { return len(q.items) }

func (q *outbox) clear() { q.items = nil }
