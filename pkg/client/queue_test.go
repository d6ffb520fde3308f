package client

import (
	"testing"
	"time"
)

func userPayloads(q *outbox) []string {
	var out []string
	for _, it := range q.items {
		if !it.control {
			out = append(out, string(it.data))
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOutboxFIFO(t *testing.T) {
	var q outbox
	now := time.Now()
	for _, s := range []string{"a", "b", "c"} {
		if _, dropped := q.push(newPending([]byte(s), now)); dropped {
			t.Fatalf("unbounded queue dropped %q", s)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		p, ok := q.pop()
		if !ok {
			t.Fatalf("pop() = empty, want %q", want)
		}
		if string(p.data) != want {
			t.Errorf("pop() = %q, want %q", p.data, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Error("pop() on empty queue returned an item")
	}
}

func TestOutboxAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		p := newPending([]byte("x"), time.Now())
		if p.id == "" {
			t.Fatal("pending message has empty id")
		}
		if seen[p.id] {
			t.Fatalf("duplicate id %s", p.id)
		}
		seen[p.id] = true
	}
}

func TestOutboxLimitDropsOldest(t *testing.T) {
	q := outbox{limit: 2}
	now := time.Now()
	q.push(newPending([]byte("a"), now))
	q.push(newPending([]byte("b"), now))

	dropped, ok := q.push(newPending([]byte("c"), now))
	if !ok {
		t.Fatal("expected a drop at the limit")
	}
	if string(dropped.data) != "a" {
		t.Errorf("dropped %q, want oldest %q", dropped.data, "a")
	}
	if got := userPayloads(&q); !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("queue = %v, want [b c]", got)
	}
}

func TestOutboxControlFramesBypassLimit(t *testing.T) {
	q := outbox{limit: 1}
	now := time.Now()
	q.push(pending{data: []byte("ping"), queued: now, control: true})
	q.push(newPending([]byte("a"), now))
	if _, ok := q.push(pending{data: []byte("pong"), queued: now, control: true}); ok {
		t.Fatal("control frame caused a drop")
	}
	if q.len() != 3 || q.userLen() != 1 {
		t.Fatalf("len=%d userLen=%d, want 3 and 1", q.len(), q.userLen())
	}

	// Overflow skips control frames when choosing the victim.
	dropped, ok := q.push(newPending([]byte("b"), now))
	if !ok || string(dropped.data) != "a" {
		t.Fatalf("dropped %q (ok=%v), want a", dropped.data, ok)
	}

	q.dropControl()
	if q.len() != 1 {
		t.Fatalf("len after dropControl = %d, want 1", q.len())
	}
	if got := userPayloads(&q); !equalStrings(got, []string{"b"}) {
		t.Errorf("queue = %v, want [b]", got)
	}
}

func TestOutboxPushFrontAndRemove(t *testing.T) {
	var q outbox
	now := time.Now()
	a := newPending([]byte("a"), now)
	b := newPending([]byte("b"), now)
	q.push(b)
	q.pushFront(a)

	if got := userPayloads(&q); !equalStrings(got, []string{"a", "b"}) {
		t.Fatalf("queue = %v, want [a b]", got)
	}
	if !q.remove(a.id) {
		t.Fatal("remove(a) = false")
	}
	if q.remove(a.id) {
		t.Error("second remove(a) = true")
	}
	if got := userPayloads(&q); !equalStrings(got, []string{"b"}) {
		t.Errorf("queue = %v, want [b]", got)
	}

	q.clear()
	if q.len() != 0 {
		t.Errorf("len after clear = %d", q.len())
	}
}

func TestOutboxPushFrontRespectsLimit(t *testing.T) {
	q := outbox{limit: 2}
	now := time.Now()
	inflight := newPending([]byte("a"), now)
	q.push(newPending([]byte("b"), now))

	if _, dropped := q.pushFront(inflight); dropped {
		t.Fatal("pushFront below the limit dropped a message")
	}
	if got := userPayloads(&q); !equalStrings(got, []string{"a", "b"}) {
		t.Fatalf("queue = %v, want [a b]", got)
	}

	head, _ := q.pop()
	q.push(newPending([]byte("c"), now))
	dropped, ok := q.pushFront(head)
	if !ok || dropped.id != head.id {
		t.Fatalf("pushFront at the limit: dropped %q (ok=%v), want a", dropped.data, ok)
	}
	if got := userPayloads(&q); !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("queue = %v, want [b c]", got)
	}

	ping := pending{data: []byte("ping"), control: true}
	if _, dropped := q.pushFront(ping); dropped {
		t.Error("control frames bypass the limit")
	}
}
