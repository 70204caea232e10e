// Package timeline implements deadline-ordered queues of scheduled
// actions. Entries live in an Arena and are addressed by integer
// handles, so a timeline never holds a pointer into memory owned by
// somebody else.
package timeline

import (
	"errors"
	"time"
)

// Handle addresses an entry in an Arena. The zero Handle is never
// allocated and stands for "no entry".
type Handle int

// Nil is the handle that refers to no entry.
const Nil Handle = 0

// ErrAlreadyInTimeline is returned by Push when the entry is already a
// member of some timeline.
var ErrAlreadyInTimeline = errors.New("timeline: entry already belongs to a timeline")

type entry[T any] struct {
	deadline time.Time
	owner    *Timeline[T]
	prev     Handle
	next     Handle
	payload  T
	live     bool
}

// Arena stores timeline entries. Several timelines may share one
// arena; an entry can still be linked into at most one of them.
//
// An Arena is not safe for concurrent use.
type Arena[T any] struct {
	entries []entry[T]
	free    []Handle
}

// NewArena returns an empty arena.
func NewArena[T any]() *Arena[T] {
	// slot 0 backs Nil and is never handed out
	return &Arena[T]{entries: make([]entry[T], 1)}
}

// Alloc creates an unlinked entry and returns its handle.
func (a *Arena[T]) Alloc(deadline time.Time, payload T) Handle {
	var h Handle
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, entry[T]{})
		h = Handle(len(a.entries) - 1)
	}
	a.entries[h] = entry[T]{deadline: deadline, payload: payload, live: true}
	return h
}

// Free cuts the entry out of its timeline, if any, and recycles the
// handle. Using h afterwards is a bug.
func (a *Arena[T]) Free(h Handle) {
	e := a.get(h)
	if e.owner != nil {
		e.owner.Cut(h)
	}
	var zero T
	e.payload = zero
	e.live = false
	a.free = append(a.free, h)
}

// Len reports the number of live entries.
func (a *Arena[T]) Len() int {
	return len(a.entries) - 1 - len(a.free)
}

// Deadline returns the entry's deadline.
func (a *Arena[T]) Deadline(h Handle) time.Time { return a.get(h).deadline }

// SetDeadline changes the deadline of an entry that is not currently in
// a timeline.
func (a *Arena[T]) SetDeadline(h Handle, deadline time.Time) {
	e := a.get(h)
	if e.owner != nil {
		panic("timeline: SetDeadline on a linked entry")
	}
	e.deadline = deadline
}

// Payload returns the entry's payload.
func (a *Arena[T]) Payload(h Handle) T { return a.get(h).payload }

// IsInTimeline reports whether the entry is linked into a timeline.
func (a *Arena[T]) IsInTimeline(h Handle) bool { return a.get(h).owner != nil }

// Owner returns the timeline the entry is linked into, or nil.
func (a *Arena[T]) Owner(h Handle) *Timeline[T] { return a.get(h).owner }

// Next returns the handle following h in its timeline.
func (a *Arena[T]) Next(h Handle) Handle { return a.get(h).next }

func (a *Arena[T]) get(h Handle) *entry[T] {
	if h <= Nil || int(h) >= len(a.entries) || !a.entries[h].live {
		panic("timeline: invalid handle")
	}
	return &a.entries[h]
}

// Timeline is a doubly linked queue of arena entries.
type Timeline[T any] struct {
	arena *Arena[T]
	head  Handle
	tail  Handle
	n     int
}

// New returns an empty timeline backed by arena.
func New[T any](arena *Arena[T]) *Timeline[T] {
	return &Timeline[T]{arena: arena}
}

// IsEmpty reports whether the timeline has no entries.
func (t *Timeline[T]) IsEmpty() bool { return t.head == Nil }

// Len returns the number of linked entries.
func (t *Timeline[T]) Len() int { return t.n }

// Head returns the first entry without removing it, or Nil.
func (t *Timeline[T]) Head() Handle { return t.head }

// Push appends h to the tail.
func (t *Timeline[T]) Push(h Handle) error {
	e := t.arena.get(h)
	if e.owner != nil {
		return ErrAlreadyInTimeline
	}
	e.owner = t
	e.prev = t.tail
	e.next = Nil
	if t.tail != Nil {
		t.arena.get(t.tail).next = h
	} else {
		t.head = h
	}
	t.tail = h
	t.n++
	return nil
}

// PushOrdered inserts h after the last entry whose deadline is not
// later than h's. When deadlines arrive in non-decreasing order this is
// the same as Push and costs O(1).
func (t *Timeline[T]) PushOrdered(h Handle) error {
	e := t.arena.get(h)
	if e.owner != nil {
		return ErrAlreadyInTimeline
	}
	after := t.tail
	for after != Nil && t.arena.get(after).deadline.After(e.deadline) {
		after = t.arena.get(after).prev
	}
	if after == t.tail {
		return t.Push(h)
	}
	e.owner = t
	e.prev = after
	if after == Nil {
		e.next = t.head
		t.head = h
	} else {
		a := t.arena.get(after)
		e.next = a.next
		a.next = h
	}
	t.arena.get(e.next).prev = h
	t.n++
	return nil
}

// Shift removes and returns the head. The timeline must not be empty.
func (t *Timeline[T]) Shift() Handle {
	h := t.head
	if h == Nil {
		panic("timeline: Shift on empty timeline")
	}
	t.Cut(h)
	return h
}

// Cut unlinks h from this timeline. It does nothing if h is not a
// member of t.
func (t *Timeline[T]) Cut(h Handle) {
	e := t.arena.get(h)
	if e.owner != t {
		return
	}
	if e.prev != Nil {
		t.arena.get(e.prev).next = e.next
	} else {
		t.head = e.next
	}
	if e.next != Nil {
		t.arena.get(e.next).prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.owner, e.prev, e.next = nil, Nil, Nil
	t.n--
}
