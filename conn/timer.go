package conn

import "time"

// Timer kinds. Firing a timer enqueues a state transition processed
// inside the connection's serialized entry point; nothing preempts
// in-progress work.
type timerKind int

const (
	timerIdle timerKind = iota
	timerKeepAlive
	timerDrain
	timerHandshake
	timerRetransmit
)

type timerEvent struct {
	at   time.Time
	kind timerKind
}

// timerQueue is the per-connection timer set, one pending deadline per
// kind, kept sorted by firing time. Small enough that linear insertion
// beats a heap.
type timerQueue struct {
	events []timerEvent
}

// schedule sets the deadline for kind, replacing any pending one.
func (q *timerQueue) schedule(kind timerKind, at time.Time) {
	q.cancel(kind)
	i := 0
	for i < len(q.events) && q.events[i].at.Before(at) {
		i++
	}
	q.events = append(q.events, timerEvent{})
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = timerEvent{at: at, kind: kind}
}

// cancel removes the pending deadline for kind, if any.
func (q *timerQueue) cancel(kind timerKind) {
	for i, e := range q.events {
		if e.kind == kind {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return
		}
	}
}

// next returns the earliest pending deadline.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.events) == 0 {
		return time.Time{}, false
	}
	return q.events[0].at, true
}

// pop removes and returns all deadlines due at now.
func (q *timerQueue) pop(now time.Time) []timerKind {
	var due []timerKind
	for len(q.events) > 0 && !q.events[0].at.After(now) {
		due = append(due, q.events[0].kind)
		q.events = q.events[1:]
	}
	return due
}

func (q *timerQueue) clear() {
	q.events = q.events[:0]
}
