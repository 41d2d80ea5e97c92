package feed

import "github.com/ticketwell/helpdesk/backend/internal/store"

// eventRing is a fixed-capacity buffer of received events, oldest evicted
// first. It exists so that no event is ever dropped without a trace.
type eventRing struct {
	buf   []store.Event
	start int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]store.Event, capacity)}
}

func (r *eventRing) push(event store.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = event
		r.count++
		return
	}
	r.buf[r.start] = event
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the recorded events, oldest first.
func (r *eventRing) items() []store.Event {
	out := make([]store.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
