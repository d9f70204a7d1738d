package bus

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// maxBufferedEvents caps the per-session replay buffer. On overflow
	// the oldest events are dropped and a single buffer_overflow event
	// is recorded for the session.
	maxBufferedEvents = 10000

	// subscriberQueueSize bounds each subscriber's delivery queue. A
	// subscriber that falls this far behind is dropped with a terminal
	// subscriber_lagged event; publication never blocks on it.
	subscriberQueueSize = 256
)

// Bus is the in-memory per-session event bus.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*stream
}

type stream struct {
	seq           int64
	buffer        []Event
	overflowNoted bool
	done          bool // session_done has been published
	subs          map[int64]*subscriber
	nextSubID     int64
}

type subscriber struct {
	ch chan Event
	// lagged marks a subscriber removed for falling behind, as opposed
	// to one disconnected by Cleanup. Written before the publisher
	// closes ch, read by the forwarding goroutine after the close.
	lagged bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{sessions: make(map[string]*stream)}
}

func (b *Bus) stream(sessionID string) *stream {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &stream{subs: make(map[int64]*subscriber)}
		b.sessions[sessionID] = st
	}
	return st
}

// Emit appends an event to the session's replay buffer and delivers it
// to every current subscriber. Emit never blocks and never fails the
// publisher; lagging subscribers are dropped.
func (b *Bus) Emit(sessionID, workerID, eventType string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(sessionID, workerID, eventType, data)
}

func (b *Bus) emitLocked(sessionID, workerID, eventType string, data map[string]any) {
	st := b.stream(sessionID)
	if st.done {
		// Nothing may follow session_done on a stream.
		slog.Warn("Event after session_done dropped",
			"session_id", sessionID, "type", eventType)
		return
	}

	st.seq++
	ev := Event{
		Seq:       st.seq,
		Type:      eventType,
		WorkerID:  workerID,
		Data:      data,
		Timestamp: time.Now(),
	}

	st.buffer = append(st.buffer, ev)
	toDeliver := []Event{ev}

	// The overflow note follows the event that caused it so subscribers
	// see both in seq order.
	if len(st.buffer) > maxBufferedEvents && !st.overflowNoted && eventType != EventSessionDone {
		st.overflowNoted = true
		st.seq++
		note := Event{
			Seq:       st.seq,
			Type:      EventBufferOverflow,
			WorkerID:  "system",
			Data:      map[string]any{"capacity": maxBufferedEvents},
			Timestamp: time.Now(),
		}
		st.buffer = append(st.buffer, note)
		toDeliver = append(toDeliver, note)
	}
	if len(st.buffer) > maxBufferedEvents {
		st.buffer = st.buffer[len(st.buffer)-maxBufferedEvents:]
	}

	if eventType == EventSessionDone {
		st.done = true
	}

	for id, sub := range st.subs {
		for _, d := range toDeliver {
			select {
			case sub.ch <- d:
				continue
			default:
			}
			// Queue full: drop the subscriber, never the publisher.
			slog.Warn("Dropping lagged subscriber",
				"session_id", sessionID, "subscriber", id)
			sub.lagged = true
			delete(st.subs, id)
			close(sub.ch)
			break
		}
	}
}

// Subscribe returns a channel that yields the full replay buffer
// followed by live events in session order, with no gaps and no
// duplicates across the boundary. The channel closes after a
// session_done event is delivered, after the subscriber is dropped for
// lagging (a final subscriber_lagged event is delivered first), when
// the session is cleaned up, or when cancel is called.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	st := b.stream(sessionID)

	// Snapshot and live registration happen under one lock acquisition,
	// so the live queue starts exactly where the snapshot ends.
	snapshot := append([]Event(nil), st.buffer...)

	sub := &subscriber{ch: make(chan Event, subscriberQueueSize)}
	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = sub
	b.mu.Unlock()

	out := make(chan Event, subscriberQueueSize)
	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() { stopOnce.Do(func() { close(stop) }) }

	unregister := func() {
		b.mu.Lock()
		if cur, ok := b.sessions[sessionID]; ok {
			if s, ok := cur.subs[id]; ok && s == sub {
				delete(cur.subs, id)
			}
		}
		b.mu.Unlock()
	}

	go func() {
		defer close(out)
		defer unregister()

		deliver := func(ev Event) (terminal bool) {
			select {
			case out <- ev:
			case <-stop:
				return true
			}
			return ev.Type == EventSessionDone
		}

		for _, ev := range snapshot {
			if deliver(ev) {
				return
			}
		}

		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					// Closed by the publisher. Only a lag drop gets the
					// terminal marker; Cleanup disconnects silently.
					if sub.lagged {
						deliver(Event{
							Type:      EventSubscriberLagged,
							WorkerID:  "system",
							Timestamp: time.Now(),
						})
					}
					return
				}
				if deliver(ev) {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	return out, cancel
}

// Cleanup frees the session's replay buffer and disconnects its
// subscribers. It is idempotent.
func (b *Bus) Cleanup(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for id, sub := range st.subs {
		delete(st.subs, id)
		close(sub.ch)
	}
	delete(b.sessions, sessionID)
}

// BufferLen reports the number of buffered events for a session.
// Used by the retention janitor and tests.
func (b *Bus) BufferLen(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.sessions[sessionID]; ok {
		return len(st.buffer)
	}
	return 0
}
