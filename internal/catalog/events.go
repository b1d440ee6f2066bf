package catalog

import (
	"fmt"
	"sync"
	"time"
)

const (
	EventIndexRebuilt       = "index.rebuilt"
	EventSnapshotReloaded   = "snapshot.reloaded"
	EventLocalChanged       = "local.changed_externally"
	EventLocalResolved      = "local.resolved"
	EventRefreshCompleted   = "refresh.completed"
	EventRefreshFailed      = "refresh.failed"
	EventStoreLoadFailed    = "store.load_failed"
	defaultEventLogCapacity = 500
	subscriberBuffer        = 32
)

type Event struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Profile   string `json:"profile,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Records   int    `json:"records"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

// eventLog keeps the most recent events for polling clients and fans new
// ones out to subscribers. Slow subscribers miss events rather than block
// the publisher.
type eventLog struct {
	mu       sync.Mutex
	capacity int
	counter  int
	events   []Event
	subs     map[int]chan Event
	nextSub  int
	closed   bool
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = defaultEventLogCapacity
	}
	return &eventLog{capacity: capacity, subs: map[int]chan Event{}}
}

func (l *eventLog) publish(event Event, now time.Time) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	event.EventID = fmt.Sprintf("evt_%d", l.counter)
	event.Timestamp = now.UTC().Format(time.RFC3339Nano)
	l.events = append(l.events, event)
	if over := len(l.events) - l.capacity; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}
	if l.closed {
		return event
	}
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

func (l *eventLog) subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
		})
	}
}

func (l *eventLog) feed(cursor string, limit int) EventFeed {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	start := 0
	if cursor != "" {
		for i := range l.events {
			if l.events[i].EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(l.events) {
		return EventFeed{Events: []Event{}}
	}
	end := start + limit
	if end > len(l.events) {
		end = len(l.events)
	}
	chunk := append([]Event(nil), l.events[start:end]...)
	var next *string
	if end < len(l.events) {
		id := l.events[end-1].EventID
		next = &id
	}
	return EventFeed{Events: chunk, NextCursor: next}
}

func (l *eventLog) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
