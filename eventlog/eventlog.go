// Package eventlog implements the per-session resumable event stream: a
// fixed-capacity, append-only log of server push notifications keyed by
// monotonically increasing event ids. Clients that reconnect present the last
// id they saw and receive everything newer that is still resident.
package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of events retained per session.
const DefaultCapacity = 1000

// EventID orders events within one log. The millisecond timestamp makes ids
// roughly sortable across logs for humans; the sequence counter guarantees a
// strict total order within a log even when two appends land on the same
// millisecond.
type EventID struct {
	Timestamp int64
	Seq       uint64
}

func (id EventID) String() string {
	return strconv.FormatInt(id.Timestamp, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id is strictly older than other.
func (id EventID) Less(other EventID) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	return id.Seq < other.Seq
}

// ParseEventID parses the "<millis>-<seq>" wire form.
func ParseEventID(s string) (EventID, error) {
	ts, seq, ok := strings.Cut(s, "-")
	if !ok {
		return EventID{}, fmt.Errorf("invalid event id: %s", s)
	}
	tsv, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id timestamp: %s", s)
	}
	seqv, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("invalid event id sequence: %s", s)
	}
	return EventID{Timestamp: tsv, Seq: seqv}, nil
}

// Event is one appended notification.
type Event struct {
	ID        EventID
	Payload   []byte
	CreatedAt time.Time
}

// Log is a fixed-capacity ring of events. When the ring is full the oldest
// event is evicted; eviction is invisible to callers, which only ever address
// events by id, never by position.
type Log struct {
	mu       sync.Mutex
	events   []Event
	start    int
	count    int
	capacity int
	nextSeq  uint64
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity overrides the retained event count.
func WithCapacity(capacity int) Option {
	return func(l *Log) {
		if capacity > 0 {
			l.capacity = capacity
		}
	}
}

// WithClock overrides the timestamp source, used by tests to force
// timestamp collisions.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{capacity: DefaultCapacity, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.events = make([]Event, l.capacity)
	return l
}

// Append stores the payload under the next event id and returns the stored
// event. If the log is at capacity the oldest event is evicted; overflow is
// never an error.
func (l *Log) Append(payload []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.nextSeq++
	event := Event{
		ID:        EventID{Timestamp: now.UnixMilli(), Seq: l.nextSeq},
		Payload:   payload,
		CreatedAt: now,
	}
	if l.count < l.capacity {
		l.events[(l.start+l.count)%l.capacity] = event
		l.count++
	} else {
		l.events[l.start] = event
		l.start = (l.start + 1) % l.capacity
	}
	return event
}

// ReplayFrom returns, in order, every resident event with an id strictly
// greater than lastSeen. An empty lastSeen returns everything resident. If
// lastSeen is unparseable or references an event already evicted, everything
// resident is returned: a degraded resume that trades duplicates for
// availability rather than failing the reconnect.
func (l *Log) ReplayFrom(lastSeen string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lastSeen == "" {
		return l.snapshotLocked(0)
	}
	cursor, err := ParseEventID(lastSeen)
	if err != nil {
		return l.snapshotLocked(0)
	}
	// Find the first resident event newer than the cursor. If the cursor is
	// older than everything resident the scan stops at index 0 and the whole
	// window is replayed.
	from := l.count
	for i := l.count - 1; i >= 0; i-- {
		if !cursor.Less(l.at(i).ID) {
			break
		}
		from = i
	}
	return l.snapshotLocked(from)
}

// Len returns the number of resident events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Log) at(i int) Event {
	return l.events[(l.start+i)%l.capacity]
}

func (l *Log) snapshotLocked(from int) []Event {
	if from >= l.count {
		return nil
	}
	out := make([]Event, 0, l.count-from)
	for i := from; i < l.count; i++ {
		out = append(out, l.at(i))
	}
	return out
}
