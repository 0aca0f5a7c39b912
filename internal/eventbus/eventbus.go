// Package eventbus is the in-process fan-out of progress/state transitions
// described in section 4.D: a bounded, lossless queue per consumer, with
// Progress events coalesced under backpressure and terminal events never
// dropped. Grounded on the teacher's distinction between high-frequency
// wails "download:progress" emissions and one-shot "download:completed"/
// "download:error" emissions, generalized from a GUI-shell emitter to a
// plain subscriber model with a polled slice queue per consumer.
package eventbus

import (
	"sync"
)

// Kind is the discriminator of an Event's payload.
type Kind string

const (
	Started   Kind = "started"
	Progress  Kind = "progress"
	Paused    Kind = "paused"
	Resumed   Kind = "resumed"
	Completed Kind = "completed"
	Failed    Kind = "failed"
	Cancelled Kind = "cancelled"
)

// terminal reports whether no further events are ever published for this id
// after one of this kind.
func (k Kind) terminal() bool {
	return k == Completed || k == Failed || k == Cancelled
}

// Snapshot is the in-memory progress structure of section 3.3.
type Snapshot struct {
	ID              string
	Status          string
	DownloadedBytes int64
	FileSize        *int64
	SpeedBps        float64
	ETASeconds      *float64
	ProgressPercent *float64
}

// Event is one item in a consumer's queue.
type Event struct {
	Kind Kind
	ID   string

	Snapshot     *Snapshot // set when Kind == Progress
	SavePath     string    // set when Kind == Completed
	Checksum     string    // set when Kind == Completed, if computed
	ErrorKind    string    // set when Kind == Failed
	ErrorMessage string    // set when Kind == Failed; audit and log events carry their text here too
}

// queueCapacity bounds each consumer's backlog. Sized generously above the
// expected poll cadence (UI consumers are expected to poll at least once
// per second; this absorbs several seconds of silence).
const queueCapacity = 256

// Bus fans out events to every registered consumer. The zero value is not
// usable; construct with New.
type Bus struct {
	mu        sync.Mutex
	consumers map[int]*consumer
	nextID    int
}

type consumer struct {
	mu sync.Mutex
	// queue holds events in FIFO order. Progress events are coalesced: a new
	// Progress event for an id already queued replaces the queued one
	// in place rather than growing the queue, so a backed-up consumer never
	// sees stale speed/ETA data, and terminal events are never displaced.
	queue []Event
	// progressIndex maps id -> index in queue, only for queued Progress
	// events not yet superseded by a terminal event.
	progressIndex map[string]int
}

func newConsumer() *consumer {
	return &consumer{progressIndex: make(map[string]int)}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{consumers: make(map[int]*consumer)}
}

// Subscribe registers a new consumer and returns its id. Unsubscribe(id)
// must be called when the consumer is done to release its queue.
func (b *Bus) Subscribe() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.consumers[id] = newConsumer()
	return id
}

// Unsubscribe removes a consumer and discards its queued events.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, id)
}

// Publish delivers ev to every currently registered consumer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	cs := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		cs = append(cs, c)
	}
	b.mu.Unlock()

	for _, c := range cs {
		c.push(ev)
	}
}

func (c *consumer) push(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Kind == Progress {
		if idx, ok := c.progressIndex[ev.ID]; ok {
			c.queue[idx] = ev
			return
		}
	}

	c.queue = append(c.queue, ev)
	if ev.Kind == Progress {
		c.progressIndex[ev.ID] = len(c.queue) - 1
	}
	if ev.Kind.terminal() {
		// No further events will coalesce onto this id; stop tracking it so
		// a late-arriving (stale, shouldn't happen) Progress is appended after
		// the terminal event instead of overwriting the slot queued before it.
		delete(c.progressIndex, ev.ID)
	}

	if len(c.queue) <= queueCapacity {
		return
	}
	c.dropOldestCoalescableLocked()
}

// dropOldestCoalescableLocked evicts the oldest Progress event still tracked
// in progressIndex to keep the queue within capacity without ever dropping
// a terminal or one-shot event. Called with c.mu held.
func (c *consumer) dropOldestCoalescableLocked() {
	for i, ev := range c.queue {
		if ev.Kind == Progress {
			c.removeAtLocked(i)
			return
		}
	}
	// Nothing coalescable (all queued events are one-shot/terminal): the
	// consumer has fallen too far behind for a capacity bound to help
	// further without violating the never-drop guarantee, so let the queue
	// grow past capacity rather than drop a state transition.
}

func (c *consumer) removeAtLocked(i int) {
	id := c.queue[i].ID
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	delete(c.progressIndex, id)
	for pid, idx := range c.progressIndex {
		if idx > i {
			c.progressIndex[pid] = idx - 1
		}
	}
}

// Poll drains and returns all events queued for consumer id since the last
// call, in FIFO order. Never blocks. Returns nil if id is not registered.
func (b *Bus) Poll(id int) []Event {
	b.mu.Lock()
	c, ok := b.consumers[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.queue
	c.queue = nil
	c.progressIndex = make(map[string]int)
	return drained
}
