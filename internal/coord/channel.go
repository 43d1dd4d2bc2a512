package coord

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageKind tags the payload carried on the broadcast channel.
type MessageKind string

const (
	// KindNotification carries a typed Notification.
	KindNotification MessageKind = "notification"

	// KindWriteRequest carries a write-forwarding envelope to the leader.
	KindWriteRequest MessageKind = "write_request"

	// KindWriteResponse carries the leader's confirmation back.
	KindWriteResponse MessageKind = "write_response"
)

// Message is one unit on the per-database broadcast channel.
type Message struct {
	ID          string          `json:"id"`
	Kind        MessageKind     `json:"kind"`
	DB          string          `json:"db"`
	From        string          `json:"from"`
	TimestampMS int64           `json:"timestamp_ms"`
	Payload     json.RawMessage `json:"payload"`
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(kind MessageKind, db, from string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          uuid.NewString(),
		Kind:        kind,
		DB:          db,
		From:        from,
		TimestampMS: time.Now().UnixMilli(),
		Payload:     raw,
	}, nil
}

// Channel is the broadcast substrate keyed by database name. Subscribers
// receive every message published by any instance, including their own.
type Channel interface {
	Publish(msg Message) error
	Subscribe(fn func(Message)) (cancel func())
	Close() error
}

// dispatcher fans messages out to subscribers on a single goroutine, so
// handler execution never runs inside a publisher's call stack.
type dispatcher struct {
	mu      sync.Mutex
	subs    map[int]func(Message)
	nextSub int
	queue   chan Message
	done    chan struct{}
	once    sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		subs:  make(map[int]func(Message)),
		queue: make(chan Message, 256),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.queue:
			d.mu.Lock()
			fns := make([]func(Message), 0, len(d.subs))
			for _, fn := range d.subs {
				fns = append(fns, fn)
			}
			d.mu.Unlock()
			for _, fn := range fns {
				fn(msg)
			}
		}
	}
}

func (d *dispatcher) dispatch(msg Message) {
	select {
	case d.queue <- msg:
	case <-d.done:
	}
}

func (d *dispatcher) subscribe(fn func(Message)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
}

// MemChannel is the in-process broadcast channel, shared per database name
// so every opener in the process sees every message.
type MemChannel struct {
	d *dispatcher
}

var (
	memChannelsMu sync.Mutex
	memChannels   = make(map[string]*MemChannel)
)

// SharedMemChannel returns the process-wide channel for db.
func SharedMemChannel(db string) *MemChannel {
	memChannelsMu.Lock()
	defer memChannelsMu.Unlock()
	if ch, ok := memChannels[db]; ok {
		return ch
	}
	ch := &MemChannel{d: newDispatcher()}
	memChannels[db] = ch
	return ch
}

// Publish enqueues the message for every subscriber.
func (c *MemChannel) Publish(msg Message) error {
	c.d.dispatch(msg)
	return nil
}

// Subscribe registers fn; the returned cancel removes it.
func (c *MemChannel) Subscribe(fn func(Message)) func() {
	return c.d.subscribe(fn)
}

// Close is a no-op: the shared channel outlives individual openers.
func (c *MemChannel) Close() error { return nil }
