package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subscriber receives events. Returned errors are logged, never propagated.
type Subscriber interface {
	Handle(e Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(e Event) error

func (f SubscriberFunc) Handle(e Event) error { return f(e) }

// Broadcaster is a best-effort pub-sub fan-out.
// Callback subscribers run synchronously on the publisher's goroutine;
// channel subscribers never block the publisher and drop events when full.
// With no subscriber of either kind, events go to the local sink.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]Subscriber
	chans  map[int]chan Event
	nextID int
	closed bool

	local  *LocalSink
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster whose fallback sink keeps the last
// recent events in memory.
func NewBroadcaster(logger *zap.Logger, recent int) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	return &Broadcaster{
		subs:   make(map[int]Subscriber),
		chans:  make(map[int]chan Event),
		local:  NewLocalSink(logger, recent),
		logger: logger,
	}
}

// Subscribe registers s and returns a function that removes it.
func (b *Broadcaster) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = s

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// SubscribeChan creates a channel subscription to all kinds.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
// The channel is closed on unsubscribe or Close.
func (b *Broadcaster) SubscribeChan(bufSize int) (<-chan Event, func()) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.chans[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.chans[id]; ok {
			delete(b.chans, id)
			close(c)
		}
	}
}

// Publish delivers e to every subscriber.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	for _, ch := range b.chans {
		select {
		case ch <- e:
		default:
			// Channel full, drop event (non-blocking)
		}
	}
	delivered := len(subs) + len(b.chans)
	b.mu.RUnlock()

	if delivered == 0 {
		b.local.Handle(e)
		return
	}
	for _, s := range subs {
		b.deliver(s, e)
	}
}

// deliver isolates the publisher from subscriber errors and panics.
func (b *Broadcaster) deliver(s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("kind", string(e.Kind())),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := s.Handle(e); err != nil {
		b.logger.Warn("event subscriber failed",
			zap.String("kind", string(e.Kind())),
			zap.String("task_id", e.TaskID()),
			zap.Error(err))
	}
}

// Local returns the fallback sink.
func (b *Broadcaster) Local() *LocalSink {
	return b.local
}

// Close closes all channel subscriptions and drops later events.
// Safe to call multiple times (idempotent).
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.chans {
		close(ch)
		delete(b.chans, id)
	}
	b.subs = make(map[int]Subscriber)
}

// LocalSink logs events and keeps a bounded history of the most recent ones.
type LocalSink struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	full   bool
	logger *zap.Logger
}

// NewLocalSink creates a sink holding up to size events (minimum 1).
func NewLocalSink(logger *zap.Logger, size int) *LocalSink {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSink{buf: make([]Event, size), logger: logger}
}

// Handle records e. It never fails.
func (l *LocalSink) Handle(e Event) error {
	l.logger.Debug("event",
		zap.String("kind", string(e.Kind())),
		zap.String("task_id", e.TaskID()),
		zap.Time("at", e.Time()))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent returns the retained events, oldest first.
func (l *LocalSink) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		return append([]Event(nil), l.buf[:l.next]...)
	}
	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
