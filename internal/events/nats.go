package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Envelope is the wire form of an event.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Marshal encodes e as a JSON envelope.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{
		Kind:      e.Kind(),
		TaskID:    e.TaskID(),
		Timestamp: e.Time(),
		Data:      data,
	})
}

// Notifications selects which outcome kinds are forwarded to external sinks.
// Session lifecycle and progress events are always forwarded.
type Notifications struct {
	OnTaskComplete bool
	OnTaskFailure  bool
	OnAnomaly      bool
	OnStatusChange bool
}

// Allows reports whether e passes the toggles.
func (n Notifications) Allows(e Event) bool {
	switch e.Kind() {
	case KindTaskCompleted:
		return n.OnTaskComplete
	case KindTaskFailed, KindErrorDetected:
		return n.OnTaskFailure
	case KindQualityAlert:
		return n.OnAnomaly
	case KindSystemStatus:
		return n.OnStatusChange
	}
	return true
}

// NATSSink publishes events to "<prefix>.<kind>" subjects.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	notify Notifications
	logger *zap.Logger
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string, notify Notifications, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("taskvisor"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSSink{nc: nc, prefix: prefix, notify: notify, logger: logger.Named("nats")}, nil
}

// Subject returns the subject an event kind is published on.
func (s *NATSSink) Subject(k Kind) string {
	return s.prefix + "." + string(k)
}

// Handle publishes e unless the notification toggles filter it out.
func (s *NATSSink) Handle(e Event) error {
	if !s.notify.Allows(e) {
		return nil
	}
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.Subject(e.Kind()), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Kind(), err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() {
	if err := s.nc.Flush(); err != nil {
		s.logger.Warn("nats flush failed", zap.Error(err))
	}
	s.nc.Close()
}

// Unmarshal decodes an envelope produced by Marshal back into a typed event.
func Unmarshal(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var (
		e   Event
		err error
	)
	switch env.Kind {
	case KindTaskStarted:
		e, err = decode[TaskStartedEvent](env.Data)
	case KindTaskProgress:
		e, err = decode[TaskProgressEvent](env.Data)
	case KindTaskCompleted:
		e, err = decode[TaskCompletedEvent](env.Data)
	case KindTaskFailed:
		e, err = decode[TaskFailedEvent](env.Data)
	case KindSessionCreated:
		e, err = decode[SessionCreatedEvent](env.Data)
	case KindSessionUpdate:
		e, err = decode[SessionUpdateEvent](env.Data)
	case KindErrorDetected:
		e, err = decode[ErrorDetectedEvent](env.Data)
	case KindQualityAlert:
		e, err = decode[QualityAlertEvent](env.Data)
	case KindSystemStatus:
		e, err = decode[SystemStatusEvent](env.Data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", env.Kind, err)
	}
	return e, nil
}

func decode[T Event](data json.RawMessage) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NATSSource receives events published by a NATSSink, typically from
// another process.
type NATSSource struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewNATSSource subscribes to every "<prefix>.*" subject on url. Decoded
// events are delivered on Events; when the buffer is full they are dropped.
func NewNATSSource(url, prefix string, bufSize int, logger *zap.Logger) (*NATSSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 256
	}
	nc, err := nats.Connect(url, nats.Name("taskvisor-watch"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	src := &NATSSource{nc: nc, ch: make(chan Event, bufSize), logger: logger.Named("nats")}
	src.sub, err = nc.Subscribe(prefix+".*", func(msg *nats.Msg) {
		e, err := Unmarshal(msg.Data)
		if err != nil {
			src.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		src.mu.Lock()
		defer src.mu.Unlock()
		if src.closed {
			return
		}
		select {
		case src.ch <- e:
		default:
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s.*: %w", prefix, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return src, nil
}

// Events returns the delivery channel. It is closed by Close.
func (s *NATSSource) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the connection.
func (s *NATSSource) Close() {
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("nats unsubscribe failed", zap.Error(err))
	}
	s.nc.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
