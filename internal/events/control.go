package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// controlReply is the response body of a control request.
type controlReply struct {
	Error string `json:"error,omitempty"`
}

// CancelSubject is the request subject a running supervisor answers cancel
// requests on.
func CancelSubject(prefix string) string {
	return prefix + ".control.cancel"
}

// CancelResponder answers cancel requests from other processes.
type CancelResponder struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewCancelResponder calls cancel with the requested session ID for every
// request on CancelSubject(prefix) and replies with its error, if any.
func NewCancelResponder(url, prefix string, cancel func(sessionID string) error, logger *zap.Logger) (*CancelResponder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	nc, err := nats.Connect(url, nats.Name("taskvisor-control"), nats.Timeout(5*time.Second), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	sub, err := nc.Subscribe(CancelSubject(prefix), func(msg *nats.Msg) {
		sessionID := string(msg.Data)
		var reply controlReply
		if err := cancel(sessionID); err != nil {
			reply.Error = err.Error()
		}
		logger.Info("cancel requested", zap.String("session", sessionID), zap.String("error", reply.Error))

		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			logger.Warn("cancel reply failed", zap.Error(err))
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", CancelSubject(prefix), err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return &CancelResponder{nc: nc, sub: sub, logger: logger}, nil
}

// Close stops answering requests.
func (r *CancelResponder) Close() {
	if err := r.sub.Unsubscribe(); err != nil {
		r.logger.Warn("nats unsubscribe failed", zap.Error(err))
	}
	r.nc.Close()
}

// ErrNoResponder is returned by RequestCancel when no run is listening.
var ErrNoResponder = errors.New("no running supervisor answered")

// RequestCancel asks the supervisor listening on prefix to cancel sessionID.
func RequestCancel(ctx context.Context, url, prefix, sessionID string) error {
	nc, err := nats.Connect(url, nats.Name("taskvisor-cancel"), nats.Timeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	defer nc.Close()

	msg, err := nc.RequestWithContext(ctx, CancelSubject(prefix), []byte(sessionID))
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return ErrNoResponder
		}
		return fmt.Errorf("cancel request failed: %w", err)
	}

	var reply controlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to decode cancel reply: %w", err)
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	return nil
}
