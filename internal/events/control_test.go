package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCancelRequestReply(t *testing.T) {
	srv := startNATS(t)

	got := make(chan string, 2)
	r, err := NewCancelResponder(srv.ClientURL(), "taskvisor", func(id string) error {
		got <- id
		if id == "done-session" {
			return errors.New("session done-session is already completed")
		}
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, RequestCancel(ctx, srv.ClientURL(), "taskvisor", "s1"))
	err = RequestCancel(ctx, srv.ClientURL(), "taskvisor", "done-session")
	assert.EqualError(t, err, "session done-session is already completed")
	assert.Equal(t, "s1", <-got)
	assert.Equal(t, "done-session", <-got)
}

func TestCancelWithoutResponder(t *testing.T) {
	srv := startNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := RequestCancel(ctx, srv.ClientURL(), "taskvisor", "s1")
	assert.ErrorIs(t, err, ErrNoResponder)
}
