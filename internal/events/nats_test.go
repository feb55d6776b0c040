package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskvisor/taskvisor/internal/session"
)

// startNATS runs an embedded server on a random port.
func startNATS(t *testing.T) *server.Server {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSSinkPublishesEnvelopes(t *testing.T) {
	srv := startNATS(t)

	sink, err := NewNATSSink(srv.ClientURL(), "taskvisor", Notifications{OnTaskFailure: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sink.Close()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("taskvisor.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	b := NewBroadcaster(zaptest.NewLogger(t), 8)
	defer b.Close()
	b.Subscribe(sink)

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	b.Publish(TaskCompletedEvent{ID: "t1", Timestamp: now}) // filtered: OnTaskComplete is off
	b.Publish(TaskFailedEvent{
		ID:        "t2",
		SessionID: "s2",
		Status:    session.StatusFailed,
		Err:       &session.ExecutionError{Kind: session.KindSyntax, Message: "bad"},
		Timestamp: now,
	})
	require.NoError(t, sink.nc.Flush())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "taskvisor.task_failed", msg.Subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, KindTaskFailed, env.Kind)
	assert.Equal(t, "t2", env.TaskID)
	assert.True(t, env.Timestamp.Equal(now))

	var failed TaskFailedEvent
	require.NoError(t, json.Unmarshal(env.Data, &failed))
	assert.Equal(t, session.KindSyntax, failed.Err.Kind)

	_, err = sub.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout, "completed event must have been filtered")
}

func TestNATSSinkConnectFailure(t *testing.T) {
	_, err := NewNATSSink("nats://127.0.0.1:1", "taskvisor", Notifications{}, nil)
	assert.Error(t, err)
}

func TestNotificationsAllows(t *testing.T) {
	n := Notifications{OnTaskComplete: true}
	assert.True(t, n.Allows(TaskCompletedEvent{}))
	assert.False(t, n.Allows(TaskFailedEvent{}))
	assert.False(t, n.Allows(ErrorDetectedEvent{}))
	assert.False(t, n.Allows(QualityAlertEvent{}))
	assert.False(t, n.Allows(SystemStatusEvent{}))
	assert.True(t, n.Allows(SessionUpdateEvent{}))
	assert.True(t, n.Allows(TaskProgressEvent{}))
}

func TestNATSSourceReceivesSinkEvents(t *testing.T) {
	srv := startNATS(t)

	src, err := NewNATSSource(srv.ClientURL(), "taskvisor", 8, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer src.Close()

	all := Notifications{OnTaskComplete: true, OnTaskFailure: true, OnAnomaly: true, OnStatusChange: true}
	sink, err := NewNATSSink(srv.ClientURL(), "taskvisor", all, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sink.Close()

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Handle(TaskStartedEvent{ID: "t1", SessionID: "s1", Attempt: 2, Timestamp: now}))
	require.NoError(t, sink.Handle(QualityAlertEvent{ID: "t1", RuleID: "quality-drop", Value: 40, Threshold: 70, Timestamp: now}))

	var got []Event
	for len(got) < 2 {
		select {
		case e := <-src.Events():
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 2 events", len(got))
		}
	}

	started, ok := got[0].(TaskStartedEvent)
	require.True(t, ok, "got %T", got[0])
	assert.Equal(t, "s1", started.SessionID)
	assert.Equal(t, 2, started.Attempt)
	assert.True(t, started.Timestamp.Equal(now))

	alert, ok := got[1].(QualityAlertEvent)
	require.True(t, ok, "got %T", got[1])
	assert.Equal(t, "quality-drop", alert.RuleID)
	assert.Equal(t, 70.0, alert.Threshold)
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"kind":"bogus","timestamp":"2024-05-01T09:00:00Z","data":{}}`))
	assert.ErrorContains(t, err, "unknown event kind")

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestUnmarshalRoundTripsFailure(t *testing.T) {
	in := TaskFailedEvent{
		ID:     "t9",
		Status: session.StatusTimeout,
		Err:    &session.ExecutionError{Kind: session.KindTimeout, Message: "deadline"},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	failed, ok := out.(TaskFailedEvent)
	require.True(t, ok)
	assert.Equal(t, session.StatusTimeout, failed.Status)
	assert.Equal(t, session.KindTimeout, failed.Err.Kind)
}
