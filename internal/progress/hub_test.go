package progress

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestHub_PublishDeliversToJobSubscribers(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	other, err := hub.Subscribe("job-2")
	require.NoError(t, err)

	hub.Publish(Event{JobID: "job-1", Status: "processing", Total: 10, Completed: 3, Pending: 7})

	ev := recv(t, sub)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, 3, ev.Completed)
	assert.False(t, ev.Timestamp.IsZero())

	select {
	case ev := <-other.C:
		t.Fatalf("subscriber for another job received %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	first, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	second, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	hub.Publish(Event{JobID: "job-1", Status: "processing", Completed: 5})

	assert.Equal(t, 5, recv(t, first).Completed)
	assert.Equal(t, 5, recv(t, second).Completed)
}

func TestHub_SlowSubscriberMissesEventsWithoutBlocking(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	// Overflow the buffer; Publish must never stall on a full channel.
	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		hub.Publish(Event{JobID: "job-1", Status: "processing", Completed: i})
	}

	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultSubscriberBuffer, received)
}

func TestHub_TerminalEventClosesSubscriptions(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	hub.Publish(Event{JobID: "job-1", Status: "completed", Total: 4, Completed: 4})

	ev := recv(t, sub)
	assert.True(t, ev.Terminal())
	assertClosed(t, sub)

	// The job's stream is gone; a fresh subscriber starts a new one.
	fresh, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	fresh.Cancel()
}

func TestHub_SubscriberLimitPerJob(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	subs := make([]*Subscription, 0, defaultMaxSubscribersPerJob)
	for i := 0; i < defaultMaxSubscribersPerJob; i++ {
		sub, err := hub.Subscribe("job-1")
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	_, err := hub.Subscribe("job-1")
	assert.ErrorIs(t, err, ErrTooManySubscribers)

	// Other jobs are unaffected
	other, err := hub.Subscribe("job-2")
	require.NoError(t, err)
	other.Cancel()

	// Cancelling frees a slot
	subs[0].Cancel()
	replacement, err := hub.Subscribe("job-1")
	require.NoError(t, err)
	replacement.Cancel()
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	assertClosed(t, sub)

	// Publishing after the only subscriber left is a no-op
	hub.Publish(Event{JobID: "job-1", Status: "processing"})
}

func TestHub_Shutdown(t *testing.T) {
	hub := testHub()

	sub, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	hub.Shutdown()
	assertClosed(t, sub)

	_, err = hub.Subscribe("job-2")
	assert.Error(t, err)

	// Safe to call again, and Cancel on a closed hub must not panic
	hub.Shutdown()
	sub.Cancel()
}

func TestEvent_Terminal(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
	}{
		{status: "pending", terminal: false},
		{status: "processing", terminal: false},
		{status: "stopped", terminal: false},
		{status: "completed", terminal: true},
		{status: "failed", terminal: true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ev := Event{Status: tt.status}
			assert.Equal(t, tt.terminal, ev.Terminal())
		})
	}
}

func TestMultiSink_FansOut(t *testing.T) {
	hub := testHub()
	defer hub.Shutdown()

	first, err := hub.Subscribe("job-1")
	require.NoError(t, err)

	var captured []Event
	sink := MultiSink{hub, sinkFunc(func(ev Event) { captured = append(captured, ev) })}

	for i := 0; i < 3; i++ {
		sink.Publish(Event{JobID: "job-1", Status: "processing", Completed: i})
	}

	require.Len(t, captured, 3)
	for i, ev := range captured {
		assert.Equal(t, i, ev.Completed)
	}
	assert.Equal(t, 0, recv(t, first).Completed)
}

type sinkFunc func(Event)

func (f sinkFunc) Publish(ev Event) { f(ev) }
