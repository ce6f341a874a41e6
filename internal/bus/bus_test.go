package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/internal/events"
	"parkbeat/pkg/logging"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, logging.NewLogger())
}

// subscribe starts the blocking subscription and returns the frame stream.
func subscribe(t *testing.T, relayBus *Bus) <-chan Frame {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	frames := make(chan Frame, 16)
	go func() {
		_ = relayBus.Subscribe(ctx, func(frame Frame) { frames <- frame })
	}()
	return frames
}

func publishUntilReceived(t *testing.T, relayBus *Bus, frames <-chan Frame, socketIDs []string, env events.Envelope) Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, relayBus.Publish(context.Background(), socketIDs, env))
		select {
		case frame := <-frames:
			return frame
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("published frame never came back")
		}
	}
}

func TestPublishLoopsBackToPublisher(t *testing.T) {
	relayBus := newTestBus(t)
	frames := subscribe(t, relayBus)

	env := events.MustNew(events.ProjectData, map[string]string{"projectId": "p1"})
	frame := publishUntilReceived(t, relayBus, frames, []string{"s1", "s2"}, env)

	assert.Equal(t, []string{"s1", "s2"}, frame.SocketIDs)
	assert.Equal(t, events.ProjectData, frame.Event)
	assert.JSONEq(t, `{"projectId":"p1"}`, string(frame.Data))
}

func TestDeliverIsPublish(t *testing.T) {
	relayBus := newTestBus(t)
	frames := subscribe(t, relayBus)

	deadline := time.After(5 * time.Second)
	env := events.Envelope{Event: events.Pong, Data: json.RawMessage(`{}`)}
	for {
		require.NoError(t, relayBus.Deliver(context.Background(), []string{"s1"}, env))
		select {
		case frame := <-frames:
			assert.Equal(t, events.Pong, frame.Event)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("delivered frame never came back")
		}
	}
}

func TestPublishSkipsEmptyNotifySet(t *testing.T) {
	relayBus := newTestBus(t)
	frames := subscribe(t, relayBus)

	require.NoError(t, relayBus.Publish(context.Background(), nil, events.Envelope{Event: events.Pong}))

	select {
	case frame := <-frames:
		t.Fatalf("unexpected frame %s for empty notify set", frame.Event)
	case <-time.After(200 * time.Millisecond):
	}
}
