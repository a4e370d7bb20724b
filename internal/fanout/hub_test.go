// SPDX-License-Identifier: MIT

package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bidbook/bidbook/internal/bus"
)

func newHub(t *testing.T, state StateLoader) *Hub {
	t.Helper()
	return NewHub(state, Config{HeartbeatInterval: time.Second, SessionSendBuffer: 4}, zerolog.Nop())
}

// recv pops the next queued message or fails.
func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case data := <-s.send:
		return data
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func TestAttachSendsConnected(t *testing.T) {
	h := newHub(t, nil)
	s := h.Attach("alice", "admin")

	require.Equal(t, "alice", s.Actor)
	require.Equal(t, "admin", s.Role)

	var msg bus.Connected
	require.NoError(t, json.Unmarshal(recv(t, s), &msg))
	require.Equal(t, bus.TypeConnected, msg.Type)
	require.Equal(t, s.ID, msg.SessionID)
}

func TestClientFrameControlsMembership(t *testing.T) {
	loader := func(ctx context.Context, room string) (json.RawMessage, error) {
		return json.RawMessage(`{"currentPrice":51000}`), nil
	}
	h := newHub(t, loader)
	ctx := context.Background()

	s := h.Attach("alice", "")
	recv(t, s) // drain Connected

	h.handleFrame(ctx, s, []byte(`{"type":"subscribe","room":"auction:a1"}`))
	require.Equal(t, 1, h.RoomSize("auction:a1"))
	var syncMsg bus.StateSync
	require.NoError(t, json.Unmarshal(recv(t, s), &syncMsg))
	require.Equal(t, bus.TypeStateSync, syncMsg.Type)
	require.Equal(t, "auction:a1", syncMsg.Room)

	h.handleFrame(ctx, s, []byte(`{"type":"ping"}`))
	require.JSONEq(t, `{"type":"pong"}`, string(recv(t, s)))

	h.handleFrame(ctx, s, []byte(`{"type":"unsubscribe","room":"auction:a1"}`))
	require.Zero(t, h.RoomSize("auction:a1"))

	// A subscribe without a room is rejected.
	h.handleFrame(ctx, s, []byte(`{"type":"subscribe"}`))
	var em bus.ErrorMessage
	require.NoError(t, json.Unmarshal(recv(t, s), &em))
	require.Equal(t, bus.TypeError, em.Type)
	require.Equal(t, "room required", em.Reason)

	// An unrecognized type never touches membership.
	h.handleFrame(ctx, s, []byte(`{"action":"subscribe","room":"auction:a1"}`))
	require.NoError(t, json.Unmarshal(recv(t, s), &em))
	require.Equal(t, bus.TypeError, em.Type)
	require.Zero(t, h.RoomSize("auction:a1"))
}

func TestJoinDeliversStateSync(t *testing.T) {
	loader := func(ctx context.Context, room string) (json.RawMessage, error) {
		return json.RawMessage(`{"currentPrice":51000}`), nil
	}
	h := newHub(t, loader)
	ctx := context.Background()

	s := h.Attach("alice", "")
	recv(t, s) // drain Connected

	require.NoError(t, h.Join(ctx, s, "auction:a1"))
	require.Equal(t, 1, h.RoomSize("auction:a1"))

	var msg bus.StateSync
	require.NoError(t, json.Unmarshal(recv(t, s), &msg))
	require.Equal(t, bus.TypeStateSync, msg.Type)
	require.Equal(t, "auction:a1", msg.Room)
	require.JSONEq(t, `{"currentPrice":51000}`, string(msg.State))
}

func TestFanOutToRoomMembersOnly(t *testing.T) {
	h := newHub(t, nil)
	ctx := context.Background()

	in := h.Attach("alice", "")
	out := h.Attach("alice", "")
	recv(t, in)
	recv(t, out)

	require.NoError(t, h.Join(ctx, in, "auction:a1"))
	require.NoError(t, h.Join(ctx, out, "auction:a2"))
	recv(t, in)
	recv(t, out)

	h.HandleBusMessage("auction:a1", []byte(`{"type":"NEW_BID"}`))

	require.Equal(t, `{"type":"NEW_BID"}`, string(recv(t, in)))
	select {
	case data := <-out.send:
		t.Fatalf("unexpected delivery to other room: %s", data)
	default:
	}
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil, Config{HeartbeatInterval: time.Second, SessionSendBuffer: 1}, zerolog.Nop())
	ctx := context.Background()

	s := h.Attach("alice", "")
	recv(t, s)
	require.NoError(t, h.Join(ctx, s, "auction:a1"))
	recv(t, s)

	// First message fills the buffer; the rest drop without blocking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.HandleBusMessage("auction:a1", []byte(`{"type":"NEW_BID"}`))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fan-out blocked on a full session buffer")
	}

	require.Equal(t, `{"type":"NEW_BID"}`, string(recv(t, s)))
	select {
	case <-s.send:
		t.Fatal("buffer should hold exactly one message")
	default:
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := newHub(t, nil)
	ctx := context.Background()

	s := h.Attach("alice", "")
	recv(t, s)
	require.NoError(t, h.Join(ctx, s, "auction:a1"))
	recv(t, s)

	h.Leave(ctx, s, "auction:a1")
	require.Zero(t, h.RoomSize("auction:a1"))

	h.HandleBusMessage("auction:a1", []byte(`{"type":"NEW_BID"}`))
	select {
	case data := <-s.send:
		t.Fatalf("unexpected delivery after leave: %s", data)
	default:
	}
}

func TestDetachClosesSession(t *testing.T) {
	h := newHub(t, nil)
	ctx := context.Background()

	s := h.Attach("alice", "")
	require.NoError(t, h.Join(ctx, s, "auction:a1"))

	h.Detach(ctx, s)
	require.Zero(t, h.RoomSize("auction:a1"))

	// The send channel is closed and drained.
	for range s.send {
	}

	// Detach is idempotent.
	h.Detach(ctx, s)
}

func TestRunShutdownClosesSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := NewHub(nil, Config{HeartbeatInterval: 10 * time.Millisecond, SessionSendBuffer: 4}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	s := h.Attach("alice", "")
	require.NoError(t, h.Join(ctx, s, "auction:a1"))

	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	// Shutdown detached everything; the send channel is closed.
	require.Zero(t, h.RoomSize("auction:a1"))
	for range s.send {
	}
}

func TestSweepDetachesSilentSessions(t *testing.T) {
	h := newHub(t, nil)
	ctx := context.Background()

	base := time.Now()
	clock := base
	h.WithClock(func() time.Time { return clock })

	idle := h.Attach("alice", "")
	alive := h.Attach("alice", "")
	require.NoError(t, h.Join(ctx, idle, "auction:a1"))
	require.NoError(t, h.Join(ctx, alive, "auction:a1"))
	require.Equal(t, 2, h.RoomSize("auction:a1"))

	// Only one session keeps heartbeating past two intervals.
	clock = base.Add(3 * time.Second)
	alive.touch(clock)
	h.sweep(ctx)

	require.Equal(t, 1, h.RoomSize("auction:a1"))
	h.HandleBusMessage("auction:a1", []byte(`{"type":"NEW_BID"}`))

	// Drain the live session: connected, state sync, then the bid.
	recv(t, alive)
	recv(t, alive)
	require.Equal(t, `{"type":"NEW_BID"}`, string(recv(t, alive)))
}
