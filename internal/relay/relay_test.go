package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollandav/boardroom/pkg/protocol"
)

func newTestRelay(t *testing.T, opts Options) *Relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if opts.BufferSize == 0 {
		opts.BufferSize = 8
	}
	if opts.BufferTTL == 0 {
		opts.BufferTTL = time.Hour
	}
	return New(ctx, opts, nil)
}

func drain(ch <-chan protocol.ServerMessage) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSend_DeliversToAttachedRecipient(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 4)
	r.Attach("bob", out)

	r.Send("alice", "bob", protocol.SignalOffer, json.RawMessage(`{"sdp":"x"}`))

	got := drain(out)
	require.Len(t, got, 1)
	require.Equal(t, protocol.TypeSignal, got[0].Type)
	require.Equal(t, "alice", got[0].From)
	require.Equal(t, protocol.SignalOffer, got[0].SignalType)
}

func TestSend_BuffersForLateRecipientInOrder(t *testing.T) {
	r := newTestRelay(t, Options{})

	r.Send("alice", "bob", protocol.SignalOffer, json.RawMessage(`1`))
	r.Send("alice", "bob", protocol.SignalCandidate, json.RawMessage(`2`))
	r.Send("alice", "bob", protocol.SignalCandidate, json.RawMessage(`3`))

	out := make(chan protocol.ServerMessage, 8)
	r.Attach("bob", out)

	got := drain(out)
	require.Len(t, got, 3)
	for i, m := range got {
		require.Equal(t, strconv.Itoa(i+1), string(m.Payload))
	}
}

func TestSend_BufferDropsOldestAtCap(t *testing.T) {
	r := newTestRelay(t, Options{BufferSize: 2})

	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`1`))
	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`2`))
	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`3`))

	out := make(chan protocol.ServerMessage, 8)
	r.Attach("bob", out)

	got := drain(out)
	require.Len(t, got, 2)
	require.Equal(t, `2`, string(got[0].Payload))
	require.Equal(t, `3`, string(got[1].Payload))
}

func TestDeliver_SkipsOfflineIdentities(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 4)
	r.Attach("b", out)

	r.Deliver([]string{"a", "b"}, protocol.ServerMessage{Type: protocol.TypeMemberJoined})

	require.Len(t, drain(out), 1)
	// "a" never attached; the event must not sit in its signal buffer
	late := make(chan protocol.ServerMessage, 4)
	r.Attach("a", late)
	require.Empty(t, drain(late))
}

func TestPush_SlowClientIsDropped(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 1)
	r.Attach("bob", out)

	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`1`))
	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`2`)) // overflows, closes

	got, ok := <-out
	require.True(t, ok)
	require.Equal(t, `1`, string(got.Payload))
	_, ok = <-out
	require.False(t, ok, "expected outbox closed after overflow")
}

func TestDetach_ClosesOutbox(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 1)
	r.Attach("bob", out)
	r.Detach("bob")

	_, ok := <-out
	require.False(t, ok, "expected detach to close the outbox and release its writer")
}

func TestDetach_AfterSlowDrop(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 1)
	r.Attach("bob", out)
	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`1`))
	r.Send("a", "bob", protocol.SignalCandidate, json.RawMessage(`2`)) // overflows, closes

	// The drop path already closed the outbox; detach must not close again.
	r.Detach("bob")
}

func TestDetach_Idempotent(t *testing.T) {
	r := newTestRelay(t, Options{})

	out := make(chan protocol.ServerMessage, 1)
	r.Attach("bob", out)
	r.Detach("bob")
	r.Detach("bob")
	r.Detach("never-attached")

	// sends after detach buffer again rather than panicking on a stale conn
	r.Send("a", "bob", protocol.SignalOffer, json.RawMessage(`1`))
	require.Empty(t, drain(out))
}

func TestExpire_DropsStalePayloads(t *testing.T) {
	r := newTestRelay(t, Options{BufferTTL: 10 * time.Millisecond})

	r.Send("a", "ghost", protocol.SignalOffer, json.RawMessage(`1`))
	r.expire(time.Now().Add(time.Second))

	out := make(chan protocol.ServerMessage, 4)
	r.Attach("ghost", out)
	require.Empty(t, drain(out))
}
