package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollandav/boardroom/pkg/protocol"
)

// recorder captures broadcast deliveries so tests can assert on events
// without any transport.
type recorder struct {
	mu     sync.Mutex
	events []delivery
}

type delivery struct {
	recipients []string
	msg        protocol.ServerMessage
}

func (r *recorder) Deliver(recipients []string, msg protocol.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, delivery{recipients: recipients, msg: msg})
}

func (r *recorder) byType(t string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.events {
		if d.msg.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func newTestRegistry(t *testing.T, cap int) (*Registry, *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec := &recorder{}
	r := New(ctx, rec, Options{
		RoomCap:       cap,
		RoomIdle:      time.Hour,
		SweepInterval: time.Hour,
	}, nil)
	return r, rec
}

func createRoom(t *testing.T, r *Registry, identity string) CreateResult {
	t.Helper()
	reply := make(chan CreateResult, 1)
	r.Inbox() <- CreateRoom{Identity: identity, Reply: reply}
	return recv(t, reply)
}

func joinRoom(t *testing.T, r *Registry, roomID, identity string) JoinResult {
	t.Helper()
	reply := make(chan JoinResult, 1)
	r.Inbox() <- JoinRoom{RoomID: roomID, Identity: identity, Reply: reply}
	return recv(t, reply)
}

func listRooms(t *testing.T, r *Registry) []RoomInfo {
	t.Helper()
	reply := make(chan []RoomInfo, 1)
	r.Inbox() <- ListRooms{Reply: reply}
	return recv(t, reply)
}

func recv[T any](t *testing.T, ch <-chan T, within ...time.Duration) T {
	t.Helper()
	d := 500 * time.Millisecond
	if len(within) > 0 {
		d = within[0]
	}
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatalf("timed out waiting for reply")
		var zero T
		return zero // unreachable
	}
}

func TestCreateRoom_CallerIsSoleCoordinator(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	res := createRoom(t, r, "a")
	require.Len(t, res.RoomID, 6)
	require.True(t, res.Member.IsCoordinator)
	require.Equal(t, "Player 1", res.Member.Name)

	rooms := listRooms(t, r)
	require.Len(t, rooms, 1)
	require.Equal(t, "a", rooms[0].CoordinatorID)
	require.Equal(t, 1, rooms[0].MemberCount)
}

func TestJoinRoom_UnknownCode(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	res := joinRoom(t, r, "NOSUCH", "b")
	require.ErrorIs(t, res.Err, ErrRoomNotFound)
}

func TestJoinRoom_FullAtCap(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID

	for _, id := range []string{"b", "c", "d"} {
		require.NoError(t, joinRoom(t, r, room, id).Err)
	}
	res := joinRoom(t, r, room, "e")
	require.ErrorIs(t, res.Err, ErrRoomFull)

	// the failed join never became a member
	require.Equal(t, 4, listRooms(t, r)[0].MemberCount)
}

func TestJoinRoom_NotifiesExistingMembersOnly(t *testing.T) {
	r, rec := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID

	res := joinRoom(t, r, room, "b")
	require.NoError(t, res.Err)
	require.Equal(t, "a", res.CoordinatorID)
	require.Len(t, res.Members, 2)

	joined := rec.byType(protocol.TypeMemberJoined)
	require.Len(t, joined, 1)
	require.Equal(t, []string{"a"}, joined[0].recipients)
	require.Equal(t, "b", joined[0].msg.Member.ID)
}

func TestJoinRoom_EvictsIdentityFromPreviousRoom(t *testing.T) {
	r, rec := newTestRegistry(t, 4)
	first := createRoom(t, r, "host1")
	joinRoom(t, r, first.RoomID, "mover")
	second := createRoom(t, r, "host2")

	res := joinRoom(t, r, second.RoomID, "mover")
	require.NoError(t, res.Err)

	rooms := listRooms(t, r)
	byID := make(map[string]RoomInfo, len(rooms))
	for _, ri := range rooms {
		byID[ri.ID] = ri
	}
	require.Equal(t, 1, byID[first.RoomID].MemberCount, "old room still holds the moved identity")
	require.Equal(t, 2, byID[second.RoomID].MemberCount)

	// The old room heard a memberLeft for the move.
	left := rec.byType(protocol.TypeMemberLeft)
	require.NotEmpty(t, left)
	require.Equal(t, "mover", left[len(left)-1].msg.Identity)
	require.Equal(t, first.RoomID, left[len(left)-1].msg.RoomID)
}

func TestCreateRoom_EvictsIdentityFromPreviousRoom(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	first := createRoom(t, r, "host")
	joinRoom(t, r, first.RoomID, "mover")

	createRoom(t, r, "mover")

	rooms := listRooms(t, r)
	require.Len(t, rooms, 2)
	for _, ri := range rooms {
		require.Equal(t, 1, ri.MemberCount)
	}
}

func TestLeave_CoordinatorSuccessionIsJoinOrder(t *testing.T) {
	r, rec := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)
	require.NoError(t, joinRoom(t, r, room, "c").Err)

	r.Inbox() <- Leave{Identity: "a"}

	require.Eventually(t, func() bool {
		rooms := listRooms(t, r)
		return len(rooms) == 1 && rooms[0].CoordinatorID == "b"
	}, time.Second, 10*time.Millisecond)

	changed := rec.byType(protocol.TypeCoordinatorChanged)
	require.Len(t, changed, 1)
	require.Equal(t, "b", changed[0].msg.Identity)

	left := rec.byType(protocol.TypeMemberLeft)
	require.Len(t, left, 1)
	require.ElementsMatch(t, []string{"b", "c"}, left[0].recipients)
	require.Equal(t, "b", left[0].msg.CoordinatorID)
}

func TestLeave_ExactlyOneCoordinatorAcrossChurn(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)
	require.NoError(t, joinRoom(t, r, room, "c").Err)

	// a leaves (b promoted), then b leaves (c promoted), then d joins.
	r.Inbox() <- Leave{Identity: "a"}
	r.Inbox() <- Leave{Identity: "b"}
	require.NoError(t, joinRoom(t, r, room, "d").Err)

	res := joinRoom(t, r, room, "e")
	require.NoError(t, res.Err)
	require.Equal(t, "c", res.CoordinatorID)

	coordinators := 0
	for _, m := range res.Members {
		if m.IsCoordinator {
			coordinators++
			require.Equal(t, "c", m.ID)
		}
	}
	require.Equal(t, 1, coordinators)
}

func TestLeave_LastMemberDeletesRoom(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	_ = room

	r.Inbox() <- Leave{Identity: "a"}
	require.Eventually(t, func() bool {
		return len(listRooms(t, r)) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestLeave_UnknownIdentityIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	createRoom(t, r, "a")

	// double leave of a stranger must not disturb the room
	r.Inbox() <- Leave{Identity: "ghost"}
	r.Inbox() <- Leave{Identity: "ghost"}

	rooms := listRooms(t, r)
	require.Len(t, rooms, 1)
	require.Equal(t, 1, rooms[0].MemberCount)
}

func TestLeave_UnreachableNotifiesRemovedMember(t *testing.T) {
	r, rec := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)

	r.Inbox() <- Leave{Identity: "b", Unreachable: true, ReportedBy: "a"}

	require.Eventually(t, func() bool {
		return len(rec.byType(protocol.TypeHostUnreachable)) == 1
	}, time.Second, 10*time.Millisecond)
	unreachable := rec.byType(protocol.TypeHostUnreachable)
	require.Equal(t, []string{"b"}, unreachable[0].recipients)
}

func TestLeave_UnreachableReportFromNonCoordinatorIgnored(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)
	require.NoError(t, joinRoom(t, r, room, "c").Err)

	r.Inbox() <- Leave{Identity: "c", Unreachable: true, ReportedBy: "b"}

	rooms := listRooms(t, r)
	require.Equal(t, 3, rooms[0].MemberCount)
}

func TestSetGameState_OnlyCoordinator(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)

	reply := make(chan error, 1)
	r.Inbox() <- SetGameState{Identity: "b", Payload: []byte(`{"turn":1}`), Reply: reply}
	require.ErrorIs(t, recv(t, reply), ErrNotHost)

	r.Inbox() <- SetGameState{Identity: "a", Payload: []byte(`{"turn":1}`), Reply: reply}
	require.NoError(t, recv(t, reply))
}

func TestStats_CountsRoomsAndMembers(t *testing.T) {
	r, _ := newTestRegistry(t, 4)
	room := createRoom(t, r, "a").RoomID
	require.NoError(t, joinRoom(t, r, room, "b").Err)
	createRoom(t, r, "x")

	reply := make(chan StatsView, 1)
	r.Inbox() <- Stats{Reply: reply}
	stats := recv(t, reply)
	require.Equal(t, 2, stats.Rooms)
	require.Equal(t, 3, stats.Members)
}

func TestSweep_DropsIdleRooms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec := &recorder{}
	r := New(ctx, rec, Options{
		RoomCap:       4,
		RoomIdle:      20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, nil)

	createRoom(t, r, "a")
	require.Eventually(t, func() bool {
		return len(listRooms(t, r)) == 0
	}, time.Second, 10*time.Millisecond)
}
