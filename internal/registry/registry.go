// Package registry owns the room table: creation, joins, leaves,
// coordinator succession and garbage collection. All mutation goes through
// a single actor goroutine, so no room is ever touched concurrently. The
// registry knows nothing about transports; membership events leave through
// the Broadcaster interface the relay implements.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hollandav/boardroom/pkg/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
	ErrNotMember    = errors.New("not a member of any room")
	ErrNotHost      = errors.New("only the coordinator may do this")
)

// Broadcaster delivers a server message to each listed identity. The relay
// implements this; tests substitute a recorder.
type Broadcaster interface {
	Deliver(recipients []string, msg protocol.ServerMessage)
}

// Room is the authoritative record for one session. Members are kept in
// join order; that order is also the coordinator succession order.
type Room struct {
	ID            string
	CoordinatorID string
	Members       []protocol.Member
	Created       time.Time
	LastActive    time.Time

	// GameState is the coordinator's last published snapshot, opaque here.
	// Nil before the game starts.
	GameState json.RawMessage
}

// RoomInfo is the diagnostic view served by the /rooms endpoint.
type RoomInfo struct {
	ID            string    `json:"id"`
	CoordinatorID string    `json:"coordinatorId"`
	MemberCount   int       `json:"members"`
	Created       time.Time `json:"created"`
}

// StatsView is the liveness probe payload.
type StatsView struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

type Msg interface{ isRegistryMsg() }

type CreateRoom struct {
	Identity string
	Name     string
	Reply    chan CreateResult
}

type JoinRoom struct {
	RoomID   string
	Identity string
	Name     string
	Reply    chan JoinResult
}

// Leave removes an identity from whatever room it belongs to. Unknown
// identities are a no-op, which makes the disconnect path idempotent.
type Leave struct {
	Identity string

	// Unreachable marks a coordinator-reported synthetic leave rather than
	// an explicit leaveRoom or transport drop. The removed identity, if
	// still on the relay, is told the host gave up on it.
	Unreachable bool

	// ReportedBy is set on unreachable leaves; the report is honored only
	// if it names the current coordinator of the member's room.
	ReportedBy string
}

// SetGameState stores the coordinator's latest snapshot on the room so a
// successor can be seeded server-side if it never saw one peer-to-peer.
type SetGameState struct {
	Identity string
	Payload  json.RawMessage
	Reply    chan error
}

type ListRooms struct{ Reply chan []RoomInfo }

type Stats struct{ Reply chan StatsView }

type Shutdown struct{}

func (CreateRoom) isRegistryMsg()   {}
func (JoinRoom) isRegistryMsg()     {}
func (Leave) isRegistryMsg()        {}
func (SetGameState) isRegistryMsg() {}
func (ListRooms) isRegistryMsg()    {}
func (Stats) isRegistryMsg()        {}
func (Shutdown) isRegistryMsg()     {}

type CreateResult struct {
	RoomID string
	Member protocol.Member
}

type JoinResult struct {
	Err           error
	RoomID        string
	Members       []protocol.Member
	CoordinatorID string
}

type Options struct {
	RoomCap       int
	RoomIdle      time.Duration
	SweepInterval time.Duration
}

type Registry struct {
	inbox    chan Msg
	rooms    map[string]*Room
	byMember map[string]string // identity -> room id
	bc       Broadcaster
	opts     Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, bc Broadcaster, opts Options, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		rooms:    make(map[string]*Room),
		byMember: make(map[string]string),
		bc:       bc,
		opts:     opts,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	sweep := time.NewTicker(r.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-sweep.C:
			r.sweep()

		case m := <-r.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				msg.Reply <- r.create(msg)

			case JoinRoom:
				msg.Reply <- r.join(msg)

			case Leave:
				r.leave(msg)

			case SetGameState:
				msg.Reply <- r.setGameState(msg)

			case ListRooms:
				msg.Reply <- r.list()

			case Stats:
				msg.Reply <- r.stats()

			case Shutdown:
				r.cancel()
				return
			}
		}
	}
}

func (r *Registry) create(msg CreateRoom) CreateResult {
	r.leave(Leave{Identity: msg.Identity})
	code := r.freshCode()
	member := protocol.Member{
		ID:            msg.Identity,
		Name:          displayName(msg.Name, 1),
		IsCoordinator: true,
	}
	now := time.Now()
	r.rooms[code] = &Room{
		ID:            code,
		CoordinatorID: msg.Identity,
		Members:       []protocol.Member{member},
		Created:       now,
		LastActive:    now,
	}
	r.byMember[msg.Identity] = code
	r.log.Info("room created", zap.String("room", code), zap.String("coordinator", msg.Identity))
	return CreateResult{RoomID: code, Member: member}
}

func (r *Registry) join(msg JoinRoom) JoinResult {
	// One seat per identity: joining while still listed elsewhere leaves
	// the old room first, so no ghost member lingers until the sweep.
	r.leave(Leave{Identity: msg.Identity})

	room, ok := r.rooms[msg.RoomID]
	if !ok {
		return JoinResult{Err: ErrRoomNotFound}
	}
	if len(room.Members) >= r.opts.RoomCap {
		return JoinResult{Err: ErrRoomFull}
	}

	member := protocol.Member{
		ID:   msg.Identity,
		Name: displayName(msg.Name, len(room.Members)+1),
	}
	room.Members = append(room.Members, member)
	room.LastActive = time.Now()
	r.byMember[msg.Identity] = room.ID

	r.bc.Deliver(room.memberIDsExcept(msg.Identity), protocol.ServerMessage{
		Type:    protocol.TypeMemberJoined,
		RoomID:  room.ID,
		Member:  &member,
		Members: room.membersCopy(),
	})

	r.log.Info("member joined", zap.String("room", room.ID), zap.String("identity", msg.Identity))
	return JoinResult{
		RoomID:        room.ID,
		Members:       room.membersCopy(),
		CoordinatorID: room.CoordinatorID,
	}
}

func (r *Registry) leave(msg Leave) {
	identity, unreachable := msg.Identity, msg.Unreachable
	roomID, ok := r.byMember[identity]
	if !ok {
		return
	}
	room := r.rooms[roomID]
	if unreachable && msg.ReportedBy != room.CoordinatorID {
		return
	}
	delete(r.byMember, identity)
	wasCoordinator := room.CoordinatorID == identity
	room.Members = removeMember(room.Members, identity)
	room.LastActive = time.Now()

	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
		r.log.Info("room deleted", zap.String("room", roomID))
		return
	}

	if wasCoordinator {
		// Succession: earliest joiner still present.
		room.Members[0].IsCoordinator = true
		room.CoordinatorID = room.Members[0].ID
		r.bc.Deliver(room.memberIDsExcept(""), protocol.ServerMessage{
			Type:     protocol.TypeCoordinatorChanged,
			RoomID:   room.ID,
			Identity: room.CoordinatorID,
		})
		r.log.Info("coordinator promoted",
			zap.String("room", room.ID), zap.String("coordinator", room.CoordinatorID))
	}

	r.bc.Deliver(room.memberIDsExcept(identity), protocol.ServerMessage{
		Type:          protocol.TypeMemberLeft,
		RoomID:        room.ID,
		Identity:      identity,
		Members:       room.membersCopy(),
		CoordinatorID: room.CoordinatorID,
	})

	if unreachable {
		// The removed member may still hold a live relay socket; tell it
		// the coordinator gave up waiting for its negotiation.
		r.bc.Deliver([]string{identity}, protocol.ServerMessage{
			Type:   protocol.TypeHostUnreachable,
			RoomID: room.ID,
		})
	}
}

func (r *Registry) setGameState(msg SetGameState) error {
	roomID, ok := r.byMember[msg.Identity]
	if !ok {
		return ErrNotMember
	}
	room := r.rooms[roomID]
	if room.CoordinatorID != msg.Identity {
		return ErrNotHost
	}
	room.GameState = msg.Payload
	room.LastActive = time.Now()
	return nil
}

func (r *Registry) list() []RoomInfo {
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, RoomInfo{
			ID:            room.ID,
			CoordinatorID: room.CoordinatorID,
			MemberCount:   len(room.Members),
			Created:       room.Created,
		})
	}
	return out
}

func (r *Registry) stats() StatsView {
	members := 0
	for _, room := range r.rooms {
		members += len(room.Members)
	}
	return StatsView{Rooms: len(r.rooms), Members: members}
}

// sweep is advisory cleanup. Correctness never depends on it: empty rooms
// are already deleted on the last leave, this just catches rooms whose
// members all vanished without a disconnect callback plus long-idle rooms.
func (r *Registry) sweep() {
	now := time.Now()
	for id, room := range r.rooms {
		if len(room.Members) == 0 || now.Sub(room.LastActive) > r.opts.RoomIdle {
			for _, m := range room.Members {
				delete(r.byMember, m.ID)
			}
			delete(r.rooms, id)
			r.log.Info("room swept", zap.String("room", id))
		}
	}
}

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func generateCode() string {
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand only fails if the platform source is broken.
			panic(err)
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code)
}

func (r *Registry) freshCode() string {
	for {
		code := generateCode()
		if _, taken := r.rooms[code]; !taken {
			return code
		}
		r.log.Warn("room code collision, regenerating")
	}
}

func displayName(requested string, slot int) string {
	if requested != "" {
		return requested
	}
	return "Player " + strconv.Itoa(slot)
}

func removeMember(members []protocol.Member, identity string) []protocol.Member {
	out := members[:0]
	for _, m := range members {
		if m.ID != identity {
			out = append(out, m)
		}
	}
	return out
}

func (room *Room) membersCopy() []protocol.Member {
	out := make([]protocol.Member, len(room.Members))
	copy(out, room.Members)
	return out
}

func (room *Room) memberIDsExcept(identity string) []string {
	out := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		if m.ID != identity {
			out = append(out, m.ID)
		}
	}
	return out
}
