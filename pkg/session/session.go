// Package session is the client end of the relay: it dials the server's
// websocket endpoint, runs createRoom/joinRoom/leaveRoom requests, sends
// fire-and-forget negotiation signals, and streams server events. It knows
// nothing about peer links or game state; the peer layer consumes it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/hollandav/boardroom/pkg/protocol"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
	ErrClosed       = errors.New("session closed")
)

const writeTimeout = 3 * time.Second

// Event is anything the relay pushes that is not a reply to an in-flight
// request. The marker method keeps the switch in consumers exhaustive.
type Event interface{ isSessionEvent() }

type MemberJoined struct {
	Member  protocol.Member
	Members []protocol.Member
}

type MemberLeft struct {
	Identity      string
	Members       []protocol.Member
	CoordinatorID string
}

type CoordinatorChanged struct{ Identity string }

type HostUnreachable struct{}

// SignalReceived is a relayed negotiation payload.
type SignalReceived struct {
	From       string
	SignalType string
	Payload    json.RawMessage
}

// Disconnected is the terminal event: the relay socket is gone.
type Disconnected struct{ Err error }

func (MemberJoined) isSessionEvent()       {}
func (MemberLeft) isSessionEvent()         {}
func (CoordinatorChanged) isSessionEvent() {}
func (HostUnreachable) isSessionEvent()    {}
func (SignalReceived) isSessionEvent()     {}
func (Disconnected) isSessionEvent()       {}

// RoomInfo is the result of CreateRoom or JoinRoom.
type RoomInfo struct {
	RoomID        string
	Identity      string
	Members       []protocol.Member
	CoordinatorID string
}

type Session struct {
	conn   *websocket.Conn
	log    *zap.Logger
	events chan Event

	mu      sync.Mutex
	pending chan protocol.ServerMessage // one in-flight request at a time

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay endpoint (a ws:// or wss:// URL ending in /ws).
func Dial(ctx context.Context, url string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}
	s := &Session{
		conn:   conn,
		log:    log,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events streams membership events, signals and the terminal Disconnected.
// The channel closes after Disconnected is delivered.
func (s *Session) Events() <-chan Event { return s.events }

// CreateRoom asks the registry for a fresh room with this connection as
// coordinator.
func (s *Session) CreateRoom(ctx context.Context, name string) (RoomInfo, error) {
	reply, err := s.request(ctx, protocol.ClientMessage{Type: protocol.TypeCreateRoom, Name: name})
	if err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{
		RoomID:        reply.RoomID,
		Identity:      reply.Identity,
		Members:       reply.Members,
		CoordinatorID: reply.Identity,
	}, nil
}

// JoinRoom joins an existing room by code. ErrRoomNotFound and ErrRoomFull
// are retryable user errors.
func (s *Session) JoinRoom(ctx context.Context, roomID, name string) (RoomInfo, error) {
	reply, err := s.request(ctx, protocol.ClientMessage{Type: protocol.TypeJoinRoom, RoomID: roomID, Name: name})
	if err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{
		RoomID:        reply.RoomID,
		Identity:      reply.Identity,
		Members:       reply.Members,
		CoordinatorID: reply.CoordinatorID,
	}, nil
}

// LeaveRoom tells the registry to drop us. No reply is expected.
func (s *Session) LeaveRoom(ctx context.Context) error {
	return s.write(ctx, protocol.ClientMessage{Type: protocol.TypeLeaveRoom})
}

// Signal relays an opaque negotiation payload to another identity.
func (s *Session) Signal(ctx context.Context, to, signalType string, payload json.RawMessage) error {
	return s.write(ctx, protocol.ClientMessage{
		Type:       protocol.TypeSignal,
		To:         to,
		SignalType: signalType,
		Payload:    payload,
	})
}

// SetGameState publishes the coordinator's latest snapshot to the registry.
// The server rejects it from non-coordinators.
func (s *Session) SetGameState(ctx context.Context, payload json.RawMessage) error {
	return s.write(ctx, protocol.ClientMessage{Type: protocol.TypeSetGameState, Payload: payload})
}

// ReportUnreachable is the coordinator's synthetic leave for a member whose
// negotiation never arrived.
func (s *Session) ReportUnreachable(ctx context.Context, identity string) error {
	return s.write(ctx, protocol.ClientMessage{Type: protocol.TypeReportUnreachable, To: identity})
}

// Close tears the session down. Idempotent; pending requests and the event
// stream are released.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return nil
}

func (s *Session) request(ctx context.Context, cm protocol.ClientMessage) (protocol.ServerMessage, error) {
	pending := make(chan protocol.ServerMessage, 1)

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return protocol.ServerMessage{}, errors.New("session: request already in flight")
	}
	s.pending = pending
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	if err := s.write(ctx, cm); err != nil {
		return protocol.ServerMessage{}, err
	}

	select {
	case reply := <-pending:
		if reply.Type == protocol.TypeError {
			return protocol.ServerMessage{}, replyError(reply)
		}
		return reply, nil
	case <-s.closed:
		return protocol.ServerMessage{}, ErrClosed
	case <-ctx.Done():
		return protocol.ServerMessage{}, ctx.Err()
	}
}

func (s *Session) write(ctx context.Context, cm protocol.ClientMessage) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	payload, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, payload)
}

func (s *Session) readLoop() {
	var cause error
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				select {
				case <-s.closed:
				default:
					cause = err
				}
			}
			break
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("bad server message", zap.Error(err))
			continue
		}
		s.route(msg)
	}

	s.Close()
	s.emit(Disconnected{Err: cause})
	close(s.events)
}

func (s *Session) route(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.TypeRoomCreated, protocol.TypeRoomJoined, protocol.TypeError:
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			pending <- msg
			return
		}
		if msg.Type == protocol.TypeError {
			s.log.Warn("server error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		}

	case protocol.TypeMemberJoined:
		var m protocol.Member
		if msg.Member != nil {
			m = *msg.Member
		}
		s.emit(MemberJoined{Member: m, Members: msg.Members})

	case protocol.TypeMemberLeft:
		s.emit(MemberLeft{Identity: msg.Identity, Members: msg.Members, CoordinatorID: msg.CoordinatorID})

	case protocol.TypeCoordinatorChanged:
		s.emit(CoordinatorChanged{Identity: msg.Identity})

	case protocol.TypeHostUnreachable:
		s.emit(HostUnreachable{})

	case protocol.TypeSignal:
		s.emit(SignalReceived{From: msg.From, SignalType: msg.SignalType, Payload: msg.Payload})

	default:
		s.log.Debug("unknown server message", zap.String("type", msg.Type))
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.closed:
		// Teardown in progress. Events may be dropped; the consumer is
		// gone anyway.
		select {
		case s.events <- e:
		default:
		}
	}
}

func replyError(msg protocol.ServerMessage) error {
	switch msg.Code {
	case protocol.CodeNotFound:
		return ErrRoomNotFound
	case protocol.CodeFull:
		return ErrRoomFull
	default:
		return fmt.Errorf("session: server error %s: %s", msg.Code, msg.Message)
	}
}
