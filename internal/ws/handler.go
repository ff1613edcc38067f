// Package ws binds the relay wire protocol to a websocket endpoint. One
// connection carries one identity for its whole life; the identity is
// assigned server-side on accept and handed to the client in its first
// createRoom/joinRoom reply.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hollandav/boardroom/internal/registry"
	"github.com/hollandav/boardroom/internal/relay"
	"github.com/hollandav/boardroom/pkg/protocol"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 32
)

type Handler struct {
	reg   *registry.Registry
	relay *relay.Relay
	log   *zap.Logger
}

func NewHandler(reg *registry.Registry, rel *relay.Relay, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{reg: reg, relay: rel, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser origins are vetted by the CORS layer in front of us;
		// the websocket handshake accepts any origin the router let through.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	identity := uuid.NewString()
	log := h.log.With(zap.String("identity", identity))
	log.Info("client connected")

	outbox := make(chan protocol.ServerMessage, outboxSize)
	h.relay.Attach(identity, outbox)
	defer func() {
		// Exactly-once teardown for this identity: forget the conn, then
		// leave whatever room it was in. Both calls are idempotent.
		h.relay.Detach(identity)
		h.reg.Inbox() <- registry.Leave{Identity: identity}
		log.Info("client disconnected")
	}()

	// Writer: drains the outbox until the relay closes it, either because
	// we detached on disconnect or because the client could not keep up.
	writeCtx, cancelWrites := context.WithCancel(r.Context())
	defer cancelWrites()
	go func() {
		for msg := range outbox {
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
			err = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
		if writeCtx.Err() == nil {
			// Relay dropped us mid-connection; force the reader to notice.
			conn.Close(websocket.StatusPolicyViolation, "too slow")
		}
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if r.Context().Err() == nil {
					log.Debug("read error", zap.Error(err))
				}
			}
			return
		}

		var cm protocol.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			h.replyError(identity, protocol.CodeBadRequest, "bad json")
			continue
		}
		h.dispatch(identity, cm)
	}
}

func (h *Handler) dispatch(identity string, cm protocol.ClientMessage) {
	switch cm.Type {
	case protocol.TypeCreateRoom:
		reply := make(chan registry.CreateResult, 1)
		h.reg.Inbox() <- registry.CreateRoom{Identity: identity, Name: cm.Name, Reply: reply}
		res := <-reply
		h.relay.Push(identity, protocol.ServerMessage{
			Type:     protocol.TypeRoomCreated,
			RoomID:   res.RoomID,
			Identity: identity,
			Members:  []protocol.Member{res.Member},
		})

	case protocol.TypeJoinRoom:
		reply := make(chan registry.JoinResult, 1)
		h.reg.Inbox() <- registry.JoinRoom{RoomID: cm.RoomID, Identity: identity, Name: cm.Name, Reply: reply}
		res := <-reply
		switch {
		case errors.Is(res.Err, registry.ErrRoomNotFound):
			h.replyError(identity, protocol.CodeNotFound, "room not found")
		case errors.Is(res.Err, registry.ErrRoomFull):
			h.replyError(identity, protocol.CodeFull, "room is full")
		case res.Err != nil:
			h.replyError(identity, protocol.CodeBadRequest, res.Err.Error())
		default:
			h.relay.Push(identity, protocol.ServerMessage{
				Type:          protocol.TypeRoomJoined,
				RoomID:        res.RoomID,
				Identity:      identity,
				Members:       res.Members,
				CoordinatorID: res.CoordinatorID,
			})
		}

	case protocol.TypeLeaveRoom:
		h.reg.Inbox() <- registry.Leave{Identity: identity}

	case protocol.TypeSignal:
		if cm.To == "" || cm.SignalType == "" {
			h.replyError(identity, protocol.CodeBadRequest, "signal needs to and signalType")
			return
		}
		h.relay.Send(identity, cm.To, cm.SignalType, cm.Payload)

	case protocol.TypeSetGameState:
		reply := make(chan error, 1)
		h.reg.Inbox() <- registry.SetGameState{Identity: identity, Payload: cm.Payload, Reply: reply}
		if err := <-reply; err != nil {
			h.replyError(identity, protocol.CodeBadRequest, err.Error())
		}

	case protocol.TypeReportUnreachable:
		// Coordinator-side expect-timeout: demote the unreachable member
		// through the normal leave path.
		h.reg.Inbox() <- registry.Leave{Identity: cm.To, Unreachable: true, ReportedBy: identity}

	default:
		h.replyError(identity, protocol.CodeBadRequest, "unknown message type")
	}
}

// Replies go through the relay rather than straight onto the outbox so they
// serialize with the relay's drop-slow-client path.
func (h *Handler) replyError(identity, code, message string) {
	h.relay.Push(identity, protocol.ServerMessage{Type: protocol.TypeError, Code: code, Message: message})
}
