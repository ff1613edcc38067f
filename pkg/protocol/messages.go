// Package protocol defines the wire schema shared by the relay server and
// the client packages: relay messages in both directions plus the
// application messages carried over a direct peer link once negotiation
// completes. Everything is JSON; negotiation payloads are opaque blobs the
// relay forwards verbatim.
package protocol

import "encoding/json"

// Client -> server message types.
const (
	TypeCreateRoom        = "createRoom"
	TypeJoinRoom          = "joinRoom"
	TypeLeaveRoom         = "leaveRoom"
	TypeSignal            = "signal"
	TypeSetGameState      = "setGameState"
	TypeReportUnreachable = "reportUnreachable"
)

// Server -> client message types.
const (
	TypeRoomCreated        = "roomCreated"
	TypeRoomJoined         = "roomJoined"
	TypeMemberJoined       = "memberJoined"
	TypeMemberLeft         = "memberLeft"
	TypeCoordinatorChanged = "coordinatorChanged"
	TypeHostUnreachable    = "hostUnreachable"
	TypeError              = "error"
)

// Error codes carried in ServerMessage.Code.
const (
	CodeNotFound   = "NotFound"
	CodeFull       = "Full"
	CodeBadRequest = "BadRequest"
)

// Negotiation phases. The relay treats these as an opaque tag; the peer
// layer gives them meaning.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Member is the wire form of a room participant.
type Member struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsCoordinator bool   `json:"isCoordinator"`
}

// ClientMessage is everything a client may send over the relay socket.
type ClientMessage struct {
	Type string `json:"type"`

	// joinRoom
	RoomID string `json:"roomId,omitempty"`

	// createRoom / joinRoom
	Name string `json:"name,omitempty"`

	// signal / setGameState
	To         string          `json:"to,omitempty"`
	SignalType string          `json:"signalType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is everything the relay may push to a client.
type ServerMessage struct {
	Type string `json:"type"`

	RoomID        string   `json:"roomId,omitempty"`
	Identity      string   `json:"identity,omitempty"`
	CoordinatorID string   `json:"coordinatorId,omitempty"`
	Members       []Member `json:"members,omitempty"`
	Member        *Member  `json:"member,omitempty"`

	// signal relay
	From       string          `json:"from,omitempty"`
	SignalType string          `json:"signalType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
