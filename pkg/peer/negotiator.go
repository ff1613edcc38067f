// Package peer drives the per-remote connection state machines that turn
// relayed negotiation payloads into direct peer links. The topology is a
// star: the room coordinator links to every member, members never link to
// each other. The actual connectivity mechanics (ICE, SDP, hole punching)
// live behind the Negotiator interface; this package only sequences them.
package peer

import (
	"encoding/json"
	"errors"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrPeerUnreachable    = errors.New("peer unreachable")
	ErrCoordinatorLost    = errors.New("coordinator lost")
	ErrLinkClosed         = errors.New("peer link closed")
)

// Signal is one negotiation payload. Type is one of the protocol signal
// phases (offer, answer, candidate); Payload is opaque to this package.
type Signal struct {
	Type    string
	Payload json.RawMessage
}

// Conn is an established bidirectional channel to one remote.
type Conn interface {
	// Send queues one message. It must not block indefinitely; a wedged
	// remote is an error.
	Send(data []byte) error

	// Recv yields incoming messages. The channel closes when the link dies.
	Recv() <-chan []byte

	// Close releases the channel. Idempotent.
	Close() error
}

// Negotiator is the external negotiation primitive for one prospective
// link. The initiator side produces the first payload; both sides feed
// payloads relayed from the remote into HandleSignal until one of Ready or
// Failed fires, each of which fires at most once.
type Negotiator interface {
	// Signals yields payloads that must be relayed to the remote side.
	// Nothing is read from it after Ready fires.
	Signals() <-chan Signal

	// HandleSignal feeds a payload received from the remote side. It must
	// be safe to call at any point in the negotiation.
	HandleSignal(s Signal) error

	// Ready yields the established channel.
	Ready() <-chan Conn

	// Failed yields a terminal negotiation error.
	Failed() <-chan error

	// Close abandons the negotiation and any channel it produced.
	Close() error
}

// NegotiatorFactory builds a Negotiator for one remote identity. initiator
// is true on the side that opens the exchange (the joiner, in the star).
type NegotiatorFactory func(remote string, initiator bool) Negotiator
