package protocol

import "encoding/json"

// Peer-link message types, used once a direct channel exists. These never
// travel through the relay.
const (
	PeerAction     = "action"
	PeerSnapshot   = "snapshot"
	PeerMembership = "membership"
)

// PeerMessage is the envelope for every message on a direct peer link.
type PeerMessage struct {
	Type string `json:"type"`

	// action: an intent submitted to the coordinator. Opaque to this layer.
	Action json.RawMessage `json:"action,omitempty"`

	// snapshot: the full game state as assigned by the coordinator.
	Seq      uint64          `json:"seq,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	// membership: the coordinator's view of the player list.
	Members []Member `json:"members,omitempty"`
}

// EncodePeer marshals a peer message for the link.
func EncodePeer(m PeerMessage) ([]byte, error) { return json.Marshal(m) }

// DecodePeer unmarshals a peer message received from the link.
func DecodePeer(data []byte) (PeerMessage, error) {
	var m PeerMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
