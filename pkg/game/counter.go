package game

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownOp = errors.New("unknown op")

// Counter is a minimal Game used by tests and examples: the state is a
// running total plus a move counter, actions add to it.
type Counter struct{}

type counterState struct {
	Total int `json:"total"`
	Moves int `json:"moves"`
}

type counterAction struct {
	Op string `json:"op"`
	N  int    `json:"n"`
}

func (Counter) Initial() json.RawMessage {
	return json.RawMessage(`{"total":0,"moves":0}`)
}

func (Counter) Apply(state, action json.RawMessage) (json.RawMessage, error) {
	var s counterState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("counter state: %w", err)
	}
	var a counterAction
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("counter action: %w", err)
	}
	switch a.Op {
	case "add":
		s.Total += a.N
	case "reset":
		s.Total = 0
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, a.Op)
	}
	s.Moves++
	return json.Marshal(s)
}

// Add builds an add action, a convenience for tests.
func Add(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"op":"add","n":%d}`, n))
}
