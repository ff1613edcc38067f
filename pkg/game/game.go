// Package game defines the adapter boundary between the replication layer
// and an actual rule engine. The replication channel treats game state and
// actions as opaque JSON; a Game supplies the initial state and the pure
// transition function that folds actions into it.
package game

import "encoding/json"

type Game interface {
	// Initial returns the starting state for a fresh room.
	Initial() json.RawMessage

	// Apply folds one action into the state and returns the next state. It
	// must be pure: no side effects, same inputs always give the same
	// output. An error rejects the action and leaves state unchanged.
	Apply(state, action json.RawMessage) (json.RawMessage, error)
}

// Func adapts a bare function and an initial value into a Game.
type Func struct {
	First json.RawMessage
	Step  func(state, action json.RawMessage) (json.RawMessage, error)
}

func (f Func) Initial() json.RawMessage { return f.First }

func (f Func) Apply(state, action json.RawMessage) (json.RawMessage, error) {
	return f.Step(state, action)
}
