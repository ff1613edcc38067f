// Package replicate carries authoritative game state over established peer
// links. The room coordinator is the single writer: every action, local or
// remote, funnels through one queue, is folded into the state by the game's
// pure Apply, stamped with the next sequence number and broadcast as a full
// snapshot. Replicas submit intents and apply whichever snapshot carries a
// higher sequence number than the last one they applied; everything else is
// discarded silently. That one rule makes the stream idempotent and
// tolerant of duplicate or reordered delivery.
package replicate

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hollandav/boardroom/pkg/game"
	"github.com/hollandav/boardroom/pkg/peer"
	"github.com/hollandav/boardroom/pkg/protocol"
	"github.com/hollandav/boardroom/pkg/session"
)

// Network is the slice of the peer manager the channel needs. Satisfied by
// *peer.Manager; tests substitute a fake.
type Network interface {
	Send(to string, data []byte)
	Broadcast(data []byte)
	Incoming() <-chan peer.Data
	Events() <-chan peer.Event
}

// StatePublisher mirrors the coordinator's snapshot to the registry so the
// room record holds the latest state. Optional; *session.Session satisfies
// it.
type StatePublisher interface {
	SetGameState(ctx context.Context, payload json.RawMessage) error
}

// Snapshot is one applied state, as seen by this participant.
type Snapshot struct {
	Seq   uint64
	State json.RawMessage
}

type Options struct {
	// Publisher, when set, receives every snapshot the coordinator
	// produces.
	Publisher StatePublisher
}

type query struct{ reply chan Snapshot }

// Channel replicates one room's state for one participant. A single loop
// goroutine owns all state; there is no other concurrency control, and none
// is needed.
type Channel struct {
	net  Network
	game game.Game
	opts Options
	log  *zap.Logger

	isHost bool
	hostID string

	seq     uint64
	hasSnap bool
	state   json.RawMessage

	submits     chan json.RawMessage
	queries     chan query
	snapshots   chan Snapshot
	memberships chan []protocol.Member
	events      chan peer.Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the channel. On the coordinator side the state is seeded from
// the game's initial value; replicas hold nothing until the first snapshot
// lands.
func New(parent context.Context, net Network, g game.Game, info session.RoomInfo, opts Options, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Channel{
		net:         net,
		game:        g,
		opts:        opts,
		log:         log.With(zap.String("self", info.Identity)),
		isHost:      info.Identity == info.CoordinatorID,
		hostID:      info.CoordinatorID,
		submits:     make(chan json.RawMessage, 64),
		queries:     make(chan query),
		snapshots:   make(chan Snapshot, 16),
		memberships: make(chan []protocol.Member, 16),
		events:      make(chan peer.Event, 16),
		ctx:         ctx,
		cancel:      cancel,
	}
	if c.isHost {
		c.state = g.Initial()
		c.hasSnap = true
	}
	go c.loop()
	return c
}

// Snapshots streams every state this participant applies, in order.
func (c *Channel) Snapshots() <-chan Snapshot { return c.snapshots }

// Memberships streams the coordinator-replicated player list.
func (c *Channel) Memberships() <-chan []protocol.Member { return c.memberships }

// Events passes the peer layer's events through after the channel has
// reacted to them, so callers keep one consumer of the peer stream.
func (c *Channel) Events() <-chan peer.Event { return c.events }

// SubmitAction hands an intent to the coordinator. On the coordinator it
// joins the same queue as remote actions; on a replica it is sent to the
// coordinator and the result is observed through the next snapshot, never
// through a return value. At-most-once: an action in flight when the
// coordinator changes is lost and must be resubmitted if still relevant.
func (c *Channel) SubmitAction(action json.RawMessage) error {
	select {
	case c.submits <- action:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Current returns the last applied snapshot; zero Seq and nil State before
// anything arrived.
func (c *Channel) Current() Snapshot {
	q := query{reply: make(chan Snapshot, 1)}
	select {
	case c.queries <- q:
		return <-q.reply
	case <-c.ctx.Done():
		return Snapshot{}
	}
}

// Close stops the loop. Idempotent.
func (c *Channel) Close() { c.cancel() }

func (c *Channel) loop() {
	defer func() {
		close(c.snapshots)
		close(c.memberships)
		close(c.events)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case action := <-c.submits:
			if c.isHost {
				c.applyAndBroadcast(action)
				break
			}
			data, err := protocol.EncodePeer(protocol.PeerMessage{
				Type:   protocol.PeerAction,
				Action: action,
			})
			if err != nil {
				c.log.Warn("encode action", zap.Error(err))
				break
			}
			c.net.Send(c.hostID, data)

		case q := <-c.queries:
			q.reply <- Snapshot{Seq: c.seq, State: c.state}

		case d, ok := <-c.net.Incoming():
			if !ok {
				return
			}
			c.handleData(d)

		case ev, ok := <-c.net.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// applyAndBroadcast is the single serialized application path. Actions are
// processed strictly one at a time in arrival order; this queue is the
// system's whole concurrency-control story.
func (c *Channel) applyAndBroadcast(action json.RawMessage) {
	next, err := c.game.Apply(c.state, action)
	if err != nil {
		// Rejected by the rules; the state and sequence are untouched.
		c.log.Info("action rejected", zap.Error(err))
		return
	}
	c.state = next
	c.seq++

	data, err := protocol.EncodePeer(protocol.PeerMessage{
		Type:     protocol.PeerSnapshot,
		Seq:      c.seq,
		Snapshot: c.state,
	})
	if err != nil {
		c.log.Error("encode snapshot", zap.Error(err))
		return
	}
	c.net.Broadcast(data)
	c.deliver(Snapshot{Seq: c.seq, State: c.state})

	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.SetGameState(c.ctx, c.state); err != nil {
			c.log.Debug("publish state", zap.Error(err))
		}
	}
}

func (c *Channel) handleData(d peer.Data) {
	msg, err := protocol.DecodePeer(d.Payload)
	if err != nil {
		c.log.Warn("bad peer message", zap.String("from", d.From), zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.PeerAction:
		if !c.isHost {
			c.log.Debug("replica ignoring action", zap.String("from", d.From))
			return
		}
		c.applyAndBroadcast(msg.Action)

	case protocol.PeerSnapshot:
		if c.isHost {
			// Single-writer rule: nobody else may feed us state.
			return
		}
		if d.From != c.hostID {
			return
		}
		if c.hasSnap && msg.Seq <= c.seq {
			// Stale or duplicate delivery; discarding keeps application
			// idempotent and order-tolerant.
			return
		}
		c.seq = msg.Seq
		c.state = msg.Snapshot
		c.hasSnap = true
		c.deliver(Snapshot{Seq: c.seq, State: c.state})

	case protocol.PeerMembership:
		if c.isHost || d.From != c.hostID {
			return
		}
		select {
		case c.memberships <- msg.Members:
		case <-c.ctx.Done():
		}
	}
}

func (c *Channel) handleEvent(ev peer.Event) {
	switch e := ev.(type) {
	case peer.PeerConnected:
		if c.isHost && c.hasSnap {
			// Catch-up: a freshly connected peer gets the current snapshot
			// immediately, it may have joined after actions were applied.
			data, err := protocol.EncodePeer(protocol.PeerMessage{
				Type:     protocol.PeerSnapshot,
				Seq:      c.seq,
				Snapshot: c.state,
			})
			if err == nil {
				c.net.Send(e.Identity, data)
			}
		}

	case peer.MembershipChanged:
		// Membership replication originates here, from the peer
		// coordinator's events, never from action processing.
		if c.isHost {
			data, err := protocol.EncodePeer(protocol.PeerMessage{
				Type:    protocol.PeerMembership,
				Members: e.Members,
			})
			if err == nil {
				c.net.Broadcast(data)
			}
		}
		select {
		case c.memberships <- e.Members:
		case <-c.ctx.Done():
		}

	case peer.HostChanged:
		c.hostID = e.HostID
		if e.Self && !c.isHost {
			// Promotion: seed from the last snapshot received as a peer,
			// never recompute history. A promotion before any snapshot
			// arrived starts from the game's initial state.
			c.isHost = true
			if !c.hasSnap {
				c.state = c.game.Initial()
				c.hasSnap = true
			}
		}
	}

	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) deliver(s Snapshot) {
	select {
	case c.snapshots <- s:
	case <-c.ctx.Done():
	}
}
