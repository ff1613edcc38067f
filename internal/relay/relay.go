// Package relay routes negotiation payloads and membership events to
// connected identities. It is deliberately dumb: payloads are opaque, there
// is no request/response pairing, and delivery to an absent recipient falls
// back to a bounded per-recipient buffer replayed on attach. Payloads from
// one sender to one recipient keep their send order; nothing is promised
// across senders.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hollandav/boardroom/pkg/protocol"
)

type Options struct {
	// BufferSize caps the undelivered payloads held per recipient. When the
	// cap is hit the oldest payload is dropped first.
	BufferSize int

	// BufferTTL is how long a buffered payload waits for its recipient.
	// Identities that never show up get their buffers garbage-collected.
	BufferTTL time.Duration
}

type pending struct {
	msg      protocol.ServerMessage
	buffered time.Time
}

type Relay struct {
	mu      sync.Mutex
	conns   map[string]chan<- protocol.ServerMessage
	pending map[string][]pending
	opts    Options
	log     *zap.Logger
}

func New(ctx context.Context, opts Options, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 32
	}
	r := &Relay{
		conns:   make(map[string]chan<- protocol.ServerMessage),
		pending: make(map[string][]pending),
		opts:    opts,
		log:     log,
	}
	go r.sweepLoop(ctx)
	return r
}

// Attach registers an identity's outbox and replays anything buffered for
// it, preserving buffer order. The outbox is owned by the relay from here
// on: it is closed if the client cannot keep up.
func (r *Relay) Attach(identity string, outbox chan<- protocol.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[identity] = outbox
	for _, p := range r.pending[identity] {
		if !r.push(identity, p.msg) {
			break
		}
	}
	delete(r.pending, identity)
}

// Detach forgets the identity and closes its outbox, releasing the writer
// draining it. Safe to call twice; safe to call for an identity that never
// attached. The drop-slow-client path already removed-and-closed its
// channel, so there is no double close.
func (r *Relay) Detach(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, online := r.conns[identity]; online {
		close(ch)
		delete(r.conns, identity)
	}
	delete(r.pending, identity)
}

// Send forwards a negotiation payload to one identity, tagged with the
// sender. Fire-and-forget: an unreachable recipient means the payload waits
// in its buffer.
func (r *Relay) Send(from, to, signalType string, payload json.RawMessage) {
	msg := protocol.ServerMessage{
		Type:       protocol.TypeSignal,
		From:       from,
		SignalType: signalType,
		Payload:    payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, online := r.conns[to]; online {
		r.push(to, msg)
		return
	}
	r.buffer(to, msg)
}

// Deliver implements registry.Broadcaster: a membership event for each
// listed identity. Events for offline identities are not buffered; the
// registry's join reply carries the full membership, so a reconnecting
// client resynchronizes from there.
func (r *Relay) Deliver(recipients []string, msg protocol.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range recipients {
		if _, online := r.conns[id]; online {
			r.push(id, msg)
		}
	}
}

// Push delivers one message to an attached identity; a no-op if the
// identity is gone or was dropped. Request replies go through here so they
// serialize with the drop-slow-client path.
func (r *Relay) Push(identity string, msg protocol.ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, online := r.conns[identity]; online {
		r.push(identity, msg)
	}
}

// push writes to an attached outbox without blocking. A full outbox means a
// wedged client: the channel is closed and the conn dropped, same policy as
// a slow websocket write.
func (r *Relay) push(identity string, msg protocol.ServerMessage) bool {
	ch := r.conns[identity]
	select {
	case ch <- msg:
		return true
	default:
		r.log.Warn("dropping slow relay client", zap.String("identity", identity))
		close(ch)
		delete(r.conns, identity)
		return false
	}
}

func (r *Relay) buffer(to string, msg protocol.ServerMessage) {
	q := r.pending[to]
	if len(q) >= r.opts.BufferSize {
		q = q[1:]
	}
	r.pending[to] = append(q, pending{msg: msg, buffered: time.Now()})
}

func (r *Relay) sweepLoop(ctx context.Context) {
	interval := r.opts.BufferTTL
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.expire(time.Now())
		}
	}
}

func (r *Relay) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, q := range r.pending {
		kept := q[:0]
		for _, p := range q {
			if now.Sub(p.buffered) <= r.opts.BufferTTL {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, id)
			continue
		}
		r.pending[id] = kept
	}
}
