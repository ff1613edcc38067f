package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hollandav/boardroom/pkg/protocol"
)

// PipeExchange is an in-process connectivity primitive. Negotiation
// payloads still travel through the relay like any transport's would, but
// the channel they establish is a pair of in-memory pipes, so it only works
// when both participants share the exchange. Tests and same-process play
// use it; a real WebRTC transport satisfies the same NegotiatorFactory.
type PipeExchange struct {
	mu    sync.Mutex
	pipes map[string]*pipe
}

func NewPipeExchange() *PipeExchange {
	return &PipeExchange{pipes: make(map[string]*pipe)}
}

// Factory returns the NegotiatorFactory handed to NewManager.
func (e *PipeExchange) Factory() NegotiatorFactory {
	return func(remote string, initiator bool) Negotiator {
		n := &pipeNegotiator{
			ex:        e,
			initiator: initiator,
			signals:   make(chan Signal, 4),
			ready:     make(chan Conn, 1),
			failed:    make(chan error, 1),
		}
		if initiator {
			n.id = uuid.NewString()
			e.mu.Lock()
			e.pipes[n.id] = newPipe()
			e.mu.Unlock()
			payload, _ := json.Marshal(pipeOffer{Pipe: n.id})
			n.signals <- Signal{Type: protocol.SignalOffer, Payload: payload}
		}
		return n
	}
}

func (e *PipeExchange) claim(id string) *pipe {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipes[id]
}

func (e *PipeExchange) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pipes, id)
}

type pipeOffer struct {
	Pipe string `json:"pipe"`
}

type pipeNegotiator struct {
	ex        *PipeExchange
	initiator bool
	id        string

	signals chan Signal
	ready   chan Conn
	failed  chan error

	mu        sync.Mutex
	settled   bool
	conn      *pipeConn
	closeOnce sync.Once
}

func (n *pipeNegotiator) Signals() <-chan Signal { return n.signals }
func (n *pipeNegotiator) Ready() <-chan Conn     { return n.ready }
func (n *pipeNegotiator) Failed() <-chan error   { return n.failed }

func (n *pipeNegotiator) HandleSignal(s Signal) error {
	switch s.Type {
	case protocol.SignalOffer:
		if n.initiator {
			return fmt.Errorf("pipe: initiator got an offer")
		}
		var offer pipeOffer
		if err := json.Unmarshal(s.Payload, &offer); err != nil {
			return fmt.Errorf("pipe: bad offer: %w", err)
		}
		p := n.ex.claim(offer.Pipe)
		if p == nil {
			n.fail(ErrPeerUnreachable)
			return nil
		}
		n.id = offer.Pipe
		n.signals <- Signal{Type: protocol.SignalAnswer, Payload: s.Payload}
		n.settle(p.b())
		return nil

	case protocol.SignalAnswer:
		if !n.initiator {
			return fmt.Errorf("pipe: responder got an answer")
		}
		var answer pipeOffer
		if err := json.Unmarshal(s.Payload, &answer); err != nil {
			return fmt.Errorf("pipe: bad answer: %w", err)
		}
		if answer.Pipe != n.id {
			return fmt.Errorf("pipe: answer for unknown negotiation %s", answer.Pipe)
		}
		p := n.ex.claim(n.id)
		if p == nil {
			n.fail(ErrPeerUnreachable)
			return nil
		}
		n.settle(p.a())
		return nil

	case protocol.SignalCandidate:
		// Pipes need no candidates; tolerated so transports that do emit
		// them interoperate with the same sequencing.
		return nil

	default:
		return fmt.Errorf("pipe: unknown signal type %q", s.Type)
	}
}

func (n *pipeNegotiator) settle(c *pipeConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.settled {
		return
	}
	n.settled = true
	n.conn = c
	n.ready <- c
}

func (n *pipeNegotiator) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.settled {
		return
	}
	n.settled = true
	n.failed <- err
}

func (n *pipeNegotiator) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		conn := n.conn
		n.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if n.id != "" {
			if p := n.ex.claim(n.id); p != nil {
				p.close()
			}
			n.ex.forget(n.id)
		}
	})
	return nil
}

const pipeBuffer = 64

type pipe struct {
	mu     sync.Mutex
	closed bool
	aIn    chan []byte
	bIn    chan []byte
}

func newPipe() *pipe {
	return &pipe{
		aIn: make(chan []byte, pipeBuffer),
		bIn: make(chan []byte, pipeBuffer),
	}
}

func (p *pipe) a() *pipeConn { return &pipeConn{p: p, in: p.aIn, out: p.bIn} }
func (p *pipe) b() *pipeConn { return &pipeConn{p: p, in: p.bIn, out: p.aIn} }

func (p *pipe) send(to chan []byte, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrLinkClosed
	}
	select {
	case to <- data:
		return nil
	default:
		// Receiver stopped draining; treat as a dead peer rather than block.
		return ErrPeerUnreachable
	}
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.aIn)
	close(p.bIn)
}

type pipeConn struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

func (c *pipeConn) Send(data []byte) error {
	// Copy so the caller may reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.p.send(c.out, buf)
}

func (c *pipeConn) Recv() <-chan []byte { return c.in }

func (c *pipeConn) Close() error {
	c.p.close()
	return nil
}
