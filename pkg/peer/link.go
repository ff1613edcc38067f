package peer

import (
	"sync"
)

// LinkState is the lifecycle of one remote identity's link.
type LinkState string

const (
	// StateIdle: the identity is known but negotiation has not started.
	StateIdle LinkState = "idle"
	// StateNegotiating: payloads are being exchanged.
	StateNegotiating LinkState = "negotiating"
	// StateConnected: a usable bidirectional channel exists.
	StateConnected LinkState = "connected"
	// StateClosed is terminal. Reconnection means a fresh Link, never a
	// resurrected one; stale buffered payloads must not restart a dead
	// negotiation.
	StateClosed LinkState = "closed"
)

// link is owned by the Manager: state is read and written only on the
// manager loop. The pump goroutine never touches state; it forwards
// negotiator output to the manager inbox.
type link struct {
	remote    string
	state     LinkState
	neg       Negotiator
	conn      Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(remote string, neg Negotiator) *link {
	return &link{
		remote: remote,
		state:  StateIdle,
		neg:    neg,
		done:   make(chan struct{}),
	}
}

// pump forwards negotiator events into the manager inbox until the link is
// torn down. Runs as its own goroutine.
func (l *link) pump(inbox chan<- managerMsg) {
	for {
		select {
		case <-l.done:
			return

		case sig, ok := <-l.neg.Signals():
			if !ok {
				return
			}
			select {
			case inbox <- outboundSignal{remote: l.remote, sig: sig}:
			case <-l.done:
				return
			}

		case conn := <-l.neg.Ready():
			select {
			case inbox <- linkUp{remote: l.remote, conn: conn}:
			case <-l.done:
				conn.Close()
				return
			}
			l.recvPump(inbox, conn)
			return

		case err := <-l.neg.Failed():
			select {
			case inbox <- linkDown{remote: l.remote, err: err}:
			case <-l.done:
			}
			return
		}
	}
}

// recvPump drains the established channel. A closed Recv means the
// transport dropped; the manager hears about it as linkDown.
func (l *link) recvPump(inbox chan<- managerMsg, conn Conn) {
	for {
		select {
		case <-l.done:
			return
		case data, ok := <-conn.Recv():
			if !ok {
				select {
				case inbox <- linkDown{remote: l.remote, err: ErrPeerUnreachable}:
				case <-l.done:
				}
				return
			}
			select {
			case inbox <- inboundData{remote: l.remote, data: data}:
			case <-l.done:
				return
			}
		}
	}
}

// close tears the link down. Idempotent and safe from any state.
func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.neg.Close()
		if l.conn != nil {
			l.conn.Close()
		}
	})
	l.state = StateClosed
}
