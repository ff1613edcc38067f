package peer

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/hollandav/boardroom/pkg/protocol"
	"github.com/hollandav/boardroom/pkg/session"
)

// Signaler is the slice of the relay session the manager needs. Satisfied
// by *session.Session; tests substitute a fake.
type Signaler interface {
	Signal(ctx context.Context, to, signalType string, payload json.RawMessage) error
	ReportUnreachable(ctx context.Context, identity string) error
	LeaveRoom(ctx context.Context) error
	Events() <-chan session.Event
}

// Event is the manager's outward event stream.
type Event interface{ isPeerEvent() }

// PeerConnected: a direct link to the identity is usable.
type PeerConnected struct{ Identity string }

// PeerClosed: the identity's link is gone. Terminal for that link.
type PeerClosed struct {
	Identity string
	Err      error
}

// MembershipChanged carries the reconciled member list: the registry's
// view, which wins over the locally connected set on any disagreement.
type MembershipChanged struct {
	Members []protocol.Member
	HostID  string
}

// HostChanged: the room coordinator moved. Self is true when this side was
// promoted.
type HostChanged struct {
	HostID string
	Self   bool
}

// RoomClosed is terminal: the relay dropped us, the host gave up on us, or
// our negotiation toward the host timed out.
type RoomClosed struct{ Err error }

func (PeerConnected) isPeerEvent()     {}
func (PeerClosed) isPeerEvent()        {}
func (MembershipChanged) isPeerEvent() {}
func (HostChanged) isPeerEvent()       {}
func (RoomClosed) isPeerEvent()        {}

// Data is one application message received over a direct link.
type Data struct {
	From    string
	Payload []byte
}

// View is a diagnostic/query snapshot of the manager's state.
type View struct {
	Self      string
	HostID    string
	IsHost    bool
	Members   []protocol.Member
	Connected []string
	States    map[string]LinkState
}

type Config struct {
	// NegotiationTimeout bounds every "waiting for the other side" step:
	// the joiner waiting for its link to the host, and the host waiting
	// for a new member's first payload.
	NegotiationTimeout time.Duration
}

const defaultNegotiationTimeout = 15 * time.Second

type managerMsg interface{ isManagerMsg() }

type outboundSignal struct {
	remote string
	sig    Signal
}

type linkUp struct {
	remote string
	conn   Conn
}

type linkDown struct {
	remote string
	err    error
}

type inboundData struct {
	remote string
	data   []byte
}

type negotiationExpired struct {
	remote string
	gen    int
}

type sendCmd struct {
	to   string
	data []byte
}

type broadcastCmd struct{ data []byte }

type getView struct{ reply chan View }

type closeCmd struct{ reply chan struct{} }

func (outboundSignal) isManagerMsg()     {}
func (linkUp) isManagerMsg()             {}
func (linkDown) isManagerMsg()           {}
func (inboundData) isManagerMsg()        {}
func (negotiationExpired) isManagerMsg() {}
func (sendCmd) isManagerMsg()            {}
func (broadcastCmd) isManagerMsg()       {}
func (getView) isManagerMsg()            {}
func (closeCmd) isManagerMsg()           {}

// Manager owns every link for one participant. All state lives on the loop
// goroutine; the public API posts messages to it.
type Manager struct {
	sig     Signaler
	factory NegotiatorFactory
	cfg     Config
	log     *zap.Logger

	self    string
	hostID  string
	members []protocol.Member

	links  map[string]*link
	closed map[string]bool // terminal identities; stale signals ignored
	gens   map[string]int  // negotiation timer generations

	inbox    chan managerMsg
	events   chan Event
	incoming chan Data

	ctx      context.Context
	cancel   context.CancelFunc
	tornDown bool
}

// NewManager starts the coordinator for a room this side already created or
// joined. On the joiner side it immediately initiates the one negotiation
// toward the room coordinator.
func NewManager(parent context.Context, sig Signaler, info session.RoomInfo, factory NegotiatorFactory, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		sig:      sig,
		factory:  factory,
		cfg:      cfg,
		log:      log.With(zap.String("self", info.Identity)),
		self:     info.Identity,
		hostID:   info.CoordinatorID,
		members:  append([]protocol.Member(nil), info.Members...),
		links:    make(map[string]*link),
		closed:   make(map[string]bool),
		gens:     make(map[string]int),
		inbox:    make(chan managerMsg, 64),
		events:   make(chan Event, 64),
		incoming: make(chan Data, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	go m.loop()
	return m
}

func (m *Manager) Events() <-chan Event  { return m.events }
func (m *Manager) Incoming() <-chan Data { return m.incoming }
func (m *Manager) Self() string          { return m.self }

// Send queues data for one connected peer. Fire-and-forget: a dead link
// surfaces as PeerClosed, not as a return value.
func (m *Manager) Send(to string, data []byte) {
	m.post(sendCmd{to: to, data: data})
}

// Broadcast queues data for every connected peer.
func (m *Manager) Broadcast(data []byte) {
	m.post(broadcastCmd{data: data})
}

// View reports current state for diagnostics and tests.
func (m *Manager) View() View {
	reply := make(chan View, 1)
	if !m.post(getView{reply: reply}) {
		return View{Self: m.self}
	}
	select {
	case v := <-reply:
		return v
	case <-m.ctx.Done():
		return View{Self: m.self}
	}
}

// Close tears down every link and leaves the room. Idempotent; safe to call
// whatever state the links are in.
func (m *Manager) Close() {
	reply := make(chan struct{})
	if !m.post(closeCmd{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-m.ctx.Done():
	}
}

func (m *Manager) post(msg managerMsg) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) loop() {
	if !m.isHost() {
		// Joiner: exactly one negotiation, toward the coordinator.
		m.initiate(m.hostID)
	}

	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			return

		case ev, ok := <-m.sig.Events():
			if !ok {
				m.fail(ErrCoordinatorLost)
				return
			}
			if done := m.handleSessionEvent(ev); done || m.tornDown {
				return
			}

		case msg := <-m.inbox:
			if done := m.handleMsg(msg); done || m.tornDown {
				return
			}
		}
	}
}

func (m *Manager) isHost() bool { return m.self == m.hostID }

func (m *Manager) handleSessionEvent(ev session.Event) bool {
	switch e := ev.(type) {
	case session.MemberJoined:
		m.members = e.Members
		if m.isHost() && e.Member.ID != m.self {
			// Expect, never initiate: the joiner opens the exchange. If its
			// first payload never shows up we give up on it.
			m.armTimer(e.Member.ID)
		}
		m.emit(MembershipChanged{Members: m.membersCopy(), HostID: m.hostID})

	case session.MemberLeft:
		m.members = e.Members
		m.hostID = e.CoordinatorID
		delete(m.closed, e.Identity)
		m.gens[e.Identity]++
		if l, ok := m.links[e.Identity]; ok {
			l.close()
			delete(m.links, e.Identity)
			m.emit(PeerClosed{Identity: e.Identity, Err: ErrLinkClosed})
		}
		m.emit(MembershipChanged{Members: m.membersCopy(), HostID: m.hostID})

	case session.CoordinatorChanged:
		m.migrate(e.Identity)

	case session.HostUnreachable:
		// The coordinator reported our negotiation dead and the registry
		// removed us. Same outcome as our own timeout firing.
		m.fail(ErrNegotiationTimeout)
		return true

	case session.SignalReceived:
		m.handleSignal(e)

	case session.Disconnected:
		m.fail(ErrCoordinatorLost)
		return true
	}
	return false
}

func (m *Manager) handleMsg(msg managerMsg) bool {
	switch c := msg.(type) {
	case outboundSignal:
		if err := m.sig.Signal(m.ctx, c.remote, c.sig.Type, c.sig.Payload); err != nil {
			m.log.Warn("signal send failed", zap.String("to", c.remote), zap.Error(err))
		}

	case linkUp:
		l, ok := m.links[c.remote]
		if !ok {
			c.conn.Close()
			return false
		}
		l.state = StateConnected
		l.conn = c.conn
		m.gens[c.remote]++ // invalidate the negotiation timer
		m.emit(PeerConnected{Identity: c.remote})
		m.emit(MembershipChanged{Members: m.membersCopy(), HostID: m.hostID})

	case linkDown:
		m.dropLink(c.remote, c.err)

	case inboundData:
		select {
		case m.incoming <- Data{From: c.remote, Payload: c.data}:
		case <-m.ctx.Done():
		}

	case negotiationExpired:
		if m.gens[c.remote] != c.gen {
			return false // stale timer
		}
		if l, ok := m.links[c.remote]; ok && l.state == StateConnected {
			return false
		}
		m.expireNegotiation(c.remote)

	case sendCmd:
		m.sendTo(c.to, c.data)

	case broadcastCmd:
		for id, l := range m.links {
			if l.state == StateConnected {
				m.sendTo(id, c.data)
			}
		}

	case getView:
		c.reply <- m.view()

	case closeCmd:
		if err := m.sig.LeaveRoom(m.ctx); err != nil {
			m.log.Debug("leave failed", zap.Error(err))
		}
		m.teardown()
		close(c.reply)
		return true
	}
	return false
}

// initiate opens a negotiation toward remote as the initiator. Any previous
// terminal state for that identity is forgotten: this is a fresh instance.
func (m *Manager) initiate(remote string) {
	delete(m.closed, remote)
	l := newLink(remote, m.factory(remote, true))
	l.state = StateNegotiating
	m.links[remote] = l
	go l.pump(m.inbox)
	m.armTimer(remote)
}

// accept starts the responder side for the first payload from an unknown
// identity.
func (m *Manager) accept(remote string) *link {
	l := newLink(remote, m.factory(remote, false))
	l.state = StateNegotiating
	m.links[remote] = l
	go l.pump(m.inbox)
	return l
}

func (m *Manager) handleSignal(e session.SignalReceived) {
	if m.closed[e.From] {
		// Terminal identity: a stale buffered payload must not resurrect
		// the state machine.
		return
	}
	if l, ok := m.links[e.From]; ok {
		if err := l.neg.HandleSignal(Signal{Type: e.SignalType, Payload: e.Payload}); err != nil {
			m.log.Warn("negotiator rejected signal", zap.String("from", e.From), zap.Error(err))
		}
		return
	}

	// No link yet. Only the host accepts negotiations, and only from
	// current members; everything else is noise.
	if !m.isHost() || !m.isMember(e.From) {
		m.log.Debug("ignoring signal", zap.String("from", e.From), zap.String("type", e.SignalType))
		return
	}
	l := m.accept(e.From)
	if err := l.neg.HandleSignal(Signal{Type: e.SignalType, Payload: e.Payload}); err != nil {
		m.log.Warn("negotiator rejected signal", zap.String("from", e.From), zap.Error(err))
	}
}

// migrate handles a coordinator change. Fresh links all around: members
// still negotiating with the old coordinator cannot resume that handshake.
func (m *Manager) migrate(newHost string) {
	oldHost := m.hostID
	m.hostID = newHost
	for i := range m.members {
		m.members[i].IsCoordinator = m.members[i].ID == newHost
	}

	for id, l := range m.links {
		l.close()
		delete(m.links, id)
		m.gens[id]++
	}
	delete(m.closed, oldHost)

	if newHost == m.self {
		// Promoted. Expect every surviving member to renegotiate toward us.
		for _, mem := range m.members {
			if mem.ID != m.self {
				delete(m.closed, mem.ID)
				m.armTimer(mem.ID)
			}
		}
	} else {
		m.initiate(newHost)
	}

	m.emit(HostChanged{HostID: newHost, Self: newHost == m.self})
	m.emit(MembershipChanged{Members: m.membersCopy(), HostID: m.hostID})
}

func (m *Manager) armTimer(remote string) {
	m.gens[remote]++
	gen := m.gens[remote]
	time.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.post(negotiationExpired{remote: remote, gen: gen})
	})
}

func (m *Manager) expireNegotiation(remote string) {
	if l, ok := m.links[remote]; ok {
		l.close()
		delete(m.links, remote)
	}
	m.closed[remote] = true

	if m.isHost() {
		// Same removal path as an explicit leave; the registry broadcasts
		// the membership change back to everyone including us.
		if err := m.sig.ReportUnreachable(m.ctx, remote); err != nil {
			m.log.Warn("report unreachable failed", zap.Error(err))
		}
		m.emit(PeerClosed{Identity: remote, Err: ErrNegotiationTimeout})
		return
	}
	if remote == m.hostID {
		m.failAndLeave(ErrNegotiationTimeout)
	}
}

// dropLink handles transport-level death of one link. One peer's failure
// never touches any other peer's link.
func (m *Manager) dropLink(remote string, err error) {
	l, ok := m.links[remote]
	if !ok {
		return
	}
	l.close()
	delete(m.links, remote)
	m.closed[remote] = true
	m.gens[remote]++
	m.emit(PeerClosed{Identity: remote, Err: err})

	if m.isHost() {
		if err := m.sig.ReportUnreachable(m.ctx, remote); err != nil {
			m.log.Warn("report unreachable failed", zap.Error(err))
		}
	}
	// Joiner side: a dead host link is not the end of the room. The
	// registry promotes a successor and tells us via coordinatorChanged.
}

func (m *Manager) sendTo(id string, data []byte) {
	l, ok := m.links[id]
	if !ok || l.state != StateConnected {
		m.log.Debug("dropping send to unconnected peer", zap.String("to", id))
		return
	}
	if err := l.conn.Send(data); err != nil {
		m.dropLink(id, ErrPeerUnreachable)
	}
}

func (m *Manager) fail(err error) {
	m.emit(RoomClosed{Err: err})
	m.teardown()
}

func (m *Manager) failAndLeave(err error) {
	if lerr := m.sig.LeaveRoom(m.ctx); lerr != nil {
		m.log.Debug("leave failed", zap.Error(lerr))
	}
	m.fail(err)
}

// teardown runs only on the loop goroutine and only once, however the loop
// ends (Close, parent cancellation, relay loss, timeout).
func (m *Manager) teardown() {
	if m.tornDown {
		return
	}
	m.tornDown = true
	for id, l := range m.links {
		l.close()
		delete(m.links, id)
	}
	m.cancel()
	close(m.events)
	close(m.incoming)
}

func (m *Manager) emit(e Event) {
	if m.tornDown {
		return
	}
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}

func (m *Manager) view() View {
	v := View{
		Self:    m.self,
		HostID:  m.hostID,
		IsHost:  m.isHost(),
		Members: m.membersCopy(),
		States:  make(map[string]LinkState, len(m.links)),
	}
	for id, l := range m.links {
		v.States[id] = l.state
		if l.state == StateConnected {
			v.Connected = append(v.Connected, id)
		}
	}
	return v
}

func (m *Manager) membersCopy() []protocol.Member {
	out := make([]protocol.Member, len(m.members))
	copy(out, m.members)
	return out
}

func (m *Manager) isMember(id string) bool {
	for _, mem := range m.members {
		if mem.ID == id {
			return true
		}
	}
	return false
}
