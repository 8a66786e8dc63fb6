package mq

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klenin/tidemq/internal/packets"
)

// pendingOut tracks an outgoing (broker -> client) QoS 1/2 publish that
// hasn't completed yet. phase distinguishes the two legs of the QoS 2
// handshake: a PUBLISH waiting for PUBREC, and a PUBREL waiting for
// PUBCOMP.
type pendingOut struct {
	packet    *packets.PublishPacket
	qos       uint8
	phase     qos2Phase
	timestamp time.Time
}

type qos2Phase uint8

const (
	phasePublish qos2Phase = iota
	phasePubrel
)

// queuedPublish is an outbound publish waiting for flow-control room
// (receive-maximum) or for the session to come back online.
type queuedPublish struct {
	topic     string
	payload   []byte
	qos       uint8
	retain    bool
	props     *Properties
	subIDs    []uint32
	expiresAt time.Time // zero if the publish carries no message expiry
}

// subscriptionState is what a Session remembers about one of its own
// subscriptions, mirroring the teacher's subscriptionEntry but without a
// per-connection MessageHandler — delivery always goes through the
// router, which calls back into the session's own deliver method.
type subscriptionState struct {
	qos     uint8
	options SubscriptionOptions
}

// Session is the broker-side runtime for one connected (or
// recently-disconnected-but-not-yet-expired) MQTT client. One Session is
// created per distinct ClientID and, for persistent sessions
// (CleanSession=false with a non-zero session expiry), survives the
// underlying TCP connection being replaced or dropped — exactly the
// actor-per-connection model the teacher's Client/logicLoop used, with
// the connection's lifecycle split out from the session's lifecycle so a
// reconnect can reattach to the same actor instead of losing its state.
type Session struct {
	broker   *Broker
	clientID string

	mu      sync.Mutex // guards the fields below except where noted
	conn    net.Conn
	version uint8
	online  bool

	outgoing chan packets.Packet
	incoming chan packets.Packet
	connStop chan struct{} // closed when this connection attempt ends
	stop     chan struct{} // closed once, when the session itself terminates

	nextPacketID  uint16
	pending       map[uint16]*pendingOut
	inboundQoS2   map[uint16]struct{}
	subscriptions map[string]subscriptionState
	publishQueue  []*queuedPublish
	inFlightCount int

	cleanSession          bool
	sessionExpiryInterval uint32
	receiveMaximum        uint16 // how many QoS1/2 publishes the broker will accept from this client concurrently
	peerReceiveMaximum    uint16 // how many the client told us it can receive from the broker
	keepAlive             time.Duration
	will                  *willMessage

	store SessionStore

	connected    atomic.Bool
	lastActivity atomic.Int64 // unix nanos, updated on every inbound packet

	expiryTimer *time.Timer
	willTimer   *time.Timer

	once sync.Once
}

type willMessage struct {
	Topic      string
	Payload    []byte
	QoS        uint8
	Retained   bool
	Properties *Properties
	Delay      time.Duration
}

func newSession(b *Broker, clientID string) *Session {
	s := &Session{
		broker:        b,
		clientID:      clientID,
		pending:       make(map[uint16]*pendingOut),
		inboundQoS2:   make(map[uint16]struct{}),
		subscriptions: make(map[string]subscriptionState),
		stop:          make(chan struct{}),
	}
	return s
}

// ClientID returns this session's client identifier.
func (s *Session) ClientID() string { return s.clientID }

// IsOnline reports whether a live connection currently backs this session.
func (s *Session) IsOnline() bool { return s.connected.Load() }

// nextID allocates the next packet identifier, wrapping 1..65535 per spec.
// Must be called with mu held.
func (s *Session) nextID() uint16 {
	s.nextPacketID++
	if s.nextPacketID == 0 {
		s.nextPacketID = 1
	}
	for _, exists := s.pending[s.nextPacketID]; exists; _, exists = s.pending[s.nextPacketID] {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
	}
	return s.nextPacketID
}

// attach binds conn as this session's active transport, starting its
// read/write goroutines. If the session was already online (a second
// client dialed in with the same ClientID), the previous connection is
// taken over: the old transport is closed and its goroutines stop before
// the new one starts, per the take-over rule (MQTT-3.1.4-3 in spirit).
func (s *Session) attach(conn net.Conn, version uint8, keepAlive time.Duration, peerReceiveMax uint16) {
	s.mu.Lock()
	if s.online {
		prevConn := s.conn
		prevStop := s.connStop
		s.mu.Unlock()

		close(prevStop)
		_ = prevConn.Close()

		s.mu.Lock()
	}

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	if s.willTimer != nil {
		// Client reconnected before its will's delay elapsed: the
		// connection loss that armed it didn't end up ending the
		// session, so the will is cancelled same as a graceful
		// DISCONNECT would have cancelled it.
		s.willTimer.Stop()
		s.willTimer = nil
		s.will = nil
	}

	s.conn = conn
	s.version = version
	s.keepAlive = keepAlive
	s.peerReceiveMaximum = peerReceiveMax
	s.outgoing = make(chan packets.Packet, 256)
	s.incoming = make(chan packets.Packet, 256)
	s.connStop = make(chan struct{})
	s.online = true
	s.mu.Unlock()

	s.connected.Store(true)
	s.lastActivity.Store(time.Now().UnixNano())

	go s.readLoop()
	go s.writeLoop()

	s.once.Do(func() { go s.runLoop() })

	go s.flushQueue()
}

// detach marks the session offline without terminating it — used on an
// ordinary connection loss for a persistent session. If sessionExpiry is
// zero (or CleanSession was true), the session is fully closed instead.
func (s *Session) detach() {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	s.online = false
	conn := s.conn
	connStop := s.connStop
	cleanSession := s.cleanSession
	expiry := s.sessionExpiryInterval
	will := s.will
	s.mu.Unlock()

	s.connected.Store(false)
	select {
	case <-connStop:
	default:
		close(connStop)
	}
	_ = conn.Close()

	if will != nil {
		if will.Delay <= 0 {
			s.publishWill()
		} else {
			s.mu.Lock()
			if s.will != nil {
				s.willTimer = time.AfterFunc(will.Delay, s.publishWill)
			}
			s.mu.Unlock()
		}
	}

	if cleanSession || expiry == 0 {
		s.terminate()
		return
	}

	s.mu.Lock()
	s.expiryTimer = time.AfterFunc(time.Duration(expiry)*time.Second, s.terminate)
	s.mu.Unlock()
}

// publishWill routes this session's will message through the router,
// exactly like an ordinary client PUBLISH, then clears it so a later
// reconnect or session termination doesn't send it twice.
func (s *Session) publishWill() {
	s.mu.Lock()
	will := s.will
	s.will = nil
	s.willTimer = nil
	s.mu.Unlock()
	if will == nil {
		return
	}

	msg := newMessage(will.Topic, will.Payload, QoS(will.QoS), will.Retained, will.Properties, s.broker.opts.NodeID)
	if err := s.broker.router.PublishFromSession(s, msg); err != nil {
		s.broker.opts.Logger.Warn("failed to publish will message", "client_id", s.clientID, "error", err)
	}
}

// terminate permanently ends the session: unsubscribes from every topic,
// clears persisted state, and releases it from the broker's session table.
func (s *Session) terminate() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
		close(s.stop)
	}
	store := s.store
	if s.willTimer != nil {
		s.willTimer.Stop()
		s.willTimer = nil
	}
	s.mu.Unlock()

	// A will whose delay hadn't elapsed yet is still sent once the
	// session itself ends, per MQTT-3.1.3-9: the delay only bounds how
	// long the server may wait, not whether it sends at all.
	s.publishWill()

	s.broker.router.topicIndex.UnsubscribeAll(s)
	s.broker.removeSession(s.clientID)
	if store != nil {
		_ = store.Clear()
	}
}

func (s *Session) readLoop() {
	s.mu.Lock()
	conn := s.conn
	version := s.version
	connStop := s.connStop
	maxIncoming := s.broker.opts.MaxIncomingPacket
	s.mu.Unlock()

	for {
		pkt, err := packets.ReadPacket(conn, version, maxIncoming)
		if err != nil {
			select {
			case <-connStop:
			default:
				s.broker.opts.Logger.Debug("read loop ending", "client_id", s.clientID, "error", err)
			}
			s.detach()
			return
		}
		s.lastActivity.Store(time.Now().UnixNano())
		select {
		case s.incoming <- pkt:
		case <-connStop:
			return
		}
	}
}

func (s *Session) writeLoop() {
	s.mu.Lock()
	conn := s.conn
	outgoing := s.outgoing
	connStop := s.connStop
	s.mu.Unlock()

	for {
		select {
		case pkt := <-outgoing:
			if _, err := pkt.WriteTo(conn); err != nil {
				s.broker.opts.Logger.Debug("write loop ending", "client_id", s.clientID, "error", err)
				s.detach()
				return
			}
		case <-connStop:
			return
		}
	}
}

// runLoop is this session's packet-handling loop, the role the teacher's
// logicLoop played for a dialing Client: it handles inbound packets,
// retransmits and keepalive checks under s.mu. pending, subscriptions and
// publishQueue are also changed from other goroutines (deliver from the
// router, flushQueue after attach), always under s.mu.
func (s *Session) runLoop() {
	retryTicker := time.NewTicker(5 * time.Second)
	defer retryTicker.Stop()
	keepAliveTicker := time.NewTicker(1 * time.Second)
	defer keepAliveTicker.Stop()

	for {
		select {
		case pkt := <-s.incoming:
			s.mu.Lock()
			s.handleIncoming(pkt)
			s.mu.Unlock()

		case <-retryTicker.C:
			s.mu.Lock()
			s.retryPendingLocked()
			s.mu.Unlock()

		case <-keepAliveTicker.C:
			s.checkKeepAlive()

		case <-s.stop:
			return
		}
	}
}

func (s *Session) checkKeepAlive() {
	s.mu.Lock()
	keepAlive := s.keepAlive
	online := s.online
	s.mu.Unlock()
	if !online || keepAlive <= 0 {
		return
	}

	last := time.Unix(0, s.lastActivity.Load())
	// Per MQTT-3.1.2-24, a server may disconnect a client that exceeds
	// 1.5x its keepalive interval without activity.
	if time.Since(last) > keepAlive+keepAlive/2 {
		s.broker.opts.Logger.Warn("keepalive timeout", "client_id", s.clientID)
		s.disconnectWithReason(ReasonCodeKeepAliveTimeout)
	}
}

// handleIncoming dispatches one packet from the client. Called with mu held.
func (s *Session) handleIncoming(pkt packets.Packet) {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		s.handlePublish(p)
	case *packets.PubackPacket:
		s.handlePuback(p)
	case *packets.PubrecPacket:
		s.handlePubrec(p)
	case *packets.PubrelPacket:
		s.handlePubrel(p)
	case *packets.PubcompPacket:
		s.handlePubcomp(p)
	case *packets.SubscribePacket:
		s.handleSubscribe(p)
	case *packets.UnsubscribePacket:
		s.handleUnsubscribe(p)
	case *packets.PingreqPacket:
		s.sendLocked(&packets.PingrespPacket{})
	case *packets.DisconnectPacket:
		s.handleDisconnectPacket(p)
	case *packets.AuthPacket:
		s.handleAuthPacket(p)
	}
}

// sendLocked enqueues pkt for the write loop. Must be called with mu held.
func (s *Session) sendLocked(pkt packets.Packet) {
	select {
	case s.outgoing <- pkt:
	default:
		s.broker.opts.Logger.Warn("outgoing queue full, dropping packet", "client_id", s.clientID)
	}
}

func (s *Session) disconnectWithReason(code ReasonCode) {
	s.mu.Lock()
	if s.online {
		s.sendLocked(&packets.DisconnectPacket{ReasonCode: uint8(code), Version: s.version})
	}
	s.mu.Unlock()
	s.detach()
}

// Close forcibly ends the session, including any durable state, as when
// an administrator evicts a client. Satisfies the bridge Connector
// expectations of a clean shutdown path.
func (s *Session) Close() {
	s.disconnectWithReason(ReasonCodeAdministrativeAction)
	s.terminate()
}
