package mq

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klenin/tidemq/internal/packets"
)

// MQTT v3.1.1 CONNACK return codes (packets.Properties doesn't carry
// these; codes.go only has the v5.0 reason code set, since the two
// schemes don't overlap cleanly below 0x80).
const (
	connackAcceptedV311               uint8 = 0x00
	connackUnacceptableProtocolV311   uint8 = 0x01
	connackIdentifierRejectedV311     uint8 = 0x02
	connackServerUnavailableV311      uint8 = 0x03
	connackBadUsernameOrPasswordV311  uint8 = 0x04
	connackNotAuthorizedV311          uint8 = 0x05
)

// frontendListener owns one bound network listener and the accept loop
// reading CONNECT packets off every connection it accepts. It plays the
// role the teacher's dialer played for an outbound connection, inverted
// for the many-clients-per-broker case.
type frontendListener struct {
	ln         net.Listener
	broker     *Broker
	closed     atomic.Bool
	httpServer *http.Server // set only for the WebSocket listener
}

// Serve binds every configured TCP/TLS listener (and the WebSocket
// listener, if set) and starts their accept loops. It returns once every
// listener is bound; the accept loops themselves run in the background
// until Close.
func (b *Broker) Serve() error {
	for _, addr := range b.opts.Listeners {
		l, err := b.bindListener(addr)
		if err != nil {
			return err
		}
		b.listeners = append(b.listeners, l)
		go l.acceptLoop()
		b.logger.Info("listening", "addr", addr)
	}
	if b.opts.WebSocketListener != "" {
		wsl, err := b.bindWebSocketListener(b.opts.WebSocketListener)
		if err != nil {
			return err
		}
		b.listeners = append(b.listeners, wsl)
		go wsl.acceptLoop()
		b.logger.Info("listening", "addr", "ws://"+b.opts.WebSocketListener)
	}
	return nil
}

func (b *Broker) bindListener(addr string) (*frontendListener, error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, &InternalError{Message: "listener address missing scheme: " + addr}
	}

	var ln net.Listener
	var err error
	switch scheme {
	case "tcp":
		ln, err = net.Listen("tcp", hostport)
	case "tls":
		if b.opts.TLSConfig == nil {
			return nil, &InternalError{Message: "tls:// listener requires WithTLS: " + addr}
		}
		ln, err = tls.Listen("tcp", hostport, b.opts.TLSConfig)
	default:
		return nil, &InternalError{Message: "unsupported listener scheme: " + scheme}
	}
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to bind listener " + addr, Parent: err}
	}
	return &frontendListener{ln: ln, broker: b}, nil
}

func (l *frontendListener) close() error {
	l.closed.Store(true)
	if l.httpServer != nil {
		return l.httpServer.Close()
	}
	return l.ln.Close()
}

func (l *frontendListener) acceptLoop() {
	if l.httpServer != nil {
		_ = l.httpServer.Serve(l.ln)
		return
	}
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			l.broker.logger.Warn("accept failed", "error", err)
			continue
		}
		go l.broker.handleConnection(conn)
	}
}

// handleConnection runs the CONNECT handshake for one freshly accepted
// transport, then hands it off to the matching Session for the lifetime
// of the connection.
func (b *Broker) handleConnection(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(b.opts.ConnectTimeout))
	pkt, err := packets.ReadPacket(conn, 0, b.opts.MaxIncomingPacket)
	if err != nil {
		b.logger.Debug("failed to read CONNECT", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	connect, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		b.logger.Debug("first packet was not CONNECT", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	b.completeHandshake(conn, connect)
}

// completeHandshake authenticates and authorizes connect, builds/binds the
// Session, and replies with CONNACK. conn is closed on any rejection.
func (b *Broker) completeHandshake(conn net.Conn, connect *packets.ConnectPacket) {
	version := connect.ProtocolLevel
	if version != ProtocolV311 && version != ProtocolV50 {
		b.sendConnackReject(conn, version, connackUnacceptableProtocolV311, ReasonCodeProtocolError)
		_ = conn.Close()
		return
	}

	if connect.ClientID == "" {
		if version == ProtocolV50 {
			connect.ClientID = "tidemq-" + randomNodeID()
		} else {
			b.sendConnackReject(conn, version, connackIdentifierRejectedV311, ReasonCodeUnspecifiedError)
			_ = conn.Close()
			return
		}
	}

	if b.opts.Auth != nil && !(b.opts.AllowAnonymous && connect.Username == "" && connect.Password == "") {
		if err := b.opts.Auth.MayConnect(connect.ClientID, connect.Username, connect.Password); err != nil {
			b.sendConnackReject(conn, version, connackBadUsernameOrPasswordV311, ReasonCodeNotAuthorized)
			_ = conn.Close()
			return
		}
	}

	peerReceiveMax := b.opts.ReceiveMaximum
	if connect.Properties != nil && connect.Properties.Presence&packets.PresReceiveMaximum != 0 {
		peerReceiveMax = connect.Properties.ReceiveMaximum
	}
	if b.opts.ReceiveMaximum > 0 && peerReceiveMax > b.opts.ReceiveMaximum {
		switch b.opts.ReceiveMaximumPolicy {
		case LimitPolicyReject:
			b.sendConnackReject(conn, version, connackServerUnavailableV311, ReasonCodeReceiveMaximumExceed)
			_ = conn.Close()
			return
		default:
			peerReceiveMax = b.opts.ReceiveMaximum
		}
	}

	sess, isNew, err := b.getOrCreateSession(connect.ClientID)
	if err != nil {
		b.logger.Error("failed to open session", "client_id", connect.ClientID, "error", err)
		b.sendConnackReject(conn, version, connackServerUnavailableV311, ReasonCodeUnspecifiedError)
		_ = conn.Close()
		return
	}

	sessionPresent := !connect.CleanSession && !isNew

	if connect.CleanSession {
		b.clearPersisted(sess)
	}

	sess.mu.Lock()
	sess.cleanSession = connect.CleanSession
	if connect.Properties != nil && connect.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
		sess.sessionExpiryInterval = connect.Properties.SessionExpiryInterval
	} else if !connect.CleanSession {
		sess.sessionExpiryInterval = ^uint32(0) // persists indefinitely absent an explicit v5 expiry
	}
	if connect.WillFlag {
		will := &willMessage{
			Topic:    connect.WillTopic,
			Payload:  connect.WillMessage,
			QoS:      connect.WillQoS,
			Retained: connect.WillRetain,
		}
		if connect.WillProperties != nil {
			will.Properties = toPublicProperties(connect.WillProperties)
			if connect.WillProperties.Presence&packets.PresWillDelayInterval != 0 {
				will.Delay = time.Duration(connect.WillProperties.WillDelayInterval) * time.Second
			}
		}
		sess.will = will
	}
	keepAlive := time.Duration(connect.KeepAlive) * time.Second
	if keepAlive <= 0 {
		keepAlive = b.opts.KeepAlive
	}
	if b.opts.MaxKeepAlive > 0 && keepAlive > b.opts.MaxKeepAlive {
		keepAlive = b.opts.MaxKeepAlive
	}
	sess.mu.Unlock()

	sess.attach(conn, version, keepAlive, peerReceiveMax)

	ack := &packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: connackAcceptedV311, Version: version}
	if version == ProtocolV50 {
		ack.Properties = &packets.Properties{}
	}
	if _, err := ack.WriteTo(conn); err != nil {
		b.logger.Debug("failed to write CONNACK", "client_id", connect.ClientID, "error", err)
	}
}

func (b *Broker) sendConnackReject(conn net.Conn, version, v311Code uint8, v5Code ReasonCode) {
	code := v311Code
	if version == ProtocolV50 {
		code = uint8(v5Code)
	}
	ack := &packets.ConnackPacket{ReturnCode: code, Version: version}
	_, _ = ack.WriteTo(conn)
}

// restorePersisted loads a newly-opened SessionStore's durable state into
// sess: outstanding QoS 1/2 publishes, received-but-unacked QoS 2 packet
// IDs, and subscriptions (re-registered into the router's topic index so
// the subscription takes effect before CONNACK is even sent).
func (b *Broker) restorePersisted(sess *Session) {
	subs, err := sess.store.LoadSubscriptions()
	if err != nil {
		b.logger.Warn("failed to load subscriptions", "client_id", sess.clientID, "error", err)
	}
	for topic, info := range subs {
		opts := SubscriptionOptions{}
		if info.Options != nil {
			opts = *info.Options
		}
		sess.subscriptions[topic] = subscriptionState{qos: info.QoS, options: opts}
		b.router.topicIndex.Subscribe(sess, topic, info.QoS, opts)
	}

	pending, err := sess.store.LoadPendingPublishes()
	if err != nil {
		b.logger.Warn("failed to load pending publishes", "client_id", sess.clientID, "error", err)
	}
	for id, pp := range pending {
		pkt := &packets.PublishPacket{PacketID: id, Topic: pp.Topic, Payload: pp.Payload, QoS: pp.QoS, Retain: pp.Retain}
		sess.pending[id] = &pendingOut{packet: pkt, qos: pp.QoS, phase: phasePublish, timestamp: time.Now()}
		sess.inFlightCount++
	}

	qos2, err := sess.store.LoadReceivedQoS2()
	if err != nil {
		b.logger.Warn("failed to load received QoS2 ids", "client_id", sess.clientID, "error", err)
	}
	for id := range qos2 {
		sess.inboundQoS2[id] = struct{}{}
	}
}

func (b *Broker) clearPersisted(sess *Session) {
	sess.mu.Lock()
	sess.subscriptions = make(map[string]subscriptionState)
	sess.pending = make(map[uint16]*pendingOut)
	sess.inboundQoS2 = make(map[uint16]struct{})
	sess.inFlightCount = 0
	store := sess.store
	sess.mu.Unlock()

	b.router.topicIndex.UnsubscribeAll(sess)
	if store != nil {
		_ = store.Clear()
	}
}
