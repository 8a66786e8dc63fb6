package mq

import (
	"crypto/tls"
	"time"
)

// BrokerOptions holds the full broker configuration, assembled by applying
// a chain of Option values over defaultOptions(). The broker never mutates
// this struct after Serve starts; per-connection state lives in Session.
type BrokerOptions struct {
	// NodeID identifies this broker instance within a cluster. Used to tag
	// published messages and for cluster-bus dedup. Defaults to a random
	// identifier if left empty.
	NodeID string

	// Listeners to bind on startup (e.g. "tcp://0.0.0.0:1883", "tls://0.0.0.0:8883").
	Listeners []string

	// WebSocket listener address, empty disables it.
	WebSocketListener string

	// TLS configuration shared by the tls:// and wss:// listeners.
	TLSConfig *tls.Config

	// KeepAlive is the default keepalive the broker will honor when a
	// CONNECT doesn't request one; also the upper bound enforced on
	// client-requested values when MaxKeepAlive > 0.
	KeepAlive    time.Duration
	MaxKeepAlive time.Duration

	// ConnectTimeout bounds how long the broker waits for a CONNECT packet
	// after accepting a TCP connection.
	ConnectTimeout time.Duration

	// Logger for broker events.
	Logger *Logger

	// Limits (0 = use MQTT spec defaults).
	MaxTopicLength    int
	MaxPayloadSize    int
	MaxIncomingPacket int

	// ReceiveMaximum is the default per-session flow-control window applied
	// unless a CONNECT's own Receive Maximum property is lower.
	ReceiveMaximum       uint16
	ReceiveMaximumPolicy LimitPolicy

	// QueueOverflowPolicy controls what happens when an offline/slow
	// session's outbound queue for QoS >= 1 messages is full.
	QueueOverflowPolicy OverflowPolicy
	MaxQueuedMessages   int

	// SessionStoreFactory creates (or opens) the SessionStore used to
	// persist a given client ID's session state across reconnects/restarts.
	// If nil, sessions are purely in-memory and do not survive a restart.
	SessionStoreFactory func(clientID string) (SessionStore, error)

	// RetainedStore backs retained-message storage. Defaults to an
	// in-memory store if nil.
	RetainedStore RetainedStore

	// Archive receives a copy of every published message for durable
	// storage/auditing. Nil disables archiving.
	Archive Archive

	// Cluster is the inter-node bus. Nil runs as a single, standalone node.
	Cluster ClusterBus

	// Auth backs CONNECT credential checks and topic-level ACL decisions.
	// Nil accepts any CONNECT and authorizes every operation.
	Auth AuthBackend

	// PublishInterceptors run, in order, around every accepted publish
	// before it reaches the router.
	PublishInterceptors []PublishInterceptor

	// DeliveryInterceptors run, in order, around delivery of every message
	// to a subscriber.
	DeliveryInterceptors []HandlerInterceptor

	// AllowAnonymous permits CONNECT packets without credentials when Auth
	// is configured; if false, Auth is consulted even for empty
	// username/password.
	AllowAnonymous bool
}

func (o *BrokerOptions) topicLimits() *topicLimits {
	return &topicLimits{MaxTopicLength: o.MaxTopicLength, MaxPayloadSize: o.MaxPayloadSize, MaxIncomingPacket: o.MaxIncomingPacket}
}

// LimitPolicy controls how the broker reacts when a configured limit is
// exceeded by a peer's request (e.g. Receive Maximum).
type LimitPolicy uint8

const (
	// LimitPolicyClamp silently lowers the peer's requested value to the
	// broker's configured maximum.
	LimitPolicyClamp LimitPolicy = iota
	// LimitPolicyReject disconnects the session with a protocol error.
	LimitPolicyReject
)

// OverflowPolicy controls backpressure when a session's outbound queue for
// QoS >= 1 messages is full.
type OverflowPolicy uint8

const (
	// OverflowDisconnect disconnects the slow consumer so its queue does
	// not grow without bound. Default for QoS >= 1.
	OverflowDisconnect OverflowPolicy = iota
	// OverflowDropNew discards the newest message instead of disconnecting.
	// Only sensible for QoS 0 queues, where loss is already permitted.
	OverflowDropNew
)

const (
	// ProtocolV311 is MQTT version 3.1.1
	ProtocolV311 uint8 = 4
	// ProtocolV50 is MQTT version 5.0
	ProtocolV50 uint8 = 5
)

// Option is a functional option for configuring the broker.
type Option func(*BrokerOptions)

func defaultOptions() *BrokerOptions {
	return &BrokerOptions{
		Listeners:            []string{"tcp://0.0.0.0:1883"},
		KeepAlive:            60 * time.Second,
		ConnectTimeout:       10 * time.Second,
		Logger:               NewLogger(),
		ReceiveMaximum:       65535,
		ReceiveMaximumPolicy: LimitPolicyClamp,
		QueueOverflowPolicy:  OverflowDisconnect,
		MaxQueuedMessages:    1000,
	}
}

// WithListeners sets the TCP/TLS listener addresses the broker binds on
// Serve. Accepted schemes: "tcp://" and "tls://".
func WithListeners(addrs ...string) Option {
	return func(o *BrokerOptions) { o.Listeners = addrs }
}

// WithWebSocketListener enables a WebSocket listener (the "mqtt"
// sub-protocol) on addr.
func WithWebSocketListener(addr string) Option {
	return func(o *BrokerOptions) { o.WebSocketListener = addr }
}

// WithTLS sets the TLS configuration used by tls:// and wss:// listeners.
func WithTLS(cfg *tls.Config) Option {
	return func(o *BrokerOptions) { o.TLSConfig = cfg }
}

// WithNodeID sets this broker instance's cluster node identifier.
func WithNodeID(id string) Option {
	return func(o *BrokerOptions) { o.NodeID = id }
}

// WithKeepAlive sets the default keepalive interval advertised to clients
// that don't request one.
func WithKeepAlive(d time.Duration) Option {
	return func(o *BrokerOptions) { o.KeepAlive = d }
}

// WithMaxKeepAlive caps the keepalive interval a client may request.
func WithMaxKeepAlive(d time.Duration) Option {
	return func(o *BrokerOptions) { o.MaxKeepAlive = d }
}

// WithConnectTimeout bounds how long the broker waits for CONNECT after accept.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *BrokerOptions) { o.ConnectTimeout = d }
}

// WithLogger sets the broker's logger.
func WithLogger(l *Logger) Option {
	return func(o *BrokerOptions) { o.Logger = l }
}

// WithMaxTopicLength sets the maximum allowed topic length.
func WithMaxTopicLength(max int) Option {
	return func(o *BrokerOptions) { o.MaxTopicLength = max }
}

// WithMaxPayloadSize sets the maximum allowed publish payload size.
func WithMaxPayloadSize(max int) Option {
	return func(o *BrokerOptions) { o.MaxPayloadSize = max }
}

// WithMaxIncomingPacket sets the maximum allowed incoming packet size.
func WithMaxIncomingPacket(max int) Option {
	return func(o *BrokerOptions) { o.MaxIncomingPacket = max }
}

// WithReceiveMaximum sets the default per-session in-flight QoS 1/2 window.
func WithReceiveMaximum(max uint16, policy LimitPolicy) Option {
	return func(o *BrokerOptions) {
		o.ReceiveMaximum = max
		o.ReceiveMaximumPolicy = policy
	}
}

// WithQueueOverflowPolicy sets the backpressure policy and bound applied to
// a session's outbound queue.
func WithQueueOverflowPolicy(policy OverflowPolicy, maxQueued int) Option {
	return func(o *BrokerOptions) {
		o.QueueOverflowPolicy = policy
		o.MaxQueuedMessages = maxQueued
	}
}

// WithSessionStoreFactory sets the factory used to open a durable
// SessionStore for a given client ID. Without this, sessions are
// in-memory only.
func WithSessionStoreFactory(f func(clientID string) (SessionStore, error)) Option {
	return func(o *BrokerOptions) { o.SessionStoreFactory = f }
}

// WithRetainedStore sets the retained-message store implementation.
func WithRetainedStore(store RetainedStore) Option {
	return func(o *BrokerOptions) { o.RetainedStore = store }
}

// WithArchive sets the message archive sink.
func WithArchive(a Archive) Option {
	return func(o *BrokerOptions) { o.Archive = a }
}

// WithCluster sets the inter-node cluster bus.
func WithCluster(c ClusterBus) Option {
	return func(o *BrokerOptions) { o.Cluster = c }
}

// WithAuth sets the credential/ACL backend.
func WithAuth(a AuthBackend) Option {
	return func(o *BrokerOptions) { o.Auth = a }
}

// WithAllowAnonymous permits CONNECT without credentials.
func WithAllowAnonymous(allow bool) Option {
	return func(o *BrokerOptions) { o.AllowAnonymous = allow }
}

// WithPublishInterceptor appends a publish-side interceptor to the chain.
func WithPublishInterceptor(i PublishInterceptor) Option {
	return func(o *BrokerOptions) { o.PublishInterceptors = append(o.PublishInterceptors, i) }
}

// WithDeliveryInterceptor appends a delivery-side interceptor to the chain.
func WithDeliveryInterceptor(i HandlerInterceptor) Option {
	return func(o *BrokerOptions) { o.DeliveryInterceptors = append(o.DeliveryInterceptors, i) }
}
