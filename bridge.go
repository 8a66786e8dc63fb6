package mq

import (
	"context"
	"net"

	"github.com/klenin/tidemq/internal/packets"
)

// Connector is a bridge pseudo-session (§4.6): a participant in the topic
// index driven by Go code instead of a network socket, used to attach
// archivers, protocol gateways, and other internal consumers without
// giving them any router-bypass privilege — a Connector's publishes and
// subscriptions go through exactly the same Session/Router path a real
// client's would, over an in-process net.Pipe instead of a TCP socket.
type Connector struct {
	broker  *Broker
	id      string
	session *Session
	conn    net.Conn // the connector's end of the pipe; broker holds the other end
	handler func(msg *Message)
}

// NewConnector creates (or reattaches) a pseudo-session identified by id
// and starts reading messages delivered to its subscriptions, handing
// each to handler.
func NewConnector(b *Broker, id string, handler func(msg *Message)) (*Connector, error) {
	sess, _, err := b.getOrCreateSession(id)
	if err != nil {
		return nil, err
	}

	connectorSide, brokerSide := net.Pipe()
	sess.attach(brokerSide, ProtocolV50, 0, 0)

	c := &Connector{broker: b, id: id, session: sess, conn: connectorSide, handler: handler}
	go c.readLoop()
	return c, nil
}

func (c *Connector) readLoop() {
	for {
		pkt, err := packets.ReadPacket(c.conn, ProtocolV50, 0)
		if err != nil {
			return
		}
		pub, ok := pkt.(*packets.PublishPacket)
		if !ok {
			continue
		}
		if c.handler == nil {
			continue
		}
		c.handler(&Message{
			Topic: pub.Topic, Payload: pub.Payload, QoS: QoS(pub.QoS),
			Retained: pub.Retain, Properties: toPublicProperties(pub.Properties),
		})
	}
}

// Publish routes a message into the broker as this connector, subject to
// the same retained/archive/cluster/fan-out path any client publish takes.
func (c *Connector) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	msg := newMessage(topic, payload, qos, retain, nil, c.broker.opts.NodeID)
	return c.broker.router.PublishFromSession(c.session, msg)
}

// PublishAsync is Publish without blocking the caller on subscriber
// fan-out: a gateway connector forwarding traffic from another protocol
// (AMQP, NATS) typically runs its own read loop that must keep draining
// its source regardless of how long downstream delivery takes. The
// returned Token completes once PublishFromSession itself returns, giving
// callers the same blocking-Wait / non-blocking-Done choice the original
// client API offered for Publish/Subscribe.
func (c *Connector) PublishAsync(topic string, payload []byte, qos QoS, retain bool) Token {
	t := newToken()
	go func() {
		err := c.Publish(topic, payload, qos, retain)
		t.complete(err)
	}()
	return t
}

// SubscribeInternal registers filter directly with the topic index and the
// connector session's subscription table, so the connector's handler
// receives matching publications. Unlike a client SUBSCRIBE, no SUBACK is
// sent, the subscription is not persisted, and retained messages are not
// delivered.
func (c *Connector) SubscribeInternal(filter string, qos uint8) {
	opts := SubscriptionOptions{}
	c.broker.router.topicIndex.Subscribe(c.session, filter, qos, opts)
	c.session.mu.Lock()
	c.session.subscriptions[filter] = subscriptionState{qos: qos, options: opts}
	c.session.mu.Unlock()
}

// UnsubscribeInternal reverses SubscribeInternal.
func (c *Connector) UnsubscribeInternal(filter string) {
	c.broker.router.topicIndex.Unsubscribe(c.session, filter)
	c.session.mu.Lock()
	delete(c.session.subscriptions, filter)
	c.session.mu.Unlock()
}

// Close ends the connector's pseudo-session.
func (c *Connector) Close() {
	c.session.Close()
	_ = c.conn.Close()
}

// NewArchiverConnector wires a Connector subscribed to filter straight
// into archive, as a sample of an internal consumer sitting downstream of
// ordinary fan-out rather than hooking the Router's own Append path —
// useful for an archive sink that should only see a subset of traffic
// instead of every accepted publish.
func NewArchiverConnector(b *Broker, filter string, archive Archive) (*Connector, error) {
	c, err := NewConnector(b, "$connector/archiver/"+filter, func(msg *Message) {
		if err := archive.Append(context.Background(), msg); err != nil {
			b.logger.Warn("archiver connector append failed", "topic", msg.Topic, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.SubscribeInternal(filter, 1)
	return c, nil
}

// NewAMQPFanoutConnector wires a Connector subscribed to filter into an
// AMQP exchange, the "logger/device connector" fan-out named in spec §4.3
// step 5, implemented as an ordinary subscriber rather than a privileged
// broker hook.
func NewAMQPFanoutConnector(b *Broker, filter, amqpURL, exchange string) (*Connector, error) {
	sink, err := NewAMQPArchive(amqpURL, exchange)
	if err != nil {
		return nil, err
	}
	c, err := NewConnector(b, "$connector/amqp/"+filter, func(msg *Message) {
		if err := sink.Append(context.Background(), msg); err != nil {
			b.logger.Warn("amqp fanout connector publish failed", "topic", msg.Topic, "error", err)
		}
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	c.SubscribeInternal(filter, 1)
	return c, nil
}
