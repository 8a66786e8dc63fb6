package mq

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an MQTT message flowing through the broker.
//
// A Message is created once, when a PUBLISH packet is accepted from a
// session or a bridge connector, and is then fanned out unchanged to every
// matching subscriber, the retained store, the archive, and the cluster
// bus. Its ID lets every downstream consumer (including peer broker nodes)
// recognize the same publication and avoid processing it twice.
type Message struct {
	// ID uniquely identifies this publication across the whole cluster.
	// Assigned once, at the node where the PUBLISH first entered the system.
	ID uuid.UUID

	// Topic the message was published to.
	Topic string

	// Payload is the message body.
	Payload []byte

	// QoS is the Quality of Service level the publisher sent.
	QoS QoS

	// Retained is true for messages that should update the retained store.
	Retained bool

	// Duplicate is set on redelivery to a given subscriber (not persisted
	// with the message itself, so this is left unset on the canonical copy
	// and only set per-delivery by the session runtime).
	Duplicate bool

	// Properties carries MQTT v5.0 message properties, nil for v3.1.1.
	Properties *Properties

	// OriginNode is the cluster node that first accepted this publication.
	// Empty for single-node deployments.
	OriginNode string

	// PublishedAt is when the message entered the router.
	PublishedAt time.Time

	// ExpiresAt is PublishedAt plus Properties.MessageExpiry, zero if unset.
	ExpiresAt time.Time
}

// Expired reports whether the message's MessageExpiryInterval has elapsed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// newMessage builds a Message from a publish, stamping a fresh ID and
// expiry. originNode is this broker node's identifier, used for cluster
// dedup and for deciding whether a message arriving over the cluster bus
// originated locally.
func newMessage(topic string, payload []byte, qos QoS, retain bool, props *Properties, originNode string) *Message {
	now := time.Now()
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; fall back to a random ID rather than fail
		// the publish outright.
		id = uuid.New()
	}
	msg := &Message{
		ID:          id,
		Topic:       topic,
		Payload:     payload,
		QoS:         qos,
		Retained:    retain,
		Properties:  props,
		OriginNode:  originNode,
		PublishedAt: now,
	}
	if props != nil && props.MessageExpiry != nil {
		msg.ExpiresAt = now.Add(time.Duration(*props.MessageExpiry) * time.Second)
	}
	return msg
}

// RetainedEntry is a single stored retained message for a topic name
// (never a filter). An entry with an empty Payload and QoS 0 is never
// stored — publishing an empty retained payload deletes the entry instead.
type RetainedEntry struct {
	Topic       string
	Payload     []byte
	QoS         QoS
	Properties  *Properties
	PublishedAt time.Time
	ExpiresAt   time.Time
}

func (e *RetainedEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}
