package mq

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// natsClusterMessage is the wire format broadcast between nodes. Payload
// stays a raw []byte rather than nesting the full Message struct so a
// future field added to Message doesn't require every node in a mixed-
// version cluster to agree on it.
type natsClusterMessage struct {
	ID         string      `json:"id"`
	Topic      string      `json:"topic"`
	Payload    []byte      `json:"payload"`
	QoS        uint8       `json:"qos"`
	Retained   bool        `json:"retained"`
	Properties *Properties `json:"properties,omitempty"`
	OriginNode string      `json:"origin_node"`
}

// NATSClusterBus broadcasts messages between broker nodes over a NATS
// subject, one subject per cluster (not per topic, since fan-out across
// subscribers already happens locally on each node via the TopicIndex).
type NATSClusterBus struct {
	nc      *nats.Conn
	subject string
	nodeID  string

	mu    sync.Mutex
	dedup *dedupWindow

	sub *nats.Subscription
}

// NewNATSClusterBus connects to a NATS server at url and joins the
// cluster broadcast subject. dedupCapacity bounds how many recently-seen
// message IDs from other nodes are retained to drop repeated deliveries;
// the node's own broadcasts are dropped by origin node instead.
func NewNATSClusterBus(url, subject, nodeID string, dedupCapacity int) (*NATSClusterBus, error) {
	nc, err := nats.Connect(url, nats.Name("tidemq-node-"+nodeID))
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to connect to nats cluster bus", Parent: err}
	}
	return &NATSClusterBus{
		nc: nc, subject: subject, nodeID: nodeID,
		dedup: newDedupWindow(dedupCapacity),
	}, nil
}

func (b *NATSClusterBus) NodeID() string { return b.nodeID }

func (b *NATSClusterBus) Publish(msg *Message) error {
	wire := natsClusterMessage{
		ID: msg.ID.String(), Topic: msg.Topic, Payload: msg.Payload,
		QoS: uint8(msg.QoS), Retained: msg.Retained, Properties: msg.Properties,
		OriginNode: msg.OriginNode,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return &InternalError{Message: "failed to marshal cluster message", Parent: err}
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return &StorageTransientError{Message: "failed to publish to cluster bus", Parent: err}
	}
	return nil
}

func (b *NATSClusterBus) Subscribe(fn func(msg *Message)) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var wire natsClusterMessage
		if err := json.Unmarshal(m.Data, &wire); err != nil {
			return
		}
		if wire.OriginNode == b.nodeID {
			return
		}

		b.mu.Lock()
		dup := b.dedup.seenBefore(wire.ID)
		b.mu.Unlock()
		if dup {
			return
		}

		id, err := uuid.Parse(wire.ID)
		if err != nil {
			id = uuid.New()
		}
		fn(&Message{
			ID: id, Topic: wire.Topic, Payload: wire.Payload, QoS: QoS(wire.QoS),
			Retained: wire.Retained, Properties: wire.Properties,
			OriginNode: wire.OriginNode, PublishedAt: time.Now(),
		})
	})
	if err != nil {
		return &StorageTransientError{Message: "failed to subscribe to cluster bus", Parent: err}
	}
	b.sub = sub
	return nil
}

func (b *NATSClusterBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}
