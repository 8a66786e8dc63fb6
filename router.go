package mq

import (
	"context"
	"time"
)

// Router is the broker's message-routing engine: it takes one accepted
// publish, updates the retained store, appends to the archive, forwards it
// to the cluster bus, and fans it out to every locally-matching
// subscriber. It generalizes the single-session handlePublish the teacher's
// Client ran against its own subscription table into the many-session case
// a broker needs.
type Router struct {
	topicIndex *TopicIndex
	retained   RetainedStore
	archive    Archive
	cluster    ClusterBus
	nodeID     string

	publishInterceptors  []PublishInterceptor
	deliveryInterceptors []HandlerInterceptor

	logger *Logger
}

func newRouter(opts *BrokerOptions) *Router {
	retained := opts.RetainedStore
	if retained == nil {
		retained = NewMemoryRetainedStore()
	}
	archive := opts.Archive
	if archive == nil {
		archive = NopArchive{}
	}
	return &Router{
		topicIndex:           NewTopicIndex(),
		retained:             retained,
		archive:              archive,
		cluster:              opts.Cluster,
		nodeID:               opts.NodeID,
		publishInterceptors:  opts.PublishInterceptors,
		deliveryInterceptors: opts.DeliveryInterceptors,
		logger:               opts.Logger.With("component", "router"),
	}
}

// Publish accepts a message with no local originating session (cluster
// forwards, bridge connectors) and routes it. It satisfies PublishFunc, so
// it can sit at the tail of the publish-interceptor chain.
func (r *Router) Publish(msg *Message) error {
	return r.publishFrom(nil, msg)
}

// PublishFromSession accepts a message published by a local session,
// running it through the same interceptor chain as Publish but also
// suppressing delivery back to sess when the subscription used NoLocal.
func (r *Router) PublishFromSession(sess *Session, msg *Message) error {
	return r.publishFrom(sess, msg)
}

func (r *Router) publishFrom(origin *Session, msg *Message) error {
	publish := func(m *Message) error { return r.deliverAndArchive(origin, m) }
	for i := len(r.publishInterceptors) - 1; i >= 0; i-- {
		publish = r.publishInterceptors[i](publish)
	}
	return publish(msg)
}

func (r *Router) deliverAndArchive(origin *Session, msg *Message) error {
	if err := r.applyRetained(msg); err != nil {
		return err
	}

	if err := r.archive.Append(context.Background(), msg); err != nil {
		r.logger.Warn("archive append failed", "topic", msg.Topic, "error", err)
	}

	if r.cluster != nil && (msg.OriginNode == "" || msg.OriginNode == r.nodeID) {
		if err := r.cluster.Publish(msg); err != nil {
			r.logger.Warn("cluster publish failed", "topic", msg.Topic, "error", err)
		}
	}

	r.fanOut(origin, msg)
	return nil
}

func (r *Router) applyRetained(msg *Message) error {
	if !msg.Retained {
		return nil
	}
	if len(msg.Payload) == 0 {
		if err := r.retained.Clear(msg.Topic); err != nil {
			return &StorageTransientError{Message: "failed to clear retained message", Parent: err}
		}
		return nil
	}
	entry := &RetainedEntry{
		Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS,
		Properties: msg.Properties, PublishedAt: msg.PublishedAt, ExpiresAt: msg.ExpiresAt,
	}
	if err := r.retained.Set(msg.Topic, entry); err != nil {
		return &StorageTransientError{Message: "failed to store retained message", Parent: err}
	}
	return nil
}

// sessionDelivery collapses every matching registration for one session
// into a single delivery: the highest granted QoS among them (still capped
// at the publisher's QoS by the caller) and the union of their subscription
// identifiers.
type sessionDelivery struct {
	qos    uint8
	subIDs []uint32
}

func (d *sessionDelivery) addSubID(id *uint32) {
	if id == nil {
		return
	}
	for _, existing := range d.subIDs {
		if existing == *id {
			return
		}
	}
	d.subIDs = append(d.subIDs, *id)
}

// fanOut delivers msg to every local subscriber whose filter matches its
// topic, honoring each subscription's granted QoS (never upgraded beyond
// what the subscriber asked for) and its NoLocal option. A session matched
// by more than one subscription (e.g. both "a/+" and "a/#") is delivered to
// exactly once, carrying the union of the matched subscription IDs and the
// highest of the granted QoS levels.
func (r *Router) fanOut(origin *Session, msg *Message) {
	subs := r.topicIndex.FindMatching(msg.Topic)

	order := make([]*Session, 0, len(subs))
	bySession := make(map[*Session]*sessionDelivery, len(subs))
	for _, sub := range subs {
		if origin != nil && sub.session == origin && sub.options.NoLocal {
			continue
		}
		deliverQoS := sub.qos
		if uint8(msg.QoS) < deliverQoS {
			deliverQoS = uint8(msg.QoS)
		}

		d, ok := bySession[sub.session]
		if !ok {
			d = &sessionDelivery{qos: deliverQoS}
			bySession[sub.session] = d
			order = append(order, sub.session)
		} else if deliverQoS > d.qos {
			d.qos = deliverQoS
		}
		d.addSubID(sub.options.SubscriptionID)
	}

	for _, sess := range order {
		d := bySession[sess]
		handler := MessageHandler(func(sess *Session, m *Message) { sess.deliver(m, d.qos, d.subIDs) })
		for i := len(r.deliveryInterceptors) - 1; i >= 0; i-- {
			handler = r.deliveryInterceptors[i](handler)
		}
		handler(sess, msg)
	}
}

// DeliverRetained sends every retained message matching filter to sess,
// called by handleSubscribe for each accepted filter whose RetainHandling
// is 0, or 1 when the subscription is new.
func (r *Router) DeliverRetained(sess *Session, filter string, qos uint8, opts SubscriptionOptions) error {
	entries, err := r.retained.Match(filter)
	if err != nil {
		return &StorageTransientError{Message: "failed to match retained messages", Parent: err}
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.Expired(now) {
			continue
		}
		msg := &Message{
			Topic: entry.Topic, Payload: entry.Payload, QoS: entry.QoS, Retained: true,
			Properties: entry.Properties, PublishedAt: entry.PublishedAt, ExpiresAt: entry.ExpiresAt,
		}
		deliverQoS := qos
		if uint8(entry.QoS) < deliverQoS {
			deliverQoS = uint8(entry.QoS)
		}
		var subIDs []uint32
		if opts.SubscriptionID != nil {
			subIDs = []uint32{*opts.SubscriptionID}
		}
		sess.deliver(msg, deliverQoS, subIDs)
	}
	return nil
}
