package mq

import (
	"math"
	"time"

	"github.com/klenin/tidemq/internal/packets"
)

const pendingRetryInterval = 5 * time.Second

// handlePublish processes an inbound PUBLISH from the client. Called with
// mu held.
func (s *Session) handlePublish(p *packets.PublishPacket) {
	if p.QoS == 2 {
		if _, dup := s.inboundQoS2[p.PacketID]; dup {
			s.sendLocked(&packets.PubrecPacket{PacketID: p.PacketID, Version: s.version})
			return
		}
		s.inboundQoS2[p.PacketID] = struct{}{}
		if s.store != nil {
			_ = s.store.SaveReceivedQoS2(p.PacketID)
		}
	}

	limits := s.broker.opts.topicLimits()
	props := toPublicProperties(p.Properties)
	if err := validatePublishTopic(p.Topic, limits); err != nil {
		s.rejectPublish(p, ReasonCodeTopicNameInvalid)
		return
	}
	if err := validatePayload(p.Payload, limits); err != nil {
		s.rejectPublish(p, ReasonCodePacketTooLarge)
		return
	}
	if err := validatePayloadFormat(p.Payload, props); err != nil {
		s.rejectPublish(p, ReasonCodePayloadFormatInvalid)
		return
	}
	if err := systemTopicGuard(p.Topic); err != nil {
		s.rejectPublish(p, ReasonCodeNotAuthorized)
		return
	}
	if s.broker.opts.Auth != nil {
		if err := s.broker.opts.Auth.MayAct(s.clientID, p.Topic, true); err != nil {
			s.rejectPublish(p, ReasonCodeNotAuthorized)
			return
		}
	}

	msg := newMessage(p.Topic, p.Payload, QoS(p.QoS), p.Retain, props, s.broker.opts.NodeID)
	if err := s.broker.router.PublishFromSession(s, msg); err != nil {
		s.broker.logger.Warn("publish rejected by router", "client_id", s.clientID, "topic", p.Topic, "error", err)
		s.rejectPublish(p, ReasonCodeUnspecifiedError)
		return
	}

	switch p.QoS {
	case 1:
		s.sendLocked(&packets.PubackPacket{PacketID: p.PacketID, Version: s.version})
	case 2:
		s.sendLocked(&packets.PubrecPacket{PacketID: p.PacketID, Version: s.version})
	}
}

func (s *Session) rejectPublish(p *packets.PublishPacket, code ReasonCode) {
	switch p.QoS {
	case 1:
		s.sendLocked(&packets.PubackPacket{PacketID: p.PacketID, ReasonCode: uint8(code), Version: s.version})
	case 2:
		s.sendLocked(&packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: uint8(code), Version: s.version})
	default:
		s.broker.logger.Debug("dropped invalid QoS0 publish", "client_id", s.clientID, "topic", p.Topic)
	}
}

func (s *Session) handlePuback(p *packets.PubackPacket) {
	if _, ok := s.pending[p.PacketID]; !ok {
		return
	}
	delete(s.pending, p.PacketID)
	s.inFlightCount--
	if s.store != nil {
		_ = s.store.DeletePendingPublish(p.PacketID)
	}
	s.flushQueueLocked()
}

func (s *Session) handlePubrec(p *packets.PubrecPacket) {
	op, ok := s.pending[p.PacketID]
	if !ok {
		s.sendLocked(&packets.PubrelPacket{PacketID: p.PacketID, ReasonCode: uint8(ReasonCodeUnspecifiedError), Version: s.version})
		return
	}
	op.phase = phasePubrel
	op.timestamp = time.Now()
	s.sendLocked(&packets.PubrelPacket{PacketID: p.PacketID, Version: s.version})
}

func (s *Session) handlePubrel(p *packets.PubrelPacket) {
	delete(s.inboundQoS2, p.PacketID)
	if s.store != nil {
		_ = s.store.DeleteReceivedQoS2(p.PacketID)
	}
	s.sendLocked(&packets.PubcompPacket{PacketID: p.PacketID, Version: s.version})
}

func (s *Session) handlePubcomp(p *packets.PubcompPacket) {
	if _, ok := s.pending[p.PacketID]; !ok {
		return
	}
	delete(s.pending, p.PacketID)
	s.inFlightCount--
	if s.store != nil {
		_ = s.store.DeletePendingPublish(p.PacketID)
	}
	s.flushQueueLocked()
}

func (s *Session) handleSubscribe(p *packets.SubscribePacket) {
	limits := s.broker.opts.topicLimits()
	returnCodes := make([]uint8, len(p.Topics))

	for i, topic := range p.Topics {
		qos := p.QoS[i]

		if err := validateSubscribeTopic(topic, limits); err != nil {
			returnCodes[i] = uint8(ReasonCodeTopicFilterInvalid)
			continue
		}
		if s.broker.opts.Auth != nil {
			if err := s.broker.opts.Auth.MayAct(s.clientID, topic, false); err != nil {
				returnCodes[i] = uint8(ReasonCodeNotAuthorized)
				continue
			}
		}

		opts := SubscriptionOptions{RetainHandling: 0}
		if i < len(p.NoLocal) {
			opts.NoLocal = p.NoLocal[i]
		}
		if i < len(p.RetainAsPublished) {
			opts.RetainAsPublished = p.RetainAsPublished[i]
		}
		if i < len(p.RetainHandling) {
			opts.RetainHandling = p.RetainHandling[i]
		}
		if p.Properties != nil && len(p.Properties.SubscriptionIdentifier) > 0 {
			id := uint32(p.Properties.SubscriptionIdentifier[0])
			opts.SubscriptionID = &id
		}

		_, alreadySubscribed := s.subscriptions[topic]

		s.broker.router.topicIndex.Subscribe(s, topic, qos, opts)
		s.subscriptions[topic] = subscriptionState{qos: qos, options: opts}
		if s.store != nil {
			_ = s.store.SaveSubscription(topic, &SubscriptionInfo{QoS: qos, Options: &opts})
		}

		returnCodes[i] = qos

		// RetainHandling 1 (send-if-new) only delivers retained messages for
		// a subscription that didn't already exist; 0 (send-always) always
		// delivers; 2 (send-never) never does.
		sendRetained := opts.RetainHandling == 0 || (opts.RetainHandling == 1 && !alreadySubscribed)
		if sendRetained {
			if err := s.broker.router.DeliverRetained(s, topic, qos, opts); err != nil {
				s.broker.logger.Warn("failed to deliver retained messages", "client_id", s.clientID, "topic", topic, "error", err)
			}
		}
	}

	s.sendLocked(&packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: returnCodes, Version: s.version})
}

func (s *Session) handleUnsubscribe(p *packets.UnsubscribePacket) {
	reasonCodes := make([]uint8, len(p.Topics))
	for i, topic := range p.Topics {
		s.broker.router.topicIndex.Unsubscribe(s, topic)
		delete(s.subscriptions, topic)
		if s.store != nil {
			_ = s.store.DeleteSubscription(topic)
		}
		reasonCodes[i] = uint8(ReasonCodeNormalDisconnect) // 0x00 == success for UNSUBACK too
	}
	s.sendLocked(&packets.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: reasonCodes, Version: s.version})
}

func (s *Session) handleDisconnectPacket(p *packets.DisconnectPacket) {
	s.will = nil
	if p.Properties != nil && p.Properties.Presence&packets.PresSessionExpiryInterval != 0 {
		// A v5 client may change its session expiry on graceful disconnect.
		s.sessionExpiryInterval = p.Properties.SessionExpiryInterval
	}
	go s.detach()
}

func (s *Session) handleAuthPacket(p *packets.AuthPacket) {
	s.broker.logger.Debug("received AUTH outside an active re-authentication exchange", "client_id", s.clientID)
}

// deliver sends msg to this session at the given (already QoS-capped and
// session-deduplicated) level, queuing it instead if the session is
// offline or its flow-control window is full. subIDs is the union of
// subscription identifiers across every registration that matched this
// publish for this session.
func (s *Session) deliver(msg *Message, qos uint8, subIDs []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Expired(time.Now()) {
		return
	}

	if qos == 0 {
		if !s.online {
			return
		}
		s.sendLocked(s.buildPublishPacket(msg, 0, false, subIDs))
		return
	}

	if s.online && s.inFlightCount < int(s.effectiveReceiveMaxLocked()) {
		s.dispatchQoSLocked(msg, qos, subIDs)
		return
	}
	s.enqueueLocked(msg, qos, subIDs)
}

func (s *Session) effectiveReceiveMaxLocked() uint16 {
	if s.peerReceiveMaximum > 0 {
		return s.peerReceiveMaximum
	}
	return 65535
}

// buildPublishPacket builds the outbound PUBLISH packet for msg, injecting
// subIDs (the union of matched subscription identifiers) and recomputing
// the message-expiry-interval property against the time remaining until
// msg.ExpiresAt rather than copying the interval the publisher sent, which
// would otherwise go stale across however long the message sat queued.
func (s *Session) buildPublishPacket(msg *Message, qos uint8, dup bool, subIDs []uint32) *packets.PublishPacket {
	props := toInternalProperties(msg.Properties)

	if !msg.ExpiresAt.IsZero() {
		remaining := time.Until(msg.ExpiresAt)
		if remaining < 0 {
			remaining = 0
		}
		if props == nil {
			props = &packets.Properties{}
		}
		props.MessageExpiryInterval = uint32(math.Ceil(remaining.Seconds()))
		props.Presence |= packets.PresMessageExpiryInterval
	}

	if len(subIDs) > 0 {
		if props == nil {
			props = &packets.Properties{}
		}
		ids := make([]int, len(subIDs))
		for i, id := range subIDs {
			ids[i] = int(id)
		}
		props.SubscriptionIdentifier = ids
	}

	return &packets.PublishPacket{
		Dup:        dup,
		QoS:        qos,
		Retain:     msg.Retained,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		Properties: props,
		Version:    s.version,
	}
}

func (s *Session) dispatchQoSLocked(msg *Message, qos uint8, subIDs []uint32) {
	id := s.nextID()
	pkt := s.buildPublishPacket(msg, qos, false, subIDs)
	pkt.PacketID = id
	s.pending[id] = &pendingOut{packet: pkt, qos: qos, phase: phasePublish, timestamp: time.Now()}
	s.inFlightCount++
	if s.store != nil {
		_ = s.store.SavePendingPublish(id, toPersistedPublish(pkt, msg.Properties))
	}
	s.sendLocked(pkt)
}

func toPersistedPublish(pkt *packets.PublishPacket, props *Properties) *PersistedPublish {
	pp := &PersistedPublish{Topic: pkt.Topic, Payload: pkt.Payload, QoS: pkt.QoS, Retain: pkt.Retain}
	if props == nil {
		return pp
	}
	pp.Properties = &PublishProperties{
		PayloadFormat:   props.PayloadFormat,
		MessageExpiry:   props.MessageExpiry,
		ResponseTopic:   props.ResponseTopic,
		CorrelationData: props.CorrelationData,
		UserProperties:  props.UserProperties,
		ContentType:     props.ContentType,
	}
	return pp
}

// enqueueLocked buffers msg for later delivery, applying the broker's
// configured overflow policy once the queue is full.
func (s *Session) enqueueLocked(msg *Message, qos uint8, subIDs []uint32) {
	max := s.broker.opts.MaxQueuedMessages
	if max <= 0 {
		max = 1000
	}
	if len(s.publishQueue) >= max {
		switch s.broker.opts.QueueOverflowPolicy {
		case OverflowDropNew:
			s.broker.logger.Warn("dropping publish, queue full", "client_id", s.clientID, "topic", msg.Topic)
		default:
			s.broker.logger.Warn("disconnecting slow consumer, queue full", "client_id", s.clientID)
			go s.disconnectWithReason(ReasonCodeQuotaExceeded)
		}
		return
	}
	s.publishQueue = append(s.publishQueue, &queuedPublish{
		topic: msg.Topic, payload: msg.Payload, qos: qos, retain: msg.Retained,
		props: msg.Properties, subIDs: subIDs, expiresAt: msg.ExpiresAt,
	})
}

// flushQueueLocked drains as much of the publish queue as flow control
// allows, dropping any entry whose message-expiry deadline has already
// passed instead of transmitting it. Must be called with mu held.
func (s *Session) flushQueueLocked() {
	for len(s.publishQueue) > 0 && s.online && s.inFlightCount < int(s.effectiveReceiveMaxLocked()) {
		qp := s.publishQueue[0]
		s.publishQueue = s.publishQueue[1:]

		msg := &Message{
			Topic: qp.topic, Payload: qp.payload, QoS: QoS(qp.qos), Retained: qp.retain,
			Properties: qp.props, ExpiresAt: qp.expiresAt,
		}
		if msg.Expired(time.Now()) {
			s.broker.logger.Debug("dropping expired queued publish", "client_id", s.clientID, "topic", qp.topic)
			continue
		}

		if qp.qos == 0 {
			s.sendLocked(s.buildPublishPacket(msg, 0, false, qp.subIDs))
			continue
		}
		s.dispatchQoSLocked(msg, qp.qos, qp.subIDs)
	}
}

// flushQueue acquires mu and drains the publish queue; used by callers
// (like attach) that aren't already holding the lock.
func (s *Session) flushQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushQueueLocked()
}

// retryPendingLocked resends any outstanding QoS 1/2 packet that hasn't
// been acknowledged within pendingRetryInterval. Must be called with mu
// held.
func (s *Session) retryPendingLocked() {
	if !s.online {
		return
	}
	now := time.Now()
	for id, op := range s.pending {
		if now.Sub(op.timestamp) < pendingRetryInterval {
			continue
		}
		op.timestamp = now
		if op.phase == phasePubrel {
			s.sendLocked(&packets.PubrelPacket{PacketID: id, Version: s.version})
			continue
		}
		op.packet.Dup = true
		s.sendLocked(op.packet)
	}
}
