package mq

import (
	"sort"
	"testing"
	"time"
)

func TestFanOutDedupsOverlappingSubscriptions(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	received := make(chan *Message, 4)
	sub, err := NewConnector(broker, "$connector/test/dedup-sub", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer sub.Close()

	id7 := uint32(7)
	id9 := uint32(9)
	broker.router.topicIndex.Subscribe(sub.session, "a/+", 1, SubscriptionOptions{SubscriptionID: &id7})
	broker.router.topicIndex.Subscribe(sub.session, "a/#", 2, SubscriptionOptions{SubscriptionID: &id9})

	pub, err := NewConnector(broker, "$connector/test/dedup-pub", nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish("a/b", []byte("x"), ExactlyOnce, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var msg *Message
	select {
	case msg = <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case extra := <-received:
		t.Fatalf("expected exactly one delivery for overlapping subscriptions, got a second: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if msg.QoS != ExactlyOnce {
		t.Errorf("expected the higher granted QoS (2) to win, got %d", msg.QoS)
	}
	if msg.Properties == nil {
		t.Fatal("expected subscription identifiers on the delivered message")
	}
	ids := append([]int(nil), msg.Properties.SubscriptionIdentifier...)
	sort.Ints(ids)
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 9 {
		t.Errorf("expected subscription IDs [7 9], got %v", ids)
	}
}

func TestDeliverDropsAlreadyExpiredMessage(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	sess, _, err := broker.getOrCreateSession("expiry-client-1")
	if err != nil {
		t.Fatalf("getOrCreateSession: %v", err)
	}

	msg := &Message{
		Topic: "a/b", Payload: []byte("x"), QoS: AtLeastOnce,
		ExpiresAt: time.Now().Add(-time.Second),
	}

	sess.deliver(msg, 1, nil)

	sess.mu.Lock()
	queued := len(sess.publishQueue)
	sess.mu.Unlock()
	if queued != 0 {
		t.Errorf("expected an already-expired message not to be queued, got %d queued entries", queued)
	}
}

func TestFlushQueueDropsMessageThatExpiredWhileQueued(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	sess, _, err := broker.getOrCreateSession("expiry-client-2")
	if err != nil {
		t.Fatalf("getOrCreateSession: %v", err)
	}

	// Session starts offline, so a QoS 1 publish lands in the queue
	// instead of attempting immediate delivery.
	msg := &Message{
		Topic: "a/b", Payload: []byte("x"), QoS: AtLeastOnce,
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
	}
	sess.deliver(msg, 1, nil)

	sess.mu.Lock()
	queuedBefore := len(sess.publishQueue)
	sess.mu.Unlock()
	if queuedBefore != 1 {
		t.Fatalf("expected the publish to be queued while offline, got %d queued", queuedBefore)
	}

	time.Sleep(100 * time.Millisecond)

	// Mark the session online (without a real transport) so flushQueueLocked
	// attempts to drain the queue; the expired entry must be dropped before
	// anything tries to write to the (nil) connection.
	sess.mu.Lock()
	sess.online = true
	sess.mu.Unlock()
	sess.flushQueue()

	sess.mu.Lock()
	queuedAfter := len(sess.publishQueue)
	sess.mu.Unlock()
	if queuedAfter != 0 {
		t.Errorf("expected the expired queued publish to be dropped, got %d still queued", queuedAfter)
	}
}
