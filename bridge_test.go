package mq

import (
	"context"
	"testing"
	"time"
)

func TestConnectorPublishAndSubscribe(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	received := make(chan *Message, 1)
	sub, err := NewConnector(broker, "$connector/test/sub", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer sub.Close()
	sub.SubscribeInternal("sensors/+/temp", 1)

	pub, err := NewConnector(broker, "$connector/test/pub", nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish("sensors/device-1/temp", []byte("21.5"), AtLeastOnce, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Topic != "sensors/device-1/temp" || string(msg.Payload) != "21.5" {
			t.Errorf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message delivery through the connector")
	}
}

func TestConnectorUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	received := make(chan *Message, 1)
	sub, err := NewConnector(broker, "$connector/test/unsub", func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer sub.Close()

	sub.SubscribeInternal("a/b", 0)
	sub.UnsubscribeInternal("a/b")

	pub, err := NewConnector(broker, "$connector/test/unsub-pub", nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish("a/b", []byte("x"), AtMostOnce, false); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-received:
		t.Fatalf("expected no delivery after UnsubscribeInternal, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectorPublishAsync(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	pub, err := NewConnector(broker, "$connector/test/async", nil)
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	defer pub.Close()

	tok := pub.PublishAsync("a/b", []byte("x"), AtMostOnce, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tok.Wait(ctx); err != nil {
		t.Fatalf("PublishAsync token.Wait: %v", err)
	}
}
