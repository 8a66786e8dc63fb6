package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPArchive republishes every accepted message onto a RabbitMQ exchange,
// letting downstream consumers (analytics, long-term storage workers) tap
// the broker's traffic without being an MQTT client themselves. The
// message's MQTT topic becomes the AMQP routing key unchanged. AMQP topic
// exchanges split routing keys on '.', not '/', so a topic such as
// "sensors/dev1/temp" is a single routing-key word: a binding like
// "sensors.#" does not match it, while "#" or the exact topic does.
type AMQPArchive struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPArchive dials url and declares a topic exchange named exchange if
// it doesn't already exist.
func NewAMQPArchive(url, exchange string) (*AMQPArchive, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, &StorageTransientError{Message: "failed to dial amqp broker", Parent: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, &StorageTransientError{Message: "failed to open amqp channel", Parent: err}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, &StorageTransientError{Message: "failed to declare amqp exchange", Parent: err}
	}
	return &AMQPArchive{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQPArchive) Append(ctx context.Context, msg *Message) error {
	contentType := "application/octet-stream"
	if msg.Properties != nil && msg.Properties.ContentType != "" {
		contentType = msg.Properties.ContentType
	}
	err := a.ch.PublishWithContext(ctx, a.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType: contentType,
		Body:        msg.Payload,
		MessageId:   msg.ID.String(),
		Timestamp:   msg.PublishedAt,
		AppId:       msg.OriginNode,
	})
	if err != nil {
		return &StorageTransientError{Message: "failed to publish to amqp exchange", Parent: err}
	}
	return nil
}

func (a *AMQPArchive) Close() error {
	chErr := a.ch.Close()
	connErr := a.conn.Close()
	if chErr != nil {
		return &StorageTransientError{Message: "failed to close amqp channel", Parent: chErr}
	}
	if connErr != nil {
		return &StorageTransientError{Message: "failed to close amqp connection", Parent: connErr}
	}
	return nil
}
