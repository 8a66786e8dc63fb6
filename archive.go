package mq

import "context"

// Archive receives a durable copy of every message the router accepts,
// independent of live subscriber fan-out — for audit trails, replay, or
// feeding downstream analytics. Append must not block message delivery
// for long; implementations that do real I/O should buffer internally.
type Archive interface {
	Append(ctx context.Context, msg *Message) error
	Close() error
}

// NopArchive discards every message. It's the zero value behavior when
// BrokerOptions.Archive is left nil, exposed as a type so bridges/tests can
// reference it explicitly.
type NopArchive struct{}

func (NopArchive) Append(context.Context, *Message) error { return nil }
func (NopArchive) Close() error                           { return nil }
