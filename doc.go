// Package mq implements an MQTT v5.0 and v3.1.1 broker: the routing engine
// that accepts client connections, matches PUBLISH traffic against the
// subscription tree, and delivers it with the requested quality of
// service, across a single process or a cluster of them.
//
// # Features
//
//   - Full MQTT v5.0 and v3.1.1 protocol support, negotiated per connection
//   - Topic subscription tree with '+'/'#' wildcards and shared
//     subscriptions ($share/group/filter)
//   - QoS 0/1/2 delivery with per-session flow control (Receive Maximum)
//   - Retained message store, pluggable between in-memory and Redis
//   - Pluggable session persistence (file, embedded KV, SQL) surviving
//     broker restarts for non-clean sessions
//   - Last Will and Testament delivery, including MQTT v5.0 Will Delay
//   - A cluster bus for multi-node message fan-out
//   - Bridge/connector contracts for archiving or fanning messages out to
//     external systems without granting router-bypass privileges
//   - TLS and WebSocket transports alongside plain TCP
//
// # Quick Start
//
// Build and start a broker:
//
//	broker := mq.NewBroker(
//	    mq.WithListeners("tcp://0.0.0.0:1883"),
//	    mq.WithWebSocketListener("0.0.0.0:8883"),
//	    mq.WithAllowAnonymous(true),
//	)
//	if err := broker.Serve(); err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close()
//
// Or load one from layered configuration (file, environment, flags) and run
// it as a standalone process via cmd/tidemqd:
//
//	cfg, err := mq.LoadConfig("tidemq.yaml", nil)
//	opts, err := cfg.ToOptions()
//	broker := mq.NewBroker(opts...)
//
// # Session Persistence
//
// A non-clean session's subscriptions and in-flight QoS 1/2 state survive
// a reconnect, and (with a SessionStoreFactory configured) a broker
// restart too:
//
//	factory, _ := mq.BadgerSessionStoreFactory("/var/lib/tidemq/sessions")
//	broker := mq.NewBroker(mq.WithSessionStoreFactory(factory))
//
// FileStore, BadgerSessionStore, and SQLSessionStore all implement
// SessionStore; a custom backend only needs to satisfy that interface.
//
// # Retained Messages and Archiving
//
// RetainedStore is backed by an in-memory go-cache store by default, or
// Redis for a clustered deployment:
//
//	store, _ := mq.NewRedisRetainedStore("redis://localhost:6379/0")
//	broker := mq.NewBroker(mq.WithRetainedStore(store))
//
// An Archive sink (SQL or AMQP) and Connector contracts let external
// systems observe the message stream through the same routing path as any
// other subscriber — see NewArchiverConnector and NewAMQPFanoutConnector.
//
// # Clustering
//
// WithCluster wires a ClusterBus (NATS by default) so PUBLISH traffic
// routes across multiple broker nodes sharing a topic namespace:
//
//	bus, _ := mq.NewNATSClusterBus("nats://localhost:4222", "tidemq.cluster", nodeID, 100_000)
//	broker := mq.NewBroker(mq.WithCluster(bus))
package mq
