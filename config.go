package mq

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// BrokerConfig is the file/env/flag-loadable shape of BrokerOptions. Not
// every BrokerOptions field is representable this way (interceptors,
// pluggable store implementations); those are only reachable through
// WithXxx options from Go code, same as the teacher's layering of a
// serializable config struct underneath its functional options.
type BrokerConfig struct {
	NodeID               string        `koanf:"node_id"`
	Listeners            []string      `koanf:"listeners"`
	WebSocketListener    string        `koanf:"websocket_listener"`
	KeepAlive            time.Duration `koanf:"keep_alive"`
	MaxKeepAlive         time.Duration `koanf:"max_keep_alive"`
	ConnectTimeout        time.Duration `koanf:"connect_timeout"`
	MaxTopicLength        int           `koanf:"max_topic_length"`
	MaxPayloadSize        int           `koanf:"max_payload_size"`
	MaxIncomingPacket     int           `koanf:"max_incoming_packet"`
	ReceiveMaximum        uint16        `koanf:"receive_maximum"`
	MaxQueuedMessages     int           `koanf:"max_queued_messages"`
	AllowAnonymous        bool          `koanf:"allow_anonymous"`

	Storage  StorageConfig  `koanf:"storage"`
	Retained RetainedConfig `koanf:"retained"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Cluster  ClusterConfig  `koanf:"cluster"`
}

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	Backend string `koanf:"backend"` // "memory" | "file" | "badger" | "sql"
	Path    string `koanf:"path"`
}

// RetainedConfig selects and configures the retained-message store.
type RetainedConfig struct {
	Backend  string `koanf:"backend"` // "memory" | "redis"
	RedisURL string `koanf:"redis_url"`
}

// ArchiveConfig selects and configures the message archive sink.
type ArchiveConfig struct {
	Backend  string `koanf:"backend"` // "none" | "sql" | "amqp"
	Path     string `koanf:"path"`
	AMQPURL  string `koanf:"amqp_url"`
	Exchange string `koanf:"exchange"`
}

// ClusterConfig selects and configures the inter-node cluster bus.
type ClusterConfig struct {
	Backend string `koanf:"backend"` // "none" | "nats"
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

func defaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Listeners:         []string{"tcp://0.0.0.0:1883"},
		KeepAlive:         60 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReceiveMaximum:    65535,
		MaxQueuedMessages: 1000,
		Storage:           StorageConfig{Backend: "memory"},
		Retained:          RetainedConfig{Backend: "memory"},
		Archive:           ArchiveConfig{Backend: "none"},
		Cluster:           ClusterConfig{Backend: "none"},
	}
}

// LoadConfig assembles a BrokerConfig the way studiolambda/cosmos's orbit
// layer composes koanf providers: defaults, then an optional YAML file,
// then TIDEMQ_-prefixed environment variables, then CLI flags — each
// layer overriding the previous one.
func LoadConfig(path string, flags *pflag.FlagSet) (*BrokerConfig, error) {
	k := koanf.New(".")
	cfg := defaultBrokerConfig()
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return nil, &InternalError{Message: "failed to load default config", Parent: err}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, &StorageTransientError{Message: "failed to load config file " + path, Parent: err}
		}
	}

	if err := k.Load(env.Provider("TIDEMQ_", ".", envKeyTransform), nil); err != nil {
		return nil, &InternalError{Message: "failed to load environment config", Parent: err}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, &InternalError{Message: "failed to load flag config", Parent: err}
		}
	}

	out := defaultBrokerConfig()
	if err := k.Unmarshal("", out); err != nil {
		return nil, &InternalError{Message: "failed to unmarshal config", Parent: err}
	}
	return out, nil
}

func envKeyTransform(s string) string {
	return toKoanfKey(s[len("TIDEMQ_"):])
}

func toKoanfKey(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r|0x20)) // lowercase ASCII
	}
	return string(out)
}

// structProvider lets LoadConfig seed koanf from the defaults struct
// without writing them to a throwaway file first.
func structProvider(cfg *BrokerConfig) koanf.Provider {
	return &defaultsProvider{cfg: cfg}
}

type defaultsProvider struct{ cfg *BrokerConfig }

func (p *defaultsProvider) ReadBytes() ([]byte, error) { return nil, nil }

func (p *defaultsProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"node_id":             p.cfg.NodeID,
		"listeners":           p.cfg.Listeners,
		"websocket_listener":  p.cfg.WebSocketListener,
		"keep_alive":          p.cfg.KeepAlive,
		"max_keep_alive":      p.cfg.MaxKeepAlive,
		"connect_timeout":     p.cfg.ConnectTimeout,
		"max_topic_length":    p.cfg.MaxTopicLength,
		"max_payload_size":    p.cfg.MaxPayloadSize,
		"max_incoming_packet": p.cfg.MaxIncomingPacket,
		"receive_maximum":     p.cfg.ReceiveMaximum,
		"max_queued_messages": p.cfg.MaxQueuedMessages,
		"allow_anonymous":     p.cfg.AllowAnonymous,
		"storage.backend":     p.cfg.Storage.Backend,
		"storage.path":        p.cfg.Storage.Path,
		"retained.backend":    p.cfg.Retained.Backend,
		"retained.redis_url":  p.cfg.Retained.RedisURL,
		"archive.backend":     p.cfg.Archive.Backend,
		"archive.path":        p.cfg.Archive.Path,
		"archive.amqp_url":    p.cfg.Archive.AMQPURL,
		"archive.exchange":    p.cfg.Archive.Exchange,
		"cluster.backend":     p.cfg.Cluster.Backend,
		"cluster.url":         p.cfg.Cluster.URL,
		"cluster.subject":     p.cfg.Cluster.Subject,
	}, nil
}

// ToOptions translates a loaded BrokerConfig into functional Options,
// constructing whichever storage/retained/archive/cluster backend each
// section selects.
func (c *BrokerConfig) ToOptions() ([]Option, error) {
	opts := []Option{
		WithListeners(c.Listeners...),
		WithKeepAlive(c.KeepAlive),
		WithConnectTimeout(c.ConnectTimeout),
		WithAllowAnonymous(c.AllowAnonymous),
	}
	if c.NodeID != "" {
		opts = append(opts, WithNodeID(c.NodeID))
	}
	if c.WebSocketListener != "" {
		opts = append(opts, WithWebSocketListener(c.WebSocketListener))
	}
	if c.MaxTopicLength > 0 {
		opts = append(opts, WithMaxTopicLength(c.MaxTopicLength))
	}
	if c.MaxPayloadSize > 0 {
		opts = append(opts, WithMaxPayloadSize(c.MaxPayloadSize))
	}
	if c.MaxIncomingPacket > 0 {
		opts = append(opts, WithMaxIncomingPacket(c.MaxIncomingPacket))
	}
	if c.ReceiveMaximum > 0 {
		opts = append(opts, WithReceiveMaximum(c.ReceiveMaximum, LimitPolicyClamp))
	}
	if c.MaxQueuedMessages > 0 {
		opts = append(opts, WithQueueOverflowPolicy(OverflowDisconnect, c.MaxQueuedMessages))
	}

	switch c.Storage.Backend {
	case "badger":
		factory, err := BadgerSessionStoreFactory(c.Storage.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSessionStoreFactory(factory))
	case "sql":
		factory, err := SQLSessionStoreFactory(c.Storage.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSessionStoreFactory(factory))
	case "file":
		dir := c.Storage.Path
		opts = append(opts, WithSessionStoreFactory(func(clientID string) (SessionStore, error) {
			return NewFileStore(dir, clientID)
		}))
	}

	switch c.Retained.Backend {
	case "redis":
		store, err := NewRedisRetainedStore(c.Retained.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRetainedStore(store))
	}

	switch c.Archive.Backend {
	case "sql":
		archive, err := NewSQLArchive(c.Archive.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithArchive(archive))
	case "amqp":
		archive, err := NewAMQPArchive(c.Archive.AMQPURL, c.Archive.Exchange)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithArchive(archive))
	}

	switch c.Cluster.Backend {
	case "nats":
		bus, err := NewNATSClusterBus(c.Cluster.URL, c.Cluster.Subject, c.NodeID, 100_000)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCluster(bus))
	}

	return opts, nil
}
