package mq

import (
	"os"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0] != "tcp://0.0.0.0:1883" {
		t.Errorf("unexpected default listeners: %+v", cfg.Listeners)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected default storage backend memory, got %q", cfg.Storage.Backend)
	}
	if cfg.ReceiveMaximum != 65535 {
		t.Errorf("expected default receive maximum 65535, got %d", cfg.ReceiveMaximum)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("TIDEMQ_NODE_ID", "node-from-env")

	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NodeID != "node-from-env" {
		t.Errorf("expected NodeID overridden by TIDEMQ_NODE_ID, got %q", cfg.NodeID)
	}
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	path := t.TempDir() + "/tidemq.yaml"
	yaml := "node_id: node-from-file\nlisteners:\n  - tcp://127.0.0.1:1884\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NodeID != "node-from-file" {
		t.Errorf("expected NodeID from YAML file, got %q", cfg.NodeID)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0] != "tcp://127.0.0.1:1884" {
		t.Errorf("expected listeners from YAML file, got %+v", cfg.Listeners)
	}
}

func TestBrokerConfigToOptions(t *testing.T) {
	cfg := defaultBrokerConfig()
	cfg.NodeID = "node-1"
	cfg.AllowAnonymous = true

	opts, err := cfg.ToOptions()
	if err != nil {
		t.Fatalf("ToOptions: %v", err)
	}
	if len(opts) == 0 {
		t.Fatal("expected at least one Option from a default config")
	}

	broker := NewBroker(opts...)
	defer broker.Close()
	if broker.Stats().NodeID != "node-1" {
		t.Errorf("expected broker node ID node-1, got %q", broker.Stats().NodeID)
	}
}
