package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
node_type: gateway
device_id: "0x0000000000000001"
network_id: 7
schedule: minuscule
peer_lost_timeout_slots: 123
db_path: ` + dir + `/mari.db
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.NodeType != "gateway" {
		t.Fatalf("node type: %q", cfg.NodeType)
	}
	if cfg.DeviceID != 1 {
		t.Fatalf("device id: %d", cfg.DeviceID)
	}
	if cfg.NetworkID != 7 {
		t.Fatalf("network id: %d", cfg.NetworkID)
	}
	if cfg.Schedule != "minuscule" {
		t.Fatalf("schedule: %q", cfg.Schedule)
	}
	if cfg.PeerLostTimeoutSlots != 123 {
		t.Fatalf("peer lost timeout: %d", cfg.PeerLostTimeoutSlots)
	}
	// untouched keys keep defaults
	if cfg.JoinResponseSlots != 20 {
		t.Fatalf("join response default: %d", cfg.JoinResponseSlots)
	}
}

func TestSaveExampleConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")
	if err := SaveExampleConfig(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg := Load(path)
	if cfg.NodeType != "gateway" {
		t.Fatalf("example should configure a gateway, got %q", cfg.NodeType)
	}
	if cfg.DeviceID != 1 {
		t.Fatalf("example device id: %d", cfg.DeviceID)
	}
}
