package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the mari daemon.
type Config struct {
	// daemon
	Port      string
	DBPath    string
	Env       string
	StartTime time.Time

	// device registry
	RegistryPath        string
	RegistryURL         string
	RegistryUpdateHours int

	// radio layer
	NodeType         string // "gateway" or "node"
	DeviceID         uint64 // 0 = derive from hostname+pid
	NetworkID        uint16
	Schedule         string
	FixedChannel     uint8
	FixedScanChannel uint8
	BeaconCadence    uint64

	PeerLostTimeoutSlots uint64
	OutOfSyncSlots       uint64
	JoinResponseSlots    uint64
	BloomMissThreshold   uint64
	KeepalivePeriodSlots uint64
	TxQueueCapacity      int
	SlotMicros           int // 0 = board default

	// radio transport (udp stand-in for the PHY)
	RadioListen string
	RadioPeers  []string

	// host boundary (gateway only)
	HostLinkListen string
}

// Load loads configuration from config file and environment variables using
// Viper. Optionally accepts a config file path as first argument.
func Load(configPath ...string) Config {
	viper.SetDefault("port", "8080")
	viper.SetDefault("db_path", "data/mari.db")
	viper.SetDefault("app_env", "development")
	viper.SetDefault("registry_path", "data/registry.txt")
	viper.SetDefault("registry_url", "")
	viper.SetDefault("registry_update_hours", 24)

	viper.SetDefault("node_type", "node")
	viper.SetDefault("device_id", "0")
	viper.SetDefault("network_id", 1)
	viper.SetDefault("schedule", "tiny")
	viper.SetDefault("fixed_channel", 0)
	viper.SetDefault("fixed_scan_channel", 0)
	viper.SetDefault("beacon_cadence", 4)

	viper.SetDefault("peer_lost_timeout_slots", 500)
	viper.SetDefault("out_of_sync_slots", 250)
	viper.SetDefault("join_response_slots", 20)
	viper.SetDefault("bloom_miss_threshold", 3)
	viper.SetDefault("keepalive_period_slots", 100)
	viper.SetDefault("tx_queue_capacity", 16)
	viper.SetDefault("slot_micros", 0)

	viper.SetDefault("radio_listen", "127.0.0.1:17541")
	viper.SetDefault("radio_peers", []string{})
	viper.SetDefault("host_link_listen", "")

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("data")
		viper.AddConfigPath("$HOME/.mari-nexus")
		viper.AddConfigPath("/etc/mari-nexus")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("No config file found, using defaults and environment variables")
		} else {
			log.Printf("Error reading config file: %v", err)
		}
	} else {
		log.Printf("Using config file: %s", viper.ConfigFileUsed())
	}

	// Environment variables override config file
	viper.SetEnvPrefix("")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{
		Port:                 viper.GetString("port"),
		DBPath:               viper.GetString("db_path"),
		Env:                  viper.GetString("app_env"),
		StartTime:            time.Now(),
		RegistryPath:         viper.GetString("registry_path"),
		RegistryURL:          viper.GetString("registry_url"),
		RegistryUpdateHours:  viper.GetInt("registry_update_hours"),
		NodeType:             strings.ToLower(viper.GetString("node_type")),
		NetworkID:            uint16(viper.GetUint32("network_id")),
		Schedule:             viper.GetString("schedule"),
		FixedChannel:         uint8(viper.GetUint32("fixed_channel")),
		FixedScanChannel:     uint8(viper.GetUint32("fixed_scan_channel")),
		BeaconCadence:        viper.GetUint64("beacon_cadence"),
		PeerLostTimeoutSlots: viper.GetUint64("peer_lost_timeout_slots"),
		OutOfSyncSlots:       viper.GetUint64("out_of_sync_slots"),
		JoinResponseSlots:    viper.GetUint64("join_response_slots"),
		BloomMissThreshold:   viper.GetUint64("bloom_miss_threshold"),
		KeepalivePeriodSlots: viper.GetUint64("keepalive_period_slots"),
		TxQueueCapacity:      viper.GetInt("tx_queue_capacity"),
		SlotMicros:           viper.GetInt("slot_micros"),
		RadioListen:          viper.GetString("radio_listen"),
		RadioPeers:           viper.GetStringSlice("radio_peers"),
		HostLinkListen:       viper.GetString("host_link_listen"),
	}

	// Device ids are 64-bit and usually written in hex; GetUint64 would
	// reject the 0x form, so parse by hand.
	devStr := strings.TrimPrefix(strings.ToLower(viper.GetString("device_id")), "0x")
	if devStr != "" && devStr != "0" {
		id, err := strconv.ParseUint(devStr, 16, 64)
		if err != nil {
			log.Printf("invalid device_id %q: %v", viper.GetString("device_id"), err)
		} else {
			cfg.DeviceID = id
		}
	}

	if cfg.NodeType != "gateway" && cfg.NodeType != "node" {
		log.Printf("WARNING: unknown node_type %q, defaulting to node", cfg.NodeType)
		cfg.NodeType = "node"
	}

	if err := os.MkdirAll(dirOf(cfg.DBPath), 0o755); err != nil {
		log.Printf("warning: unable to create data dir: %v", err)
	}

	return cfg
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// SaveExampleConfig creates an example config.yaml file.
func SaveExampleConfig(path string) error {
	exampleConfig := `# Mari Nexus Configuration File
# Environment variables will override these values

# Daemon
port: 8080
app_env: production
db_path: data/mari.db

# Device registry (optional: id -> name enrichment)
registry_path: data/registry.txt
registry_url: ""
registry_update_hours: 24

# Radio layer
node_type: gateway        # gateway | node
device_id: "0x0000000000000001"
network_id: 1
schedule: tiny            # minuscule | tiny | small | big | huge | only-beacons
fixed_channel: 0          # 0 = channel hopping
fixed_scan_channel: 0     # 0 = rotating scan

peer_lost_timeout_slots: 500
out_of_sync_slots: 250
join_response_slots: 20
bloom_miss_threshold: 3
keepalive_period_slots: 100

# Radio transport (UDP stand-in for the PHY)
radio_listen: 127.0.0.1:17541
radio_peers: ["127.0.0.1:17542"]

# Host boundary (gateway only; empty = disabled)
host_link_listen: 127.0.0.1:17600
`
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}
