package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const validYAML = `
bridge:
  id: test-bridge
gateway:
  connection: tcp://192.168.1.30:8899
mqtt:
  broker:
    host: broker.local
    port: 1883
devices:
  - name: fan
    id: "32"
    subid: "01"
    class: fan
    fan:
      speed_range_min: 1
      speed_range_max: 3
    packet_mappings:
      percentage:
        "00": "0"
        "01": "1"
        "02": "2"
        "03": "3"
  - name: light
    id: "0e"
    subid: "11"
    class: light
    room_config:
      enabled: true
      auto_generate:
        enabled: true
        count: 2
        name_template: "light{index}"
        control_id_start: "11"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.ID != "test-bridge" {
		t.Errorf("Bridge.ID = %q, want test-bridge", cfg.Bridge.ID)
	}
	if cfg.Gateway.Connection != "tcp://192.168.1.30:8899" {
		t.Errorf("Gateway.Connection = %q", cfg.Gateway.Connection)
	}
	if cfg.Topics.Root != "rs485_mqtt" {
		t.Errorf("Topics.Root default = %q, want rs485_mqtt", cfg.Topics.Root)
	}
	if cfg.Topics.HARoot != "homeassistant" {
		t.Errorf("Topics.HARoot default = %q, want homeassistant", cfg.Topics.HARoot)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}

	fan := cfg.Devices[0]
	if byte(fan.ID) != 0x32 || byte(fan.SubID) != 0x01 {
		t.Errorf("fan addressing = %s/%s, want 32/01", fan.ID, fan.SubID)
	}
	if fan.PacketMappings["percentage"]["02"] != "2" {
		t.Errorf("percentage mapping missing 02 -> 2")
	}
	if !fan.DiscoveryEnabled() {
		t.Error("DiscoveryEnabled() = false for omitted mqtt_discovery, want true")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.FreshnessWindow != 300 {
		t.Errorf("FreshnessWindow = %d, want 300", cfg.Bridge.FreshnessWindow)
	}
	if got := cfg.FreshnessWindow(); got != 300*time.Second {
		t.Errorf("FreshnessWindow() = %v, want 300s", got)
	}
	if got := cfg.GatewayConnectTimeout(); got != 10*time.Second {
		t.Errorf("GatewayConnectTimeout() = %v, want 10s", got)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if got := cfg.MQTTClientID(); got != "test-bridge" {
		t.Errorf("MQTTClientID() = %q, want bridge id fallback", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() on missing file succeeded, want error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NAVIEN_BRIDGE_MQTT_HOST", "override.local")
	t.Setenv("NAVIEN_BRIDGE_MQTT_PORT", "8883")
	t.Setenv("NAVIEN_BRIDGE_GATEWAY_CONNECTION", "tcp://10.0.0.5:8899")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "override.local" {
		t.Errorf("MQTT host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.Gateway.Connection != "tcp://10.0.0.5:8899" {
		t.Errorf("gateway connection = %q, want env override", cfg.Gateway.Connection)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing gateway connection",
			mutate:  func(c *Config) { c.Gateway.Connection = "" },
			wantSub: "gateway.connection",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantSub: "mqtt.qos",
		},
		{
			name:    "wildcard in topic root",
			mutate:  func(c *Config) { c.Topics.Root = "rs485/+" },
			wantSub: "wildcards",
		},
		{
			name:    "history enabled without path",
			mutate:  func(c *Config) { c.History.Enabled = true; c.History.Path = "" },
			wantSub: "history.path",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantSub: "logging.level",
		},
		{
			name: "unknown device class",
			mutate: func(c *Config) {
				c.Devices = []DeviceDescriptor{{Name: "x", Class: "thermostat"}}
			},
			wantSub: "class",
		},
		{
			name: "fan without params",
			mutate: func(c *Config) {
				c.Devices = []DeviceDescriptor{{Name: "fan", Class: ClassFan}}
			},
			wantSub: "fan is required",
		},
		{
			name: "climate with inverted bounds",
			mutate: func(c *Config) {
				c.Devices = []DeviceDescriptor{{
					Name:  "heat",
					Class: ClassClimate,
					Climate: &ClimateParams{
						Modes: []string{"off", "heat"}, MinTemp: 40, MaxTemp: 10,
					},
				}}
			},
			wantSub: "temperature bounds",
		},
		{
			name: "auto_generate without index placeholder",
			mutate: func(c *Config) {
				c.Devices = []DeviceDescriptor{{
					Name: "light", Class: ClassLight,
					RoomConfig: &RoomConfig{
						Enabled: true,
						AutoGenerate: &AutoGenerate{
							Enabled: true, Count: 2, NameTemplate: "light",
						},
					},
				}}
			},
			wantSub: "{index}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Gateway.Connection = "tcp://192.168.1.30:8899"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantSub)
			}
		})
	}
}

func TestHexByteUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{in: `"0e"`, want: 0x0e},
		{in: `"f7"`, want: 0xf7},
		{in: `"32"`, want: 0x32},
		{in: `"zz"`, wantErr: true},
		{in: `"100"`, wantErr: true},
	}

	for _, tt := range tests {
		var h HexByte
		err := yaml.Unmarshal([]byte(tt.in), &h)
		if tt.wantErr {
			if err == nil {
				t.Errorf("unmarshal %s succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unmarshal %s: %v", tt.in, err)
			continue
		}
		if byte(h) != tt.want {
			t.Errorf("unmarshal %s = %#02x, want %#02x", tt.in, byte(h), tt.want)
		}
	}
}

func TestHexByteString(t *testing.T) {
	if got := HexByte(0x0e).String(); got != "0e" {
		t.Errorf("String() = %q, want 0e", got)
	}
	if got := HexByte(0xf7).String(); got != "f7" {
		t.Errorf("String() = %q, want f7", got)
	}
}
