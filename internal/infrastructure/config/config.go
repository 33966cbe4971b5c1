package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Navien bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge  BridgeConfig       `yaml:"bridge"`
	Gateway GatewayConfig      `yaml:"gateway"`
	MQTT    MQTTConfig         `yaml:"mqtt"`
	Topics  TopicsConfig       `yaml:"topics"`
	History HistoryConfig      `yaml:"history"`
	Logging LoggingConfig      `yaml:"logging"`
	Devices []DeviceDescriptor `yaml:"devices"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in the MQTT client ID and status reporting.
	ID string `yaml:"id"`

	// FreshnessWindow is the maximum time without a status frame before an
	// entity is considered stale (seconds). Default: 300.
	FreshnessWindow int `yaml:"freshness_window"`
}

// GatewayConfig contains RS485 serial-to-network gateway connection settings.
type GatewayConfig struct {
	// Connection is the gateway connection URL.
	// Supported formats:
	//   - "tcp://192.168.1.30:8899" (Elfin EW11 and similar TCP servers)
	//   - "unix:///run/rs485" (local socket relay)
	Connection string `yaml:"connection"`

	// ConnectTimeout is the maximum time to wait for connection (seconds).
	// Default: 10.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the timeout for read operations (seconds). Default: 30.
	ReadTimeout int `yaml:"read_timeout"`

	// ReconnectInterval is the initial delay between reconnection attempts
	// (seconds). Default: 5.
	ReconnectInterval int `yaml:"reconnect_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TopicsConfig contains the MQTT topic roots.
type TopicsConfig struct {
	// Root is the bridge's own topic namespace (state, commands, errors).
	// Default: "rs485_mqtt".
	Root string `yaml:"root"`

	// HARoot is the Home Assistant discovery prefix. Default: "homeassistant".
	HARoot string `yaml:"ha_root"`
}

// HistoryConfig contains optional SQLite state history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// BusyTimeout is the SQLite busy timeout (milliseconds). Default: 5000.
	BusyTimeout int `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is the log output format: json or text. Default: json.
	Format string `yaml:"format"`

	// Output is the log destination: stdout or stderr. Default: stdout.
	Output string `yaml:"output"`
}

// HexByte is a single protocol byte expressed in YAML as a two-digit hex
// string (e.g. "32", "0e"), matching the addressing notation used in wallpad
// packet captures.
type HexByte byte

// UnmarshalYAML implements yaml.Unmarshaler for hex-encoded byte fields.
func (h *HexByte) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return fmt.Errorf("invalid hex byte %q: %w", s, err)
	}
	*h = HexByte(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler, emitting the canonical two-digit form.
func (h HexByte) MarshalYAML() (any, error) {
	return fmt.Sprintf("%02x", byte(h)), nil
}

// String returns the canonical two-digit hex form.
func (h HexByte) String() string {
	return fmt.Sprintf("%02x", byte(h))
}

// Device classes understood by the state mapper. This is a closed set:
// each class has a fixed payload layout and its own encode/decode rules.
const (
	ClassFan     = "fan"
	ClassSwitch  = "switch"
	ClassLight   = "light"
	ClassClimate = "climate"
)

// DeviceDescriptor is the immutable definition of one wallpad device.
// Descriptors are loaded once at startup and expanded into entities by the
// device registry; they are never modified afterwards.
type DeviceDescriptor struct {
	// Name is the semantic device name, used in MQTT topics.
	Name string `yaml:"name"`

	// ID is the primary device address on the RS485 bus.
	ID HexByte `yaml:"id"`

	// SubID is the secondary device address.
	SubID HexByte `yaml:"subid"`

	// Class is one of fan, switch, light, climate.
	Class string `yaml:"class"`

	// Discovery controls Home Assistant MQTT discovery for this device.
	// Defaults to true when omitted.
	Discovery *bool `yaml:"mqtt_discovery"`

	// OptionalInfo is passed through verbatim into the discovery payload
	// (icons, entity categories, vendor quirks).
	OptionalInfo map[string]any `yaml:"optional_info"`

	// PacketMappings maps attribute names to bidirectional raw-byte →
	// semantic-value tables (e.g. percentage: {"00": "0", "01": "1"}).
	PacketMappings map[string]map[string]string `yaml:"packet_mappings"`

	// Fan holds fan-specific parameters. Required for class fan.
	Fan *FanParams `yaml:"fan"`

	// Climate holds climate-specific parameters. Required for class climate.
	Climate *ClimateParams `yaml:"climate"`

	// Switch holds switch-specific parameters. Optional for class switch.
	Switch *SwitchParams `yaml:"switch"`

	// RoomConfig expands this descriptor into one entity per room.
	RoomConfig *RoomConfig `yaml:"room_config"`
}

// FanParams holds the speed range for fan devices.
type FanParams struct {
	// SpeedRangeMin is the lowest semantic speed step (typically 1).
	SpeedRangeMin int `yaml:"speed_range_min"`

	// SpeedRangeMax is the highest semantic speed step.
	SpeedRangeMax int `yaml:"speed_range_max"`
}

// ClimateParams holds temperature bounds and supported modes for climate devices.
type ClimateParams struct {
	// Modes is the closed list of supported HVAC modes (e.g. off, heat).
	Modes []string `yaml:"modes"`

	// MinTemp and MaxTemp bound the target temperature (inclusive).
	MinTemp float64 `yaml:"min_temp"`
	MaxTemp float64 `yaml:"max_temp"`

	// TempStep is the target temperature granularity. Default: 1.0.
	TempStep float64 `yaml:"temp_step"`

	// SendIfOff, when false, suppresses target-temperature commands while
	// the current mode is off instead of transmitting them.
	SendIfOff bool `yaml:"send_if_off"`
}

// SwitchParams holds the optional flag-coded status configuration used by
// devices (such as elevator callers) whose on/off state is carried by the
// frame's message flag rather than a payload byte.
type SwitchParams struct {
	// StatusOnFlags lists message flags that signal ON.
	StatusOnFlags []HexByte `yaml:"status_on_flags"`

	// StatusOffFlags lists message flags that signal OFF.
	StatusOffFlags []HexByte `yaml:"status_off_flags"`

	// CommandFlag overrides the default power command flag (0x41).
	CommandFlag *HexByte `yaml:"command_flag"`

	// PaddedCommand selects the three-byte padded command payload
	// (00 value 00) some wallpad firmwares require.
	PaddedCommand bool `yaml:"padded_command"`

	// FloorStatus enables decoding of the current floor byte carried by
	// flag 0x44 status frames.
	FloorStatus bool `yaml:"floor_status"`
}

// RoomConfig controls expansion of a descriptor into per-room entities.
type RoomConfig struct {
	// Enabled turns room expansion on. When false, exactly one entity is
	// created with the descriptor's subid as its control id.
	Enabled bool `yaml:"enabled"`

	// Rooms is an explicit room list. Takes precedence over AutoGenerate.
	Rooms []RoomEntry `yaml:"rooms"`

	// AutoGenerate synthesises rooms from a template when Rooms is empty.
	AutoGenerate *AutoGenerate `yaml:"auto_generate"`
}

// RoomEntry names one room and its control id.
type RoomEntry struct {
	Name      string  `yaml:"name"`
	ControlID HexByte `yaml:"control_id"`
}

// AutoGenerate synthesises Count rooms with templated names and sequentially
// incremented control ids.
type AutoGenerate struct {
	Enabled bool `yaml:"enabled"`

	// Count is the number of rooms to generate.
	Count int `yaml:"count"`

	// NameTemplate must contain "{index}", replaced with the 1-based room
	// number (e.g. "light{index}" → light1, light2).
	NameTemplate string `yaml:"name_template"`

	// ControlIDStart is the control id of the first generated room;
	// subsequent rooms increment by one.
	ControlIDStart HexByte `yaml:"control_id_start"`
}

// DiscoveryEnabled reports whether HA discovery is on for this descriptor.
func (d DeviceDescriptor) DiscoveryEnabled() bool {
	return d.Discovery == nil || *d.Discovery
}

// Load reads, applies defaults and environment overrides, and validates the
// configuration file at path.
//
// Precedence: defaults < YAML file < environment variables.
// Environment variables follow the pattern NAVIEN_BRIDGE_SECTION_KEY,
// e.g. NAVIEN_BRIDGE_MQTT_HOST, NAVIEN_BRIDGE_GATEWAY_CONNECTION.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:              "navien-bridge-01",
			FreshnessWindow: 300,
		},
		Gateway: GatewayConfig{
			ConnectTimeout:    10,
			ReadTimeout:       30,
			ReconnectInterval: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Topics: TopicsConfig{
			Root:   "rs485_mqtt",
			HARoot: "homeassistant",
		},
		History: HistoryConfig{
			BusyTimeout: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NAVIEN_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("NAVIEN_BRIDGE_GATEWAY_CONNECTION"); v != "" {
		cfg.Gateway.Connection = v
	}
	if v := os.Getenv("NAVIEN_BRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NAVIEN_BRIDGE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("NAVIEN_BRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NAVIEN_BRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
}

// Validate checks the configuration for structural errors.
// Semantic descriptor errors (duplicate addressing, conflicting room counts)
// are detected by the device registry at build time.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateTopics()...)
	errs = append(errs, c.validateHistory()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.FreshnessWindow < 1 {
		errs = append(errs, "bridge.freshness_window must be at least 1 second")
	}
	return errs
}

func (c *Config) validateGateway() []string {
	var errs []string
	if c.Gateway.Connection == "" {
		errs = append(errs, "gateway.connection is required")
	}
	if c.Gateway.ConnectTimeout < 1 {
		errs = append(errs, "gateway.connect_timeout must be at least 1 second")
	}
	if c.Gateway.ReadTimeout < 1 {
		errs = append(errs, "gateway.read_timeout must be at least 1 second")
	}
	return errs
}

func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be 1-65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

func (c *Config) validateTopics() []string {
	var errs []string
	if c.Topics.Root == "" {
		errs = append(errs, "topics.root is required")
	}
	if c.Topics.HARoot == "" {
		errs = append(errs, "topics.ha_root is required")
	}
	for _, root := range []string{c.Topics.Root, c.Topics.HARoot} {
		if strings.ContainsAny(root, "+#") {
			errs = append(errs, fmt.Sprintf("topic root %q must not contain wildcards", root))
		}
	}
	return errs
}

func (c *Config) validateHistory() []string {
	var errs []string
	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, "history.path is required when history is enabled")
	}
	return errs
}

func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string

	validClasses := map[string]bool{
		ClassFan: true, ClassSwitch: true, ClassLight: true, ClassClimate: true,
	}

	for i, dev := range c.Devices {
		if dev.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].name is required", i))
		}
		if !validClasses[dev.Class] {
			errs = append(errs, fmt.Sprintf("devices[%d].class %q is invalid (use fan, switch, light, or climate)", i, dev.Class))
			continue
		}

		switch dev.Class {
		case ClassFan:
			errs = append(errs, validateFan(i, dev)...)
		case ClassClimate:
			errs = append(errs, validateClimate(i, dev)...)
		}

		if dev.RoomConfig != nil {
			errs = append(errs, validateRoomConfig(i, dev.RoomConfig)...)
		}
	}

	return errs
}

func validateFan(i int, dev DeviceDescriptor) []string {
	var errs []string
	if dev.Fan == nil {
		return append(errs, fmt.Sprintf("devices[%d].fan is required for class fan", i))
	}
	if dev.Fan.SpeedRangeMin < 0 || dev.Fan.SpeedRangeMax < dev.Fan.SpeedRangeMin {
		errs = append(errs, fmt.Sprintf("devices[%d].fan speed range [%d, %d] is invalid",
			i, dev.Fan.SpeedRangeMin, dev.Fan.SpeedRangeMax))
	}
	if len(dev.PacketMappings["percentage"]) == 0 {
		errs = append(errs, fmt.Sprintf("devices[%d].packet_mappings.percentage is required for class fan", i))
	}
	return errs
}

func validateClimate(i int, dev DeviceDescriptor) []string {
	var errs []string
	if dev.Climate == nil {
		return append(errs, fmt.Sprintf("devices[%d].climate is required for class climate", i))
	}
	if len(dev.Climate.Modes) == 0 {
		errs = append(errs, fmt.Sprintf("devices[%d].climate.modes must not be empty", i))
	}
	if dev.Climate.MaxTemp <= dev.Climate.MinTemp {
		errs = append(errs, fmt.Sprintf("devices[%d].climate temperature bounds [%g, %g] are invalid",
			i, dev.Climate.MinTemp, dev.Climate.MaxTemp))
	}
	if dev.Climate.TempStep < 0 {
		errs = append(errs, fmt.Sprintf("devices[%d].climate.temp_step must not be negative", i))
	}
	return errs
}

func validateRoomConfig(i int, rc *RoomConfig) []string {
	var errs []string

	for j, room := range rc.Rooms {
		if room.Name == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].room_config.rooms[%d].name is required", i, j))
		}
	}

	if ag := rc.AutoGenerate; ag != nil && ag.Enabled {
		if ag.Count < 1 {
			errs = append(errs, fmt.Sprintf("devices[%d].room_config.auto_generate.count must be at least 1", i))
		}
		if !strings.Contains(ag.NameTemplate, "{index}") {
			errs = append(errs, fmt.Sprintf("devices[%d].room_config.auto_generate.name_template must contain {index}", i))
		}
	}

	return errs
}

// GatewayConnectTimeout returns the gateway connect timeout as a Duration.
func (c *Config) GatewayConnectTimeout() time.Duration {
	return time.Duration(c.Gateway.ConnectTimeout) * time.Second
}

// GatewayReadTimeout returns the gateway read timeout as a Duration.
func (c *Config) GatewayReadTimeout() time.Duration {
	return time.Duration(c.Gateway.ReadTimeout) * time.Second
}

// GatewayReconnectInterval returns the gateway reconnect interval as a Duration.
func (c *Config) GatewayReconnectInterval() time.Duration {
	return time.Duration(c.Gateway.ReconnectInterval) * time.Second
}

// FreshnessWindow returns the entity freshness window as a Duration.
func (c *Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Bridge.FreshnessWindow) * time.Second
}

// MQTTClientID returns the MQTT client ID, defaulting to the bridge ID.
func (c *Config) MQTTClientID() string {
	if c.MQTT.Broker.ClientID != "" {
		return c.MQTT.Broker.ClientID
	}
	return c.Bridge.ID
}
