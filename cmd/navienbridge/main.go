// Navien RS485 MQTT Bridge
//
// This is the main entry point for the bridge daemon. It connects a Navien
// wallpad's RS485 bus (via a serial-to-network gateway) to an MQTT broker,
// publishing device state and Home Assistant discovery configs and relaying
// commands back onto the bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/navien485/mqtt-bridge/internal/bridges/navien"
	"github.com/navien485/mqtt-bridge/internal/bus"
	"github.com/navien485/mqtt-bridge/internal/history"
	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
	"github.com/navien485/mqtt-bridge/internal/infrastructure/logging"
	"github.com/navien485/mqtt-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main so failures can
// flow back as errors and exit codes stay consistent.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Navien bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "devices", len(cfg.Devices))

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Expand device descriptors into the entity registry before touching the
	// network; a bad device file should fail fast.
	registry, err := navien.Build(cfg.Devices)
	if err != nil {
		return fmt.Errorf("building device registry: %w", err)
	}
	log.Info("device registry built",
		"devices", len(cfg.Devices),
		"entities", len(registry.Entities()),
	)

	topics := navien.Topics{
		Root:   cfg.Topics.Root,
		HARoot: cfg.Topics.HARoot,
	}

	// Connect to MQTT broker with the bridge status topic as LWT
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.MQTTClientID(), topics.BridgeStatus())
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTTClientID(),
	)

	// Connect to the RS485 gateway
	gateway, err := bus.Connect(ctx, bus.Config{
		Connection:        cfg.Gateway.Connection,
		ConnectTimeout:    cfg.GatewayConnectTimeout(),
		ReadTimeout:       cfg.GatewayReadTimeout(),
		ReconnectInterval: cfg.GatewayReconnectInterval(),
	})
	if err != nil {
		return fmt.Errorf("connecting to gateway: %w", err)
	}
	defer func() {
		log.Info("closing gateway connection")
		if closeErr := gateway.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()
	gateway.SetLogger(log)
	log.Info("gateway connected", "connection", cfg.Gateway.Connection)

	// Open state history (optional)
	var recorder navien.Recorder
	if cfg.History.Enabled {
		store, openErr := history.Open(cfg.History.Path, cfg.History.BusyTimeout)
		if openErr != nil {
			return fmt.Errorf("opening history store: %w", openErr)
		}
		defer func() {
			log.Info("closing history store")
			if closeErr := store.Close(); closeErr != nil {
				log.Error("error closing history store", "error", closeErr)
			}
		}()
		recorder = store
		log.Info("state history enabled", "path", cfg.History.Path)
	} else {
		log.Info("state history disabled")
	}

	// Create and start the bridge
	bridge, err := navien.New(navien.Config{
		Registry:        registry,
		Topics:          topics,
		Publisher:       mqttClient,
		Gateway:         gateway,
		History:         recorder,
		Logger:          log,
		FreshnessWindow: cfg.FreshnessWindow(),
		QoS:             byte(cfg.MQTT.QoS),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Bridge (stops the freshness monitor, detaches from the bus)
	// 2. History store (if enabled)
	// 3. Gateway connection
	// 4. MQTT (publishes the graceful offline status)

	log.Info("Navien bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses NAVIEN_BRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("NAVIEN_BRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
