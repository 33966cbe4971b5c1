package navien

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/navien485/mqtt-bridge/internal/bus"
	"github.com/navien485/mqtt-bridge/internal/infrastructure/mqtt"
)

// writeTimeout bounds a single command write to the gateway.
const writeTimeout = 5 * time.Second

// Publisher is the MQTT surface the bridge needs. *mqtt.Client satisfies it;
// tests substitute a fake.
type Publisher interface {
	PublishString(topic, payload string, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Recorder persists published state changes. Optional; nil disables history.
type Recorder interface {
	RecordStateChange(entityID string, attrs map[string]string, source string) error
}

// Logger is the logging interface the bridge needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config wires a Bridge's collaborators together.
type Config struct {
	Registry  *Registry
	Topics    Topics
	Publisher Publisher
	Gateway   bus.Connector

	// History is optional; nil disables state history recording.
	History Recorder

	// Logger is optional; nil disables logging.
	Logger Logger

	// FreshnessWindow is how long an entity stays online without a status
	// frame.
	FreshnessWindow time.Duration

	// QoS for the command subscription.
	QoS byte
}

// Bridge dispatches between the RS485 bus and MQTT.
//
// The status path runs on the gateway's single delivery goroutine: chunks
// feed the stream decoder, decoded frames update entities and publish
// changed attributes. The command path runs on MQTT handler goroutines.
// The two share only per-entity state, guarded by each entity's own mutex;
// unrelated entities never contend.
type Bridge struct {
	registry  *Registry
	topics    Topics
	publisher Publisher
	gateway   bus.Connector
	history   Recorder
	logger    Logger
	freshness time.Duration
	qos       byte

	// decoder is owned by the gateway delivery goroutine; no locking.
	decoder Decoder

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Bridge. It does not start any goroutines; call Start.
func New(cfg Config) (*Bridge, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrConfig)
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrConfig)
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrConfig)
	}
	if cfg.FreshnessWindow <= 0 {
		return nil, fmt.Errorf("%w: freshness window must be positive", ErrConfig)
	}

	return &Bridge{
		registry:  cfg.Registry,
		topics:    cfg.Topics,
		publisher: cfg.Publisher,
		gateway:   cfg.Gateway,
		history:   cfg.History,
		logger:    cfg.Logger,
		freshness: cfg.FreshnessWindow,
		qos:       cfg.QoS,
		done:      make(chan struct{}),
	}, nil
}

// Start publishes discovery configs, subscribes to command topics, attaches
// the bus data callback, and launches the freshness monitor.
func (b *Bridge) Start() error {
	if err := b.publishDiscovery(); err != nil {
		return err
	}

	if err := b.publisher.Subscribe(b.topics.CommandPattern(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	b.gateway.SetOnData(b.handleChunk)

	b.wg.Add(1)
	go b.freshnessMonitor()

	b.logInfo("bridge started",
		"entities", len(b.registry.Entities()),
		"freshness_window", b.freshness.String(),
	)
	return nil
}

// Stop halts the freshness monitor and detaches from the bus. In-flight
// frame handling completes; no new work is scheduled afterwards.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.gateway.SetOnData(nil)
	b.wg.Wait()
	b.logInfo("bridge stopped")
}

// publishDiscovery publishes one retained HA discovery config per entity.
func (b *Bridge) publishDiscovery() error {
	for _, e := range b.registry.Entities() {
		if !e.Device.Descriptor.DiscoveryEnabled() {
			continue
		}

		payload, err := DiscoveryPayload(e, b.topics)
		if err != nil {
			return fmt.Errorf("building discovery for %q: %w", e.Name, err)
		}

		topic := b.topics.Discovery(e.Class, e.UniqueID)
		if err := b.publisher.PublishRetained(topic, payload); err != nil {
			return fmt.Errorf("publishing discovery for %q: %w", e.Name, err)
		}
	}
	return nil
}

// handleChunk feeds received bus bytes into the decoder and drains every
// complete frame. Runs on the gateway's single delivery goroutine.
func (b *Bridge) handleChunk(chunk []byte) {
	b.decoder.Feed(chunk)

	for {
		pkt, err := b.decoder.Next()
		if err != nil {
			// ErrIncomplete is the only error Next returns; corrupt
			// bytes are dropped internally during resynchronisation.
			return
		}
		b.handlePacket(pkt)
	}
}

// handlePacket routes one decoded frame through the status path.
func (b *Bridge) handlePacket(pkt Packet) {
	dev, ok := b.registry.Device(pkt.ID, pkt.SubID)
	if !ok {
		b.logDebug("frame for unconfigured device",
			"id", fmt.Sprintf("%02x", pkt.ID),
			"subid", fmt.Sprintf("%02x", pkt.SubID),
			"flag", fmt.Sprintf("%02x", pkt.Flag),
		)
		return
	}

	updates, err := DecodeStatus(dev, pkt)
	if err != nil {
		b.logWarn("status decode failed",
			"device", dev.Descriptor.Name,
			"flag", fmt.Sprintf("%02x", pkt.Flag),
			"error", err,
		)
		b.reportError("decode", err)
		return
	}

	for _, u := range updates {
		b.applyUpdate(u)
	}
}

// applyUpdate merges decoded attributes into the entity and publishes what
// changed. Returning from Unknown or Stale republishes the full state and
// flips availability to online, even when values are unchanged.
func (b *Bridge) applyUpdate(u Update) {
	e := u.Entity

	e.mu.Lock()
	wasSynced := e.syncState == SyncSynced
	e.syncState = SyncSynced
	e.lastSeen = time.Now()

	for k, v := range u.Attrs {
		e.state[k] = v
	}

	toPublish := make(map[string]string)
	if wasSynced {
		for k, v := range u.Attrs {
			if e.published[k] != v {
				toPublish[k] = v
			}
		}
	} else {
		for k, v := range e.state {
			toPublish[k] = v
		}
	}
	for k, v := range toPublish {
		e.published[k] = v
	}
	e.mu.Unlock()

	if !wasSynced {
		b.publishAvailability(e, "online")
	}

	for k, v := range toPublish {
		topic := b.topics.State(e.Class, e.Name, k)
		if err := b.publisher.PublishString(topic, v, true); err != nil {
			b.logWarn("state publish failed", "topic", topic, "error", err)
			// Unmark so the value republishes on the next frame.
			e.mu.Lock()
			delete(e.published, k)
			e.mu.Unlock()
		}
	}

	if b.history != nil && len(toPublish) > 0 {
		if err := b.history.RecordStateChange(e.UniqueID, toPublish, "bus"); err != nil {
			b.logWarn("history record failed", "entity", e.Name, "error", err)
		}
	}
}

// handleCommand turns a command topic message into a bus frame.
// Fire-and-forget: entity state only changes when the wallpad broadcasts
// the resulting status.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	class, entityName, attr, err := b.topics.ParseCommand(topic)
	if err != nil {
		b.reportError("command", err)
		return nil
	}

	e, ok := b.registry.EntityByName(class, entityName)
	if !ok {
		b.reportError("command", fmt.Errorf("%w: %s/%s", ErrUnknownEntity, class, entityName))
		return nil
	}

	value := string(payload)
	pkt, suppressed, err := EncodeCommand(e, attr, value)
	if err != nil {
		b.reportError("command", fmt.Errorf("%s/%s/%s: %w", class, entityName, attr, err))
		return nil
	}
	if suppressed {
		b.logDebug("command suppressed", "entity", e.Name, "attr", attr, "value", value)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := b.gateway.Write(ctx, pkt.Encode()); err != nil {
		b.reportError("command", fmt.Errorf("%s/%s/%s: %w", class, entityName, attr, err))
		if errors.Is(err, bus.ErrNotConnected) {
			b.logWarn("command dropped, gateway disconnected", "entity", e.Name, "attr", attr)
		}
		return nil
	}

	b.logDebug("command sent", "entity", e.Name, "attr", attr, "value", value)
	return nil
}

// publishAvailability publishes a retained online/offline payload for the
// entity.
func (b *Bridge) publishAvailability(e *Entity, status string) {
	topic := b.topics.Availability(e.Class, e.Name)
	if err := b.publisher.PublishString(topic, status, true); err != nil {
		b.logWarn("availability publish failed", "topic", topic, "error", err)
	}
}

// reportError publishes a rejected command or decode anomaly to the
// retained bridge error topic.
func (b *Bridge) reportError(source string, cause error) {
	payload := fmt.Sprintf(`{"source":%q,"error":%q,"timestamp":%q}`,
		source, cause.Error(), time.Now().UTC().Format(time.RFC3339))

	if err := b.publisher.PublishString(b.topics.BridgeError(), payload, true); err != nil {
		b.logWarn("error report publish failed", "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}
