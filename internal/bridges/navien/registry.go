package navien

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
)

// SyncState tracks an entity's freshness.
type SyncState int

const (
	// SyncUnknown means no status frame has been decoded for the entity
	// since startup.
	SyncUnknown SyncState = iota

	// SyncSynced means a status frame was decoded within the freshness
	// window.
	SyncSynced

	// SyncStale means the freshness window elapsed with no status frame.
	SyncStale
)

// String returns the availability payload value for the state.
func (s SyncState) String() string {
	switch s {
	case SyncSynced:
		return "online"
	case SyncStale:
		return "offline"
	default:
		return "unknown"
	}
}

// Entity is one addressable endpoint: a single device, or one room of a
// room-expanded device. Entities are created once by Build and live for the
// process lifetime; only the mutable state block changes, under mu.
type Entity struct {
	// Name is the MQTT-facing entity name (room name for expanded devices,
	// device name otherwise).
	Name string

	// Class is the device class, copied from the descriptor.
	Class string

	// ID and SubID address the owning device on the bus.
	ID    byte
	SubID byte

	// ControlID addresses this entity in room-targeted command frames.
	// Equal to SubID for non-expanded devices.
	ControlID byte

	// Index is the zero-based room index, used for payload offsets and
	// bitmask positions in multi-room status frames. Zero for non-expanded
	// devices.
	Index int

	// Device points back at the owning device.
	Device *Device

	// UniqueID identifies the entity in Home Assistant discovery.
	UniqueID string

	// mu guards the mutable state below. Decode and command paths touch
	// different entities freely; only same-entity access serialises.
	mu sync.Mutex

	// state holds the last decoded attribute values.
	state map[string]string

	// published holds the last values actually published, for diffing.
	published map[string]string

	// lastSeen is when a status frame last touched this entity.
	lastSeen time.Time

	// syncState is the freshness state machine position.
	syncState SyncState
}

// Device groups a descriptor with its expanded entities.
type Device struct {
	Descriptor config.DeviceDescriptor
	Entities   []*Entity
}

// Rooms returns the number of entities the device expanded into.
func (d *Device) Rooms() int {
	return len(d.Entities)
}

// Registry is the immutable entity lookup structure built from the
// descriptor set at startup. All maps are read-only after Build; lookups
// need no locking.
type Registry struct {
	devices  map[uint16]*Device
	entities map[uint32]*Entity
	byName   map[string]*Entity
	ordered  []*Entity
}

func deviceKey(id, subid byte) uint16 {
	return uint16(id)<<8 | uint16(subid)
}

func entityKey(id, subid, controlID byte) uint32 {
	return uint32(id)<<16 | uint32(subid)<<8 | uint32(controlID)
}

func nameKey(class, name string) string {
	return class + "/" + name
}

// Build expands the descriptor set into a registry.
//
// Each descriptor yields one entity, or one per room when room expansion is
// enabled. Build fails with a wrapped ErrConfig on duplicate
// (id, subid, control_id) triples, duplicate (class, name) pairs, invalid
// mapping tables, or an explicit room list conflicting with auto-generation.
// On error no partial registry is returned.
func Build(descriptors []config.DeviceDescriptor) (*Registry, error) {
	r := &Registry{
		devices:  make(map[uint16]*Device),
		entities: make(map[uint32]*Entity),
		byName:   make(map[string]*Entity),
	}

	for _, desc := range descriptors {
		if err := validateMappings(desc); err != nil {
			return nil, err
		}

		dev := &Device{Descriptor: desc}

		dk := deviceKey(byte(desc.ID), byte(desc.SubID))
		if _, exists := r.devices[dk]; exists {
			return nil, fmt.Errorf("%w: duplicate device address %s/%s",
				ErrConfig, desc.ID, desc.SubID)
		}

		rooms, err := expandRooms(desc)
		if err != nil {
			return nil, err
		}

		for i, room := range rooms {
			e := &Entity{
				Name:      room.Name,
				Class:     desc.Class,
				ID:        byte(desc.ID),
				SubID:     byte(desc.SubID),
				ControlID: byte(room.ControlID),
				Index:     i,
				Device:    dev,
				state:     make(map[string]string),
				published: make(map[string]string),
			}
			e.UniqueID = uniqueID(e, len(rooms) > 1)

			ek := entityKey(e.ID, e.SubID, e.ControlID)
			if dup, exists := r.entities[ek]; exists {
				return nil, fmt.Errorf("%w: entities %q and %q share address %02x/%02x/%02x",
					ErrConfig, dup.Name, e.Name, e.ID, e.SubID, e.ControlID)
			}

			nk := nameKey(e.Class, e.Name)
			if dup, exists := r.byName[nk]; exists {
				return nil, fmt.Errorf("%w: duplicate %s entity name %q (also at %02x/%02x/%02x)",
					ErrConfig, e.Class, e.Name, dup.ID, dup.SubID, dup.ControlID)
			}

			r.entities[ek] = e
			r.byName[nk] = e
			r.ordered = append(r.ordered, e)
			dev.Entities = append(dev.Entities, e)
		}

		r.devices[dk] = dev
	}

	return r, nil
}

// expandRooms resolves a descriptor's room configuration into the entity
// name and control id list.
func expandRooms(desc config.DeviceDescriptor) ([]config.RoomEntry, error) {
	rc := desc.RoomConfig
	if rc == nil || !rc.Enabled {
		return []config.RoomEntry{{Name: desc.Name, ControlID: desc.SubID}}, nil
	}

	auto := rc.AutoGenerate != nil && rc.AutoGenerate.Enabled

	if len(rc.Rooms) > 0 {
		// Both mechanisms enabled: the explicit list wins, but a count
		// disagreement means the config author's intent is unclear.
		if auto && rc.AutoGenerate.Count != len(rc.Rooms) {
			return nil, fmt.Errorf("%w: device %q lists %d rooms but auto_generate.count is %d",
				ErrConfig, desc.Name, len(rc.Rooms), rc.AutoGenerate.Count)
		}
		return rc.Rooms, nil
	}

	if !auto {
		return nil, fmt.Errorf("%w: device %q enables room_config with no rooms and no auto_generate",
			ErrConfig, desc.Name)
	}

	rooms := make([]config.RoomEntry, rc.AutoGenerate.Count)
	for i := range rooms {
		rooms[i] = config.RoomEntry{
			Name: strings.ReplaceAll(rc.AutoGenerate.NameTemplate, "{index}",
				fmt.Sprintf("%d", i+1)),
			ControlID: rc.AutoGenerate.ControlIDStart + config.HexByte(i),
		}
	}
	return rooms, nil
}

// validateMappings checks every mapping table in the descriptor has valid
// hex keys and is a bijection, so the command path's inverse lookup is well
// defined.
func validateMappings(desc config.DeviceDescriptor) error {
	for attr, table := range desc.PacketMappings {
		seen := make(map[string]string, len(table))
		for raw, semantic := range table {
			if _, err := strconv.ParseUint(raw, 16, 8); err != nil {
				return fmt.Errorf("%w: device %q mapping %q: raw code %q is not a hex byte",
					ErrConfig, desc.Name, attr, raw)
			}
			if prev, dup := seen[semantic]; dup {
				return fmt.Errorf("%w: device %q mapping %q: raw codes %q and %q both map to %q",
					ErrConfig, desc.Name, attr, prev, raw, semantic)
			}
			seen[semantic] = raw
		}
	}
	return nil
}

// uniqueID derives the Home Assistant unique id for an entity.
func uniqueID(e *Entity, expanded bool) string {
	if expanded {
		return fmt.Sprintf("rs485_%02x_%02x_%d", e.ID, e.SubID, e.Index+1)
	}
	return fmt.Sprintf("rs485_%02x_%02x", e.ID, e.SubID)
}

// Lookup finds an entity by its full bus address.
func (r *Registry) Lookup(id, subid, controlID byte) (*Entity, bool) {
	e, ok := r.entities[entityKey(id, subid, controlID)]
	return e, ok
}

// Device finds a device by its bus address. Status frames address the
// device, not individual rooms.
func (r *Registry) Device(id, subid byte) (*Device, bool) {
	d, ok := r.devices[deviceKey(id, subid)]
	return d, ok
}

// EntityByName finds an entity by class and name, the addressing used on
// command topics.
func (r *Registry) EntityByName(class, name string) (*Entity, bool) {
	e, ok := r.byName[nameKey(class, name)]
	return e, ok
}

// Entities returns all entities in descriptor order.
func (r *Registry) Entities() []*Entity {
	return r.ordered
}
