package navien

import (
	"fmt"
	"math"
	"strconv"

	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
)

// Message flags used by the wallpad protocol. Status and availability
// flags are shared across classes; command flags select the attribute
// being written.
const (
	flagStatus       = 0x81
	flagAvailability = 0x01

	flagCmdPower      = 0x41
	flagCmdPercentage = 0x42
	flagCmdMode       = 0x43
	flagCmdTargetTemp = 0x44
	flagCmdAway       = 0x45

	// flagFloorStatus is the elevator arrival report carrying the current
	// floor. Same byte value as the target temperature command flag, but
	// flags are only meaningful per device.
	flagFloorStatus = 0x44
)

// Attribute names used on MQTT topics and in state maps.
const (
	AttrPower       = "power"
	AttrPercentage  = "percentage"
	AttrMode        = "mode"
	AttrTargetTemp  = "targettemp"
	AttrCurrentTemp = "currenttemp"
	AttrAway        = "away"
	AttrFloor       = "floor"
)

// Semantic on/off values, matching Home Assistant payload defaults.
const (
	valueOn  = "ON"
	valueOff = "OFF"
)

// Wire values for the default on/off encoding.
const (
	rawOff = 0x00
	rawOn  = 0x01
)

// Update carries decoded attribute values for one entity. Empty Attrs
// still refreshes the entity's freshness (availability frames).
type Update struct {
	Entity *Entity
	Attrs  map[string]string
}

// DecodeStatus translates a status frame from dev into entity updates.
//
// Frames with flags the class does not report on are ignored (nil, nil):
// the bus carries wallpad-internal traffic this bridge has no use for.
// Decode failures never mutate entity state.
func DecodeStatus(dev *Device, pkt Packet) ([]Update, error) {
	switch dev.Descriptor.Class {
	case config.ClassFan:
		return decodeFanStatus(dev, pkt)
	case config.ClassSwitch:
		return decodeSwitchStatus(dev, pkt)
	case config.ClassLight:
		return decodeLightStatus(dev, pkt)
	case config.ClassClimate:
		return decodeClimateStatus(dev, pkt)
	default:
		return nil, fmt.Errorf("%w: class %q", ErrConfig, dev.Descriptor.Class)
	}
}

func decodeFanStatus(dev *Device, pkt Packet) ([]Update, error) {
	e := dev.Entities[0]

	switch pkt.Flag {
	case flagAvailability:
		return []Update{{Entity: e, Attrs: map[string]string{}}}, nil
	case flagStatus:
	default:
		return nil, nil
	}

	if len(pkt.Payload) < 3 {
		return nil, fmt.Errorf("%w: fan status payload %d bytes, want 3", ErrFrame, len(pkt.Payload))
	}

	power := decodePowerByte(dev, pkt.Payload[1])

	speed, ok := semanticFor(dev, AttrPercentage, pkt.Payload[2])
	if !ok {
		return nil, fmt.Errorf("%w: fan speed code 0x%02X", ErrUnmappedValue, pkt.Payload[2])
	}

	return []Update{{
		Entity: e,
		Attrs: map[string]string{
			AttrPower:      power,
			AttrPercentage: speed,
		},
	}}, nil
}

func decodeSwitchStatus(dev *Device, pkt Packet) ([]Update, error) {
	e := dev.Entities[0]
	params := dev.Descriptor.Switch

	// Flag-coded: on/off is carried by the message flag itself
	// (elevator style), not a payload byte.
	if params != nil && len(params.StatusOnFlags) > 0 {
		if containsFlag(params.StatusOnFlags, pkt.Flag) {
			attrs := map[string]string{AttrPower: valueOn}
			if params.FloorStatus && pkt.Flag == flagFloorStatus && len(pkt.Payload) >= 2 {
				attrs[AttrFloor] = strconv.Itoa(int(pkt.Payload[1]))
			}
			return []Update{{Entity: e, Attrs: attrs}}, nil
		}
		if containsFlag(params.StatusOffFlags, pkt.Flag) {
			return []Update{{Entity: e, Attrs: map[string]string{AttrPower: valueOff}}}, nil
		}
		return nil, nil
	}

	switch pkt.Flag {
	case flagAvailability:
		return []Update{{Entity: e, Attrs: map[string]string{}}}, nil
	case flagStatus:
	default:
		return nil, nil
	}

	if len(pkt.Payload) < 2 {
		return nil, fmt.Errorf("%w: switch status payload %d bytes, want 2", ErrFrame, len(pkt.Payload))
	}

	return []Update{{
		Entity: e,
		Attrs:  map[string]string{AttrPower: decodePowerByte(dev, pkt.Payload[1])},
	}}, nil
}

func decodeLightStatus(dev *Device, pkt Packet) ([]Update, error) {
	switch pkt.Flag {
	case flagAvailability:
		updates := make([]Update, len(dev.Entities))
		for i, e := range dev.Entities {
			updates[i] = Update{Entity: e, Attrs: map[string]string{}}
		}
		return updates, nil
	case flagStatus:
	default:
		return nil, nil
	}

	// Room i's power byte sits at payload[1+i].
	if len(pkt.Payload) < 1+len(dev.Entities) {
		return nil, fmt.Errorf("%w: light status payload %d bytes, want %d for %d rooms",
			ErrFrame, len(pkt.Payload), 1+len(dev.Entities), len(dev.Entities))
	}

	updates := make([]Update, len(dev.Entities))
	for i, e := range dev.Entities {
		updates[i] = Update{
			Entity: e,
			Attrs:  map[string]string{AttrPower: decodePowerByte(dev, pkt.Payload[1+i])},
		}
	}
	return updates, nil
}

func decodeClimateStatus(dev *Device, pkt Packet) ([]Update, error) {
	// The heating controller reports the full layout under both the status
	// and the availability flag.
	if pkt.Flag != flagStatus && pkt.Flag != flagAvailability {
		return nil, nil
	}

	rooms := len(dev.Entities)

	// payload[1] heat bitmask, payload[2] away bitmask, room i's target and
	// current temperatures at payload[5+2i] and payload[6+2i].
	need := 5 + 2*rooms
	if len(pkt.Payload) < need {
		return nil, fmt.Errorf("%w: climate status payload %d bytes, want %d for %d rooms",
			ErrFrame, len(pkt.Payload), need, rooms)
	}

	heatMask := pkt.Payload[1]
	awayMask := pkt.Payload[2]

	updates := make([]Update, rooms)
	for i, e := range dev.Entities {
		mode := "off"
		if heatMask&(byte(1)<<i) != 0 {
			mode = "heat"
		}
		away := valueOff
		if awayMask&(byte(1)<<i) != 0 {
			away = valueOn
		}

		updates[i] = Update{
			Entity: e,
			Attrs: map[string]string{
				AttrMode:        mode,
				AttrAway:        away,
				AttrTargetTemp:  strconv.Itoa(int(pkt.Payload[5+2*i])),
				AttrCurrentTemp: strconv.Itoa(int(pkt.Payload[6+2*i])),
			},
		}
	}
	return updates, nil
}

// EncodeCommand translates a semantic command into a wire packet.
//
// suppressed reports a command that is valid but intentionally not
// transmitted (climate target temperature while off with send_if_off
// disabled). Errors never mutate entity state, and nothing is retried:
// the caller reports and drops.
func EncodeCommand(e *Entity, attr, value string) (pkt Packet, suppressed bool, err error) {
	switch e.Class {
	case config.ClassFan:
		pkt, err = encodeFanCommand(e, attr, value)
	case config.ClassSwitch:
		pkt, err = encodeSwitchCommand(e, attr, value)
	case config.ClassLight:
		pkt, err = encodeLightCommand(e, attr, value)
	case config.ClassClimate:
		return encodeClimateCommand(e, attr, value)
	default:
		err = fmt.Errorf("%w: class %q", ErrConfig, e.Class)
	}
	return pkt, false, err
}

func encodeFanCommand(e *Entity, attr, value string) (Packet, error) {
	switch attr {
	case AttrPower:
		raw, err := encodePowerValue(e.Device, value)
		if err != nil {
			return Packet{}, err
		}
		return deviceCommand(e, flagCmdPower, raw), nil

	case AttrPercentage:
		// Strict table inverse: a speed step with no wire code is an
		// error, never rounded to a neighbouring step.
		raw, ok := rawFor(e.Device, AttrPercentage, value)
		if !ok {
			return Packet{}, fmt.Errorf("%w: fan percentage %q", ErrUnmappedValue, value)
		}
		return deviceCommand(e, flagCmdPercentage, raw), nil

	default:
		return Packet{}, fmt.Errorf("%w: fan has no %q command", ErrUnmappedValue, attr)
	}
}

func encodeSwitchCommand(e *Entity, attr, value string) (Packet, error) {
	if attr != AttrPower {
		return Packet{}, fmt.Errorf("%w: switch has no %q command", ErrUnmappedValue, attr)
	}

	raw, err := encodePowerValue(e.Device, value)
	if err != nil {
		return Packet{}, err
	}

	flag := byte(flagCmdPower)
	padded := false
	if params := e.Device.Descriptor.Switch; params != nil {
		if params.CommandFlag != nil {
			flag = byte(*params.CommandFlag)
		}
		padded = params.PaddedCommand
	}

	if padded {
		// Some wallpad firmwares require the value framed in a three byte
		// payload (elevator call quirk).
		return Packet{
			ID:      e.ID,
			SubID:   e.SubID,
			Flag:    flag,
			Payload: []byte{0x00, raw, 0x00},
		}, nil
	}
	return deviceCommand(e, flag, raw), nil
}

func encodeLightCommand(e *Entity, attr, value string) (Packet, error) {
	if attr != AttrPower {
		return Packet{}, fmt.Errorf("%w: light has no %q command", ErrUnmappedValue, attr)
	}

	raw, err := encodePowerValue(e.Device, value)
	if err != nil {
		return Packet{}, err
	}
	return roomCommand(e, flagCmdPower, raw), nil
}

func encodeClimateCommand(e *Entity, attr, value string) (Packet, bool, error) {
	params := e.Device.Descriptor.Climate

	switch attr {
	case AttrMode:
		if !containsString(params.Modes, value) {
			return Packet{}, false, fmt.Errorf("%w: mode %q not in %v", ErrUnsupportedMode, value, params.Modes)
		}
		raw := byte(rawOff)
		if value == "heat" {
			raw = rawOn
		}
		return roomCommand(e, flagCmdMode, raw), false, nil

	case AttrTargetTemp:
		temp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Packet{}, false, fmt.Errorf("%w: target temperature %q: %w", ErrOutOfRange, value, err)
		}
		if temp < params.MinTemp || temp > params.MaxTemp {
			return Packet{}, false, fmt.Errorf("%w: target temperature %g outside [%g, %g]",
				ErrOutOfRange, temp, params.MinTemp, params.MaxTemp)
		}
		if step := params.TempStep; step > 0 {
			if rem := math.Mod(temp-params.MinTemp, step); math.Abs(rem) > 1e-9 && math.Abs(rem-step) > 1e-9 {
				return Packet{}, false, fmt.Errorf("%w: target temperature %g not aligned to step %g",
					ErrOutOfRange, temp, step)
			}
		}

		// With send_if_off disabled the wallpad would treat a temperature
		// write as an implicit power-on; suppress instead of transmitting.
		if !params.SendIfOff && e.currentMode() == "off" {
			return Packet{}, true, nil
		}
		return roomCommand(e, flagCmdTargetTemp, byte(int(temp))), false, nil

	case AttrAway:
		var raw byte
		switch value {
		case valueOn:
			raw = rawOn
		case valueOff:
			raw = rawOff
		default:
			return Packet{}, false, fmt.Errorf("%w: away value %q", ErrUnmappedValue, value)
		}
		return roomCommand(e, flagCmdAway, raw), false, nil

	default:
		return Packet{}, false, fmt.Errorf("%w: climate has no %q command", ErrUnmappedValue, attr)
	}
}

// deviceCommand builds a device-addressed single-value command frame.
func deviceCommand(e *Entity, flag, value byte) Packet {
	return Packet{ID: e.ID, SubID: e.SubID, Flag: flag, Payload: []byte{value}}
}

// roomCommand builds a room-addressed single-value command frame: the
// control id rides in the subid position.
func roomCommand(e *Entity, flag, value byte) Packet {
	return Packet{ID: e.ID, SubID: e.ControlID, Flag: flag, Payload: []byte{value}}
}

// decodePowerByte maps a raw power byte to its semantic value through the
// descriptor's power table, falling back to the protocol default.
func decodePowerByte(dev *Device, b byte) string {
	if s, ok := semanticFor(dev, AttrPower, b); ok {
		return s
	}
	if b == rawOn {
		return valueOn
	}
	return valueOff
}

// encodePowerValue maps a semantic power value to its raw byte through the
// descriptor's power table, falling back to the protocol default.
func encodePowerValue(dev *Device, value string) (byte, error) {
	if raw, ok := rawFor(dev, AttrPower, value); ok {
		return raw, nil
	}
	if len(dev.Descriptor.PacketMappings[AttrPower]) > 0 {
		return 0, fmt.Errorf("%w: power value %q", ErrUnmappedValue, value)
	}
	switch value {
	case valueOn:
		return rawOn, nil
	case valueOff:
		return rawOff, nil
	default:
		return 0, fmt.Errorf("%w: power value %q", ErrUnmappedValue, value)
	}
}

// semanticFor looks up raw byte b in the descriptor's mapping table for attr.
// Table keys are two-digit hex strings; both cases are accepted.
func semanticFor(dev *Device, attr string, b byte) (string, bool) {
	table := dev.Descriptor.PacketMappings[attr]
	if s, ok := table[fmt.Sprintf("%02x", b)]; ok {
		return s, true
	}
	s, ok := table[fmt.Sprintf("%02X", b)]
	return s, ok
}

// rawFor performs the inverse lookup: semantic value to raw byte.
// Tables are validated as bijections at registry build time.
func rawFor(dev *Device, attr, semantic string) (byte, bool) {
	for raw, s := range dev.Descriptor.PacketMappings[attr] {
		if s == semantic {
			v, err := strconv.ParseUint(raw, 16, 8)
			if err != nil {
				return 0, false
			}
			return byte(v), true
		}
	}
	return 0, false
}

func containsFlag(flags []config.HexByte, flag byte) bool {
	for _, f := range flags {
		if byte(f) == flag {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// currentMode reads the entity's last decoded mode under its lock.
func (e *Entity) currentMode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state[AttrMode]
}
