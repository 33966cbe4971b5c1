package navien

import (
	"encoding/json"
	"fmt"

	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
)

// DiscoveryPayload builds the retained Home Assistant discovery config for
// an entity.
//
// The payload uses HA's "~" topic abbreviation so every per-entity topic is
// expressed relative to the entity base. Descriptor optional_info entries
// are merged last and may override any generated key (icons, entity
// categories, vendor quirks).
func DiscoveryPayload(e *Entity, t Topics) ([]byte, error) {
	payload := map[string]any{
		"~":       t.EntityBase(e.Class, e.Name),
		"name":    e.Name,
		"uniq_id": e.UniqueID,
		"avty_t":  "~/availability",
		"device":  deviceBlock(e),
	}

	switch e.Class {
	case config.ClassSwitch, config.ClassLight:
		payload["stat_t"] = "~/" + AttrPower
		payload["cmd_t"] = "~/" + AttrPower + "/set"
		payload["pl_on"] = valueOn
		payload["pl_off"] = valueOff

	case config.ClassFan:
		fan := e.Device.Descriptor.Fan
		payload["stat_t"] = "~/" + AttrPower
		payload["cmd_t"] = "~/" + AttrPower + "/set"
		payload["pl_on"] = valueOn
		payload["pl_off"] = valueOff
		payload["pct_stat_t"] = "~/" + AttrPercentage
		payload["pct_cmd_t"] = "~/" + AttrPercentage + "/set"
		payload["spd_rng_min"] = fan.SpeedRangeMin
		payload["spd_rng_max"] = fan.SpeedRangeMax

	case config.ClassClimate:
		climate := e.Device.Descriptor.Climate
		payload["mode_stat_t"] = "~/" + AttrMode
		payload["mode_cmd_t"] = "~/" + AttrMode + "/set"
		payload["temp_stat_t"] = "~/" + AttrTargetTemp
		payload["temp_cmd_t"] = "~/" + AttrTargetTemp + "/set"
		payload["curr_temp_t"] = "~/" + AttrCurrentTemp
		payload["modes"] = climate.Modes
		payload["min_temp"] = climate.MinTemp
		payload["max_temp"] = climate.MaxTemp
		if climate.TempStep > 0 {
			payload["temp_step"] = climate.TempStep
		}

	default:
		return nil, fmt.Errorf("%w: class %q", ErrConfig, e.Class)
	}

	for k, v := range e.Device.Descriptor.OptionalInfo {
		payload[k] = v
	}

	return json.Marshal(payload)
}

// deviceBlock groups an entity under its physical device in the HA UI.
// Room entities of one wallpad device share the same identifier.
func deviceBlock(e *Entity) map[string]any {
	return map[string]any{
		"identifiers":  []string{fmt.Sprintf("rs485_%02x_%02x", e.ID, e.SubID)},
		"name":         e.Device.Descriptor.Name,
		"manufacturer": "Navien",
		"model":        "RS485 Wallpad",
	}
}
