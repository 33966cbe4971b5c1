package navien

import (
	"encoding/json"
	"testing"

	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
)

func decodePayload(t *testing.T, e *Entity, topics Topics) map[string]any {
	t.Helper()
	raw, err := DiscoveryPayload(e, topics)
	if err != nil {
		t.Fatalf("DiscoveryPayload() error = %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}

func TestDiscoveryFan(t *testing.T) {
	r := buildTestRegistry(t)
	e := entity(t, r, config.ClassFan, "ventilation")
	topics := Topics{Root: "rs485_mqtt", HARoot: "homeassistant"}

	payload := decodePayload(t, e, topics)

	if payload["~"] != "rs485_mqtt/fan/ventilation" {
		t.Errorf("~ = %v", payload["~"])
	}
	if payload["uniq_id"] != "rs485_32_01" {
		t.Errorf("uniq_id = %v", payload["uniq_id"])
	}
	if payload["avty_t"] != "~/availability" {
		t.Errorf("avty_t = %v", payload["avty_t"])
	}
	if payload["pct_cmd_t"] != "~/percentage/set" {
		t.Errorf("pct_cmd_t = %v", payload["pct_cmd_t"])
	}
	if payload["spd_rng_min"] != float64(1) || payload["spd_rng_max"] != float64(3) {
		t.Errorf("speed range = %v..%v", payload["spd_rng_min"], payload["spd_rng_max"])
	}

	device, ok := payload["device"].(map[string]any)
	if !ok {
		t.Fatalf("device block = %T", payload["device"])
	}
	if device["manufacturer"] != "Navien" {
		t.Errorf("manufacturer = %v", device["manufacturer"])
	}
}

func TestDiscoveryClimateRoom(t *testing.T) {
	r := buildTestRegistry(t)
	e := entity(t, r, config.ClassClimate, "bedroom")
	topics := Topics{Root: "rs485_mqtt", HARoot: "homeassistant"}

	payload := decodePayload(t, e, topics)

	if payload["uniq_id"] != "rs485_36_01_2" {
		t.Errorf("uniq_id = %v", payload["uniq_id"])
	}
	if payload["mode_cmd_t"] != "~/mode/set" {
		t.Errorf("mode_cmd_t = %v", payload["mode_cmd_t"])
	}
	if payload["curr_temp_t"] != "~/currenttemp" {
		t.Errorf("curr_temp_t = %v", payload["curr_temp_t"])
	}
	if payload["min_temp"] != float64(10) || payload["max_temp"] != float64(40) {
		t.Errorf("temp bounds = %v..%v", payload["min_temp"], payload["max_temp"])
	}

	modes, ok := payload["modes"].([]any)
	if !ok || len(modes) != 2 {
		t.Fatalf("modes = %v", payload["modes"])
	}

	// Rooms of the same wallpad controller share one device identifier.
	living := entity(t, r, config.ClassClimate, "living")
	livingPayload := decodePayload(t, living, topics)
	a := payload["device"].(map[string]any)["identifiers"]
	b := livingPayload["device"].(map[string]any)["identifiers"]
	if len(a.([]any)) != 1 || a.([]any)[0] != b.([]any)[0] {
		t.Errorf("device identifiers differ: %v vs %v", a, b)
	}
}

func TestDiscoveryOptionalInfoPassthrough(t *testing.T) {
	desc := fanDescriptor()
	desc.OptionalInfo = map[string]any{
		"icon": "mdi:fan",
		"name": "Heat Exchanger", // overrides the generated name
	}

	r, err := Build([]config.DeviceDescriptor{desc})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	payload := decodePayload(t, r.Entities()[0], Topics{Root: "r", HARoot: "ha"})
	if payload["icon"] != "mdi:fan" {
		t.Errorf("icon = %v", payload["icon"])
	}
	if payload["name"] != "Heat Exchanger" {
		t.Errorf("name = %v, want optional_info override", payload["name"])
	}
}

func TestDiscoverySwitchPayloads(t *testing.T) {
	r := buildTestRegistry(t)
	e := entity(t, r, config.ClassSwitch, "elevator")

	payload := decodePayload(t, e, Topics{Root: "rs485_mqtt", HARoot: "homeassistant"})

	if payload["stat_t"] != "~/power" || payload["cmd_t"] != "~/power/set" {
		t.Errorf("topics = %v / %v", payload["stat_t"], payload["cmd_t"])
	}
	if payload["pl_on"] != "ON" || payload["pl_off"] != "OFF" {
		t.Errorf("payloads = %v / %v", payload["pl_on"], payload["pl_off"])
	}
}
