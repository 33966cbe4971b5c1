package navien

import (
	"errors"
	"testing"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{Root: "rs485_mqtt", HARoot: "homeassistant"}

	tests := []struct {
		got  string
		want string
	}{
		{topics.State("fan", "ventilation", AttrPercentage), "rs485_mqtt/fan/ventilation/percentage"},
		{topics.Command("light", "light2", AttrPower), "rs485_mqtt/light/light2/power/set"},
		{topics.Availability("climate", "living"), "rs485_mqtt/climate/living/availability"},
		{topics.EntityBase("fan", "ventilation"), "rs485_mqtt/fan/ventilation"},
		{topics.CommandPattern(), "rs485_mqtt/+/+/+/set"},
		{topics.BridgeStatus(), "rs485_mqtt/bridge/status"},
		{topics.BridgeError(), "rs485_mqtt/bridge/error"},
		{topics.Discovery("climate", "rs485_36_01_2"), "homeassistant/climate/rs485_36_01_2/config"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	topics := Topics{Root: "rs485_mqtt"}

	class, entity, attr, err := topics.ParseCommand("rs485_mqtt/climate/living/targettemp/set")
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if class != "climate" || entity != "living" || attr != "targettemp" {
		t.Errorf("ParseCommand() = %s/%s/%s", class, entity, attr)
	}
}

func TestParseCommandErrors(t *testing.T) {
	topics := Topics{Root: "rs485_mqtt"}

	bad := []string{
		"other_root/fan/ventilation/power/set",
		"rs485_mqtt/fan/ventilation/power",
		"rs485_mqtt/fan/ventilation/set",
		"rs485_mqtt/fan/ventilation/power/get",
		"rs485_mqtt///power/set",
	}

	for _, topic := range bad {
		if _, _, _, err := topics.ParseCommand(topic); !errors.Is(err, ErrUnknownEntity) {
			t.Errorf("ParseCommand(%q) error = %v, want ErrUnknownEntity", topic, err)
		}
	}
}

func TestParseCommandRoundTrip(t *testing.T) {
	topics := Topics{Root: "home/rs485"}

	built := topics.Command("switch", "elevator", AttrPower)
	class, entity, attr, err := topics.ParseCommand(built)
	if err != nil {
		t.Fatalf("ParseCommand(%q) error = %v", built, err)
	}
	if class != "switch" || entity != "elevator" || attr != AttrPower {
		t.Errorf("round trip = %s/%s/%s", class, entity, attr)
	}
}
