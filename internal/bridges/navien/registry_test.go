package navien

import (
	"errors"
	"testing"

	"github.com/navien485/mqtt-bridge/internal/infrastructure/config"
)

func fanDescriptor() config.DeviceDescriptor {
	return config.DeviceDescriptor{
		Name:  "ventilation",
		ID:    0x32,
		SubID: 0x01,
		Class: config.ClassFan,
		Fan:   &config.FanParams{SpeedRangeMin: 1, SpeedRangeMax: 3},
		PacketMappings: map[string]map[string]string{
			AttrPercentage: {"00": "0", "01": "1", "02": "2", "03": "3"},
		},
	}
}

func lightDescriptor() config.DeviceDescriptor {
	return config.DeviceDescriptor{
		Name:  "lights",
		ID:    0x0E,
		SubID: 0x11,
		Class: config.ClassLight,
		RoomConfig: &config.RoomConfig{
			Enabled: true,
			AutoGenerate: &config.AutoGenerate{
				Enabled:        true,
				Count:          3,
				NameTemplate:   "light{index}",
				ControlIDStart: 0x11,
			},
		},
	}
}

func climateDescriptor() config.DeviceDescriptor {
	return config.DeviceDescriptor{
		Name:  "heating",
		ID:    0x36,
		SubID: 0x01,
		Class: config.ClassClimate,
		Climate: &config.ClimateParams{
			Modes:    []string{"off", "heat"},
			MinTemp:  10,
			MaxTemp:  40,
			TempStep: 1.0,
		},
		RoomConfig: &config.RoomConfig{
			Enabled: true,
			Rooms: []config.RoomEntry{
				{Name: "living", ControlID: 0x01},
				{Name: "bedroom", ControlID: 0x02},
				{Name: "study", ControlID: 0x03},
			},
		},
	}
}

func elevatorDescriptor() config.DeviceDescriptor {
	cmdFlag := config.HexByte(0x81)
	return config.DeviceDescriptor{
		Name:  "elevator",
		ID:    0x33,
		SubID: 0x01,
		Class: config.ClassSwitch,
		Switch: &config.SwitchParams{
			StatusOnFlags:  []config.HexByte{0x44},
			StatusOffFlags: []config.HexByte{0x57, 0xD7},
			CommandFlag:    &cmdFlag,
			PaddedCommand:  true,
			FloorStatus:    true,
		},
		PacketMappings: map[string]map[string]string{
			AttrPower: {"24": "ON", "00": "OFF"},
		},
	}
}

func buildTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Build([]config.DeviceDescriptor{
		fanDescriptor(), lightDescriptor(), climateDescriptor(), elevatorDescriptor(),
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return r
}

func TestBuildSingleEntity(t *testing.T) {
	r := buildTestRegistry(t)

	dev, ok := r.Device(0x32, 0x01)
	if !ok {
		t.Fatal("Device(32, 01) not found")
	}
	if dev.Rooms() != 1 {
		t.Fatalf("fan Rooms() = %d, want 1", dev.Rooms())
	}

	e := dev.Entities[0]
	if e.Name != "ventilation" {
		t.Errorf("entity name = %q", e.Name)
	}
	if e.ControlID != e.SubID {
		t.Errorf("ControlID = %02x, want subid %02x", e.ControlID, e.SubID)
	}
	if e.UniqueID != "rs485_32_01" {
		t.Errorf("UniqueID = %q, want rs485_32_01", e.UniqueID)
	}
}

func TestBuildAutoGeneratedRooms(t *testing.T) {
	r := buildTestRegistry(t)

	dev, ok := r.Device(0x0E, 0x11)
	if !ok {
		t.Fatal("Device(0e, 11) not found")
	}
	if dev.Rooms() != 3 {
		t.Fatalf("light Rooms() = %d, want 3", dev.Rooms())
	}

	wantNames := []string{"light1", "light2", "light3"}
	for i, e := range dev.Entities {
		if e.Name != wantNames[i] {
			t.Errorf("entity %d name = %q, want %q", i, e.Name, wantNames[i])
		}
		if want := byte(0x11 + i); e.ControlID != want {
			t.Errorf("entity %d ControlID = %02x, want %02x", i, e.ControlID, want)
		}
		if e.Index != i {
			t.Errorf("entity %d Index = %d", i, e.Index)
		}
	}
}

func TestBuildExplicitRooms(t *testing.T) {
	r := buildTestRegistry(t)

	dev, ok := r.Device(0x36, 0x01)
	if !ok {
		t.Fatal("Device(36, 01) not found")
	}
	if dev.Rooms() != 3 {
		t.Fatalf("climate Rooms() = %d, want 3", dev.Rooms())
	}
	if dev.Entities[1].Name != "bedroom" || dev.Entities[1].ControlID != 0x02 {
		t.Errorf("second room = %q/%02x", dev.Entities[1].Name, dev.Entities[1].ControlID)
	}
	if dev.Entities[1].UniqueID != "rs485_36_01_2" {
		t.Errorf("second room UniqueID = %q", dev.Entities[1].UniqueID)
	}
}

func TestBuildExplicitRoomsWinOverAutoGenerate(t *testing.T) {
	desc := climateDescriptor()
	desc.RoomConfig.AutoGenerate = &config.AutoGenerate{
		Enabled:        true,
		Count:          3, // matches the explicit list
		NameTemplate:   "room{index}",
		ControlIDStart: 0x10,
	}

	r, err := Build([]config.DeviceDescriptor{desc})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	dev, _ := r.Device(0x36, 0x01)
	if dev.Entities[0].Name != "living" {
		t.Errorf("first room = %q, want explicit name living", dev.Entities[0].Name)
	}
}

func TestBuildConflictingRoomCounts(t *testing.T) {
	desc := climateDescriptor()
	desc.RoomConfig.AutoGenerate = &config.AutoGenerate{
		Enabled:        true,
		Count:          5, // disagrees with the 3 explicit rooms
		NameTemplate:   "room{index}",
		ControlIDStart: 0x10,
	}

	if _, err := Build([]config.DeviceDescriptor{desc}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() error = %v, want ErrConfig", err)
	}
}

func TestBuildDuplicateAddress(t *testing.T) {
	desc := climateDescriptor()
	desc.RoomConfig.Rooms[1].ControlID = desc.RoomConfig.Rooms[0].ControlID

	if _, err := Build([]config.DeviceDescriptor{desc}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with duplicate control ids error = %v, want ErrConfig", err)
	}

	if _, err := Build([]config.DeviceDescriptor{fanDescriptor(), fanDescriptor()}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with duplicate device address error = %v, want ErrConfig", err)
	}
}

func TestBuildDuplicateName(t *testing.T) {
	a := fanDescriptor()
	b := fanDescriptor()
	b.SubID = 0x02 // distinct address, same class and name

	if _, err := Build([]config.DeviceDescriptor{a, b}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with duplicate names error = %v, want ErrConfig", err)
	}
}

func TestBuildNonBijectiveMapping(t *testing.T) {
	desc := fanDescriptor()
	desc.PacketMappings[AttrPercentage]["04"] = "3" // "3" already mapped from "03"

	if _, err := Build([]config.DeviceDescriptor{desc}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with non-bijective table error = %v, want ErrConfig", err)
	}
}

func TestBuildInvalidHexKey(t *testing.T) {
	desc := fanDescriptor()
	desc.PacketMappings[AttrPercentage]["zz"] = "9"

	if _, err := Build([]config.DeviceDescriptor{desc}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with invalid hex key error = %v, want ErrConfig", err)
	}
}

func TestBuildRoomConfigWithoutRooms(t *testing.T) {
	desc := lightDescriptor()
	desc.RoomConfig.AutoGenerate = nil

	if _, err := Build([]config.DeviceDescriptor{desc}); !errors.Is(err, ErrConfig) {
		t.Errorf("Build() with empty room config error = %v, want ErrConfig", err)
	}
}

func TestLookups(t *testing.T) {
	r := buildTestRegistry(t)

	if e, ok := r.Lookup(0x0E, 0x11, 0x12); !ok || e.Name != "light2" {
		t.Errorf("Lookup(0e, 11, 12) = %v, %v", e, ok)
	}
	if _, ok := r.Lookup(0x0E, 0x11, 0x99); ok {
		t.Error("Lookup() found entity at unused control id")
	}

	if e, ok := r.EntityByName(config.ClassClimate, "bedroom"); !ok || e.ControlID != 0x02 {
		t.Errorf("EntityByName(climate, bedroom) = %v, %v", e, ok)
	}
	if _, ok := r.EntityByName(config.ClassFan, "bedroom"); ok {
		t.Error("EntityByName() matched across classes")
	}

	if got := len(r.Entities()); got != 8 {
		t.Errorf("len(Entities()) = %d, want 8", got)
	}
}
