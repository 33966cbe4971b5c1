package navien

import (
	"fmt"
	"strings"
)

// Topics builds the bridge's MQTT topic names.
//
// State:        {root}/{class}/{entity}/{attr}
// Command:      {root}/{class}/{entity}/{attr}/set
// Availability: {root}/{class}/{entity}/availability
// Discovery:    {haRoot}/{class}/{uniqueID}/config
// Bridge-level: {root}/bridge/status and {root}/bridge/error
type Topics struct {
	Root   string
	HARoot string
}

// EntityBase returns the per-entity topic prefix, used as the discovery
// payload's "~" abbreviation.
func (t Topics) EntityBase(class, entity string) string {
	return fmt.Sprintf("%s/%s/%s", t.Root, class, entity)
}

// State returns the state topic for one attribute of an entity.
func (t Topics) State(class, entity, attr string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Root, class, entity, attr)
}

// Command returns the command topic for one attribute of an entity.
func (t Topics) Command(class, entity, attr string) string {
	return t.State(class, entity, attr) + "/set"
}

// Availability returns the entity's online/offline topic.
func (t Topics) Availability(class, entity string) string {
	return fmt.Sprintf("%s/%s/%s/availability", t.Root, class, entity)
}

// CommandPattern returns the wildcard subscription covering every entity's
// command topics.
func (t Topics) CommandPattern() string {
	return t.Root + "/+/+/+/set"
}

// BridgeStatus returns the bridge's own status topic (LWT target).
func (t Topics) BridgeStatus() string {
	return t.Root + "/bridge/status"
}

// BridgeError returns the retained topic where rejected commands and
// decode anomalies are reported.
func (t Topics) BridgeError() string {
	return t.Root + "/bridge/error"
}

// Discovery returns the Home Assistant discovery config topic.
func (t Topics) Discovery(class, uniqueID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.HARoot, class, uniqueID)
}

// ParseCommand splits a command topic into class, entity and attribute.
// The topic must match {root}/{class}/{entity}/{attr}/set exactly.
func (t Topics) ParseCommand(topic string) (class, entity, attr string, err error) {
	rootPrefix := t.Root + "/"
	if !strings.HasPrefix(topic, rootPrefix) {
		return "", "", "", fmt.Errorf("%w: topic %q outside root %q", ErrUnknownEntity, topic, t.Root)
	}

	parts := strings.Split(strings.TrimPrefix(topic, rootPrefix), "/")
	if len(parts) != 4 || parts[3] != "set" {
		return "", "", "", fmt.Errorf("%w: malformed command topic %q", ErrUnknownEntity, topic)
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: malformed command topic %q", ErrUnknownEntity, topic)
	}

	return parts[0], parts[1], parts[2], nil
}
