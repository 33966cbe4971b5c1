// Package navien bridges a Navien RS485 wallpad bus to MQTT.
//
// The wallpad broadcasts device status as checksummed frames on a shared
// serial bus. This package decodes that stream, maps raw payload bytes to
// semantic attribute values through per-device descriptor tables, and
// publishes changes to MQTT. In the other direction it turns command topics
// back into wire frames and writes them to the bus, fire-and-forget; the
// wallpad confirms by broadcasting the new status.
//
// The pieces:
//
//   - Packet / Decoder (packet.go): wire codec with streaming
//     resynchronisation over the unframed byte stream.
//   - Registry (registry.go): expands device descriptors into addressable
//     entities, one per room where configured.
//   - DecodeStatus / EncodeCommand (mapper.go): per-class translation
//     between payload bytes and semantic attribute values.
//   - Bridge (bridge.go): the dispatcher wiring bus, registry, mapper and
//     MQTT together, with per-entity publish-on-change diffing.
//   - Discovery (discovery.go): Home Assistant MQTT discovery payloads.
//   - Freshness monitoring (health.go): per-entity online/offline tracking.
package navien
