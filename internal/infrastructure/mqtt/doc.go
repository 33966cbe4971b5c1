// Package mqtt wraps github.com/eclipse/paho.mqtt.golang with the bridge's
// connection policy.
//
// The Client handles broker connection, Last Will and Testament on the
// bridge status topic, automatic reconnection with exponential backoff,
// subscription restoration after reconnect, publish timeouts, and payload
// size limits. Topic construction belongs to the consuming bridge package,
// not here.
package mqtt
