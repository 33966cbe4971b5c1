// Package bus provides the connection to the RS485 serial gateway.
//
// Wallpad installations expose the RS485 bus through a serial-to-network
// adapter (an Elfin EW11 or a local socket relay). The Client connects over
// TCP or a Unix socket, delivers received byte chunks to a callback through
// a bounded worker queue, and writes encoded frames to the bus. The stream
// carries no transport framing; packet boundaries are recovered downstream
// by the frame decoder.
//
// The connection self-heals: on read failure the client reconnects with
// exponential backoff until Close is called.
package bus
