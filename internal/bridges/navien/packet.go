package navien

import (
	"errors"
	"fmt"
)

// Wire format constants, fixed by the wallpad firmware:
//
//	offset  0       1   2      3     4    5..5+N-1  5+N  6+N
//	        header  id  subid  flag  len  payload   xor  add
//
// xor is the XOR of every byte before it; add is the low byte of the
// arithmetic sum of every byte before it (the xor byte included).
// There is no footer.
const (
	frameHeader = 0xF7

	// frameOverhead is header + id + subid + flag + len + xor + add.
	frameOverhead = 7

	// lenOffset is the position of the payload length byte.
	lenOffset = 4

	// payloadOffset is where the payload begins.
	payloadOffset = 5

	// decoderBufferCap bounds the streaming decoder's internal buffer.
	// Far larger than any burst a 9600 baud bus can produce between reads.
	decoderBufferCap = 4096
)

// Packet is one decoded wallpad frame.
//
// ID and SubID address the device; for commands sent to room-expanded
// devices the SubID position carries the room's control id instead. Flag
// identifies the message kind (status report, availability, command).
type Packet struct {
	ID      byte
	SubID   byte
	Flag    byte
	Payload []byte
}

// Encode serialises the packet into a complete wire frame.
// Checksums are always computed here, never supplied by the caller.
func (p Packet) Encode() []byte {
	n := len(p.Payload)
	frame := make([]byte, n+frameOverhead)

	frame[0] = frameHeader
	frame[1] = p.ID
	frame[2] = p.SubID
	frame[3] = p.Flag
	frame[lenOffset] = byte(n)
	copy(frame[payloadOffset:], p.Payload)

	frame[payloadOffset+n] = xorChecksum(frame[:payloadOffset+n])
	frame[payloadOffset+n+1] = addChecksum(frame[:payloadOffset+n+1])

	return frame
}

// xorChecksum XORs all bytes together.
func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// addChecksum returns the low byte of the arithmetic sum of all bytes.
func addChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// DecodeFrame decodes a single frame from the start of data.
//
// On success it returns the packet and the number of bytes consumed.
// ErrIncomplete means data is a valid prefix that more bytes may complete;
// any other error means the prefix is corrupt and the caller must
// resynchronise by scanning for the next header byte.
func DecodeFrame(data []byte) (Packet, int, error) {
	if len(data) == 0 {
		return Packet{}, 0, ErrIncomplete
	}
	if data[0] != frameHeader {
		return Packet{}, 0, fmt.Errorf("%w: missing header, got 0x%02X", ErrFrame, data[0])
	}
	if len(data) <= lenOffset {
		return Packet{}, 0, ErrIncomplete
	}

	n := int(data[lenOffset])
	total := n + frameOverhead
	if len(data) < total {
		return Packet{}, 0, ErrIncomplete
	}

	xorPos := payloadOffset + n
	addPos := xorPos + 1

	if got, want := data[xorPos], xorChecksum(data[:xorPos]); got != want {
		return Packet{}, 0, fmt.Errorf("%w: xor checksum 0x%02X, want 0x%02X", ErrFrame, got, want)
	}
	if got, want := data[addPos], addChecksum(data[:addPos]); got != want {
		return Packet{}, 0, fmt.Errorf("%w: add checksum 0x%02X, want 0x%02X", ErrFrame, got, want)
	}

	payload := make([]byte, n)
	copy(payload, data[payloadOffset:xorPos])

	return Packet{
		ID:      data[1],
		SubID:   data[2],
		Flag:    data[3],
		Payload: payload,
	}, total, nil
}

// Decoder recovers frames from an unframed byte stream.
//
// The gateway delivers bytes in arbitrary chunks: a frame may arrive split
// across reads or several frames packed into one. Feed appends raw bytes;
// Next extracts at most one frame per call. Corrupt prefixes are discarded
// by scanning forward to the next header byte, so line noise is never
// fatal.
//
// Not safe for concurrent use; the bridge feeds it from a single goroutine.
type Decoder struct {
	buf     []byte
	dropped uint64
}

// Feed appends raw bytes from the bus to the internal buffer.
// If the buffer would exceed its cap, the oldest bytes are discarded and
// counted as dropped.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	if overflow := len(d.buf) - decoderBufferCap; overflow > 0 {
		d.buf = d.buf[overflow:]
		d.dropped += uint64(overflow)
	}
}

// Next extracts the next complete frame from the buffer.
//
// Returns ErrIncomplete when the buffered bytes cannot yet form a complete
// frame; feed more data and retry. Bytes skipped during resynchronisation
// are counted as dropped.
func (d *Decoder) Next() (Packet, error) {
	for {
		// Discard everything before the next header byte.
		start := 0
		for start < len(d.buf) && d.buf[start] != frameHeader {
			start++
		}
		if start > 0 {
			d.dropped += uint64(start)
			d.buf = d.buf[start:]
		}
		if len(d.buf) == 0 {
			return Packet{}, ErrIncomplete
		}

		pkt, consumed, err := DecodeFrame(d.buf)
		if err == nil {
			d.buf = d.buf[consumed:]
			return pkt, nil
		}
		if isIncomplete(err) {
			return Packet{}, ErrIncomplete
		}

		// Corrupt frame at this header; drop the header byte and rescan.
		// A real frame boundary inside the garbage will be found this way.
		d.dropped++
		d.buf = d.buf[1:]
	}
}

// Dropped returns the total count of bytes discarded during
// resynchronisation and buffer overflow.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Buffered returns the number of bytes waiting in the buffer.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func isIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}
