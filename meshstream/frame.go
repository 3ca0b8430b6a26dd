package meshstream

import (
	"encoding/binary"
	"fmt"
)

// FrameHeaderSize is the shim's per-datagram overhead: one identifier
// byte plus a 16-bit big-endian sequence number.
const FrameHeaderSize = 3

// DefaultIdentifier discriminates this stream's datagrams from other
// traffic sharing the port. Collisions with another protocol using the
// same byte are an integration concern; make it configurable per node.
const DefaultIdentifier byte = 0xFF

// Framer wraps and unwraps shim frames. There is no CRC at this layer;
// integrity rides on the ZModem CRCs and the radio's own checksums.
type Framer struct {
	Identifier byte
}

// Frame builds a datagram payload: identifier, big-endian sequence, data.
func (f Framer) Frame(seq uint16, data []byte) []byte {
	payload := make([]byte, FrameHeaderSize+len(data))
	payload[0] = f.Identifier
	binary.BigEndian.PutUint16(payload[1:3], seq)
	copy(payload[FrameHeaderSize:], data)
	return payload
}

// Unframe validates and splits a datagram payload. It fails on short
// payloads and on identifier mismatch (not ours).
func (f Framer) Unframe(payload []byte) (seq uint16, data []byte, err error) {
	if len(payload) < FrameHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(payload))
	}
	if payload[0] != f.Identifier {
		return 0, nil, fmt.Errorf("frame identifier mismatch: %#02x", payload[0])
	}
	return binary.BigEndian.Uint16(payload[1:3]), payload[FrameHeaderSize:], nil
}
