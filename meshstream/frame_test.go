package meshstream

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Framer{Identifier: DefaultIdentifier}
	data := []byte("opaque zmodem bytes")
	payload := f.Frame(513, data)

	if len(payload) != FrameHeaderSize+len(data) {
		t.Fatalf("payload length %d", len(payload))
	}
	if payload[0] != DefaultIdentifier {
		t.Fatalf("identifier byte %#02x", payload[0])
	}

	seq, got, err := f.Unframe(payload)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	if seq != 513 {
		t.Fatalf("seq = %d, want 513", seq)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch")
	}
}

func TestFrameEmptyData(t *testing.T) {
	f := Framer{Identifier: DefaultIdentifier}
	seq, data, err := f.Unframe(f.Frame(0, nil))
	if err != nil || seq != 0 || len(data) != 0 {
		t.Fatalf("empty frame: seq=%d len=%d err=%v", seq, len(data), err)
	}
}

func TestFrameSequenceBigEndian(t *testing.T) {
	f := Framer{Identifier: 0xAB}
	payload := f.Frame(0x0102, []byte{0x99})
	if payload[1] != 0x01 || payload[2] != 0x02 {
		t.Fatalf("sequence bytes = %#02x %#02x, want big-endian", payload[1], payload[2])
	}
}

func TestUnframeRejectsShortPayload(t *testing.T) {
	f := Framer{Identifier: DefaultIdentifier}
	for _, payload := range [][]byte{nil, {0xFF}, {0xFF, 0x00}} {
		if _, _, err := f.Unframe(payload); err == nil {
			t.Fatalf("short payload %v accepted", payload)
		}
	}
}

func TestUnframeRejectsForeignIdentifier(t *testing.T) {
	f := Framer{Identifier: 0xFF}
	other := Framer{Identifier: 0x7E}
	if _, _, err := f.Unframe(other.Frame(0, []byte("x"))); err == nil {
		t.Fatalf("foreign identifier accepted")
	}
}
