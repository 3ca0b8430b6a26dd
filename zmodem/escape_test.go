package zmodem

import "testing"

func TestEscapeRoundTripAllBytes(t *testing.T) {
	for v := 0; v < 256; v++ {
		b := byte(v)
		wire := appendEscaped(nil, b)
		switch len(wire) {
		case 1:
			if wire[0] != b {
				t.Fatalf("byte %#02x mangled to %#02x", b, wire[0])
			}
			if needsEscape(b) {
				t.Fatalf("reserved byte %#02x sent bare", b)
			}
		case 2:
			if wire[0] != ZDLE {
				t.Fatalf("escape pair for %#02x does not start with ZDLE", b)
			}
			if got := Unescape(wire[1]); got != b {
				t.Fatalf("unescape(%#02x) = %#02x, want %#02x", wire[1], got, b)
			}
			if !needsEscape(b) {
				t.Fatalf("non-reserved byte %#02x escaped", b)
			}
		default:
			t.Fatalf("byte %#02x produced %d wire bytes", b, len(wire))
		}
	}
}

func TestEscapeSet(t *testing.T) {
	reserved := []byte{ZDLE, 0x10, XON, XOFF, 0x0D, 0x8D}
	count := 0
	for v := 0; v < 256; v++ {
		if needsEscape(byte(v)) {
			count++
		}
	}
	if count != len(reserved) {
		t.Fatalf("escape set has %d bytes, want %d", count, len(reserved))
	}
	for _, b := range reserved {
		if !needsEscape(b) {
			t.Fatalf("byte %#02x missing from escape set", b)
		}
	}
}

func TestEscapedFormAvoidsReservedBytes(t *testing.T) {
	// The second byte of every escape pair must itself be safe, or the
	// decoder would trip over it.
	for v := 0; v < 256; v++ {
		b := byte(v)
		if !needsEscape(b) {
			continue
		}
		if needsEscape(b ^ 0x40) {
			t.Fatalf("escaped form of %#02x is itself reserved", b)
		}
	}
}

func TestAppendEscapedBulk(t *testing.T) {
	in := []byte{0x41, ZDLE, 0x42, 0x0D, 0x43}
	wire := AppendEscaped(nil, in)
	want := []byte{0x41, ZDLE, ZDLE ^ 0x40, 0x42, ZDLE, 0x0D ^ 0x40, 0x43}
	if len(wire) != len(want) {
		t.Fatalf("wire length %d, want %d", len(wire), len(want))
	}
	for i := range wire {
		if wire[i] != want[i] {
			t.Fatalf("wire[%d] = %#02x, want %#02x", i, wire[i], want[i])
		}
	}
}
