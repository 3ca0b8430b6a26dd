package zmodem

// escapeTab marks the bytes that must be ZDLE-escaped when they appear in a
// BIN header payload or a data subpacket. The set is deliberately small:
// ZDLE itself, DLE, XON, XOFF, and CR with and without the parity bit.
// Everything else passes through unchanged.
var escapeTab [256]bool

func init() {
	for _, b := range []byte{ZDLE, 0x10, XON, XOFF, 0x0D, 0x8D} {
		escapeTab[b] = true
	}
}

// needsEscape reports whether b must be sent as a ZDLE pair.
func needsEscape(b byte) bool {
	return escapeTab[b]
}

// appendEscaped appends b to dst in its wire form: either the byte itself
// or ZDLE followed by the byte XOR 0x40. CRC is always computed over the
// original byte, never the escaped pair.
func appendEscaped(dst []byte, b byte) []byte {
	if escapeTab[b] {
		return append(dst, ZDLE, b^0x40)
	}
	return append(dst, b)
}

// AppendEscaped appends the wire form of every byte in src to dst and
// returns the extended slice.
func AppendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		dst = appendEscaped(dst, b)
	}
	return dst
}

// Unescape recovers the byte hidden behind a ZDLE pair.
func Unescape(b byte) byte {
	return b ^ 0x40
}
