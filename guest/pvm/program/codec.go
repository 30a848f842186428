package program

import "fmt"

// E_l encodes x as l little-endian bytes (GP eq. C.12).
func E_l(x uint64, l uint32) []byte {
	out := make([]byte, l)
	for i := range out {
		out[i] = byte(x)
		x >>= 8
	}
	return out
}

// DecodeE_l reads a little-endian integer of len(encoded) bytes.
func DecodeE_l(encoded []byte) uint64 {
	var x uint64
	for i := len(encoded) - 1; i >= 0; i-- {
		x = x<<8 | uint64(encoded[i])
	}
	return x
}

// E is the general natural number encoding (GP eq. C.13): a prefix byte
// whose leading ones count the trailing bytes.
func E(x uint64) []byte {
	if x == 0 {
		return []byte{0}
	}
	for l := uint32(0); l < 8; l++ {
		if x < 1<<(7*(l+1)) {
			prefix := byte(256 - (1 << (8 - l)) + int(x>>(8*l)))
			return append([]byte{prefix}, E_l(x, l)...)
		}
	}
	return append([]byte{0xff}, E_l(x, 8)...)
}

// DecodeE returns the value and the number of bytes consumed.
func DecodeE(encoded []byte) (uint64, uint32, error) {
	if len(encoded) == 0 {
		return 0, 0, fmt.Errorf("natural: empty input")
	}
	first := encoded[0]
	if first == 0xff {
		if len(encoded) < 9 {
			return 0, 0, fmt.Errorf("natural: need 9 bytes, have %d", len(encoded))
		}
		return DecodeE_l(encoded[1:9]), 9, nil
	}
	l := uint32(0)
	for first&(0x80>>l) != 0 {
		l++
	}
	if uint32(len(encoded)) < 1+l {
		return 0, 0, fmt.Errorf("natural: need %d bytes, have %d", 1+l, len(encoded))
	}
	high := uint64(first) & (1<<(7-l) - 1)
	return high<<(8*l) | DecodeE_l(encoded[1:1+l]), 1 + l, nil
}
