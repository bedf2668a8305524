// Package smartlogger reads telemetry, status, and alarms from a Huawei
// SmartLogger gateway and the SUN2000 inverters behind it.
package smartlogger

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// Multi-register quantities arrive low word first. The vendor's interface
// definition documents standard big-endian word order, but the bytes on the
// wire are the opposite; this is a permanent protocol fact for SmartLogger
// units, not an option.

// U32 combines two register words, first word low.
func U32(first, second uint16) uint32 {
	return uint32(second)<<16 | uint32(first)
}

// I32 is U32 with two's-complement reinterpretation at the 32-bit boundary.
func I32(first, second uint16) int32 {
	return int32(U32(first, second))
}

// U64 combines four register words, first word lowest. Values beyond 2^53
// lose precision once they reach a JSON consumer as float64; counters on real
// plants sit far below that.
func U64(w0, w1, w2, w3 uint16) uint64 {
	return uint64(w3)<<48 | uint64(w2)<<32 | uint64(w1)<<16 | uint64(w0)
}

// I16 reinterprets a register word as signed, mapping values >= 0x8000 to
// their negative two's-complement counterpart.
func I16(w uint16) int16 {
	return int16(w)
}

// String decodes registers as ASCII, two bytes per register high byte first,
// truncated to maxLen bytes and stripped of trailing NULs.
func String(words []uint16, maxLen int) string {
	b := make([]byte, 0, 2*len(words))
	for _, w := range words {
		b = append(b, byte(w>>8), byte(w))
	}
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return strings.TrimRight(string(b), "\x00")
}

// Scaled divides a raw register integer by its gain factor, converting it to
// the real-world decimal value. Gain is applied exactly once, here.
func Scaled[T constraints.Integer](raw T, gain uint32) float64 {
	if gain == 0 {
		gain = 1
	}
	return float64(raw) / float64(gain)
}
