package jam

import (
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/crc"
)

// CRC32String calculates a JAM-specification CRC32 of a string: lowercase
// only A-Z (not locale-aware), IEEE polynomial, inverted result. The raw
// checksum comes from the shared internal/crc wrapper the transfer engines
// use; only the lowercasing and final inversion are JAM-specific.
func CRC32String(s string) uint32 {
	lower := strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + 32
		}
		return r
	}, s)
	return ^crc.CRC32([]byte(lower))
}
