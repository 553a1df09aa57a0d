package zmodem

import (
	"context"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
	"github.com/mkrueger/icy-board-sub002/internal/conn"
	"github.com/mkrueger/icy-board-sub002/internal/crc"
)

// subpacket is a decoded data subpacket: its body bytes and the terminator
// that ended it (ZCRCE/ZCRCG/ZCRCQ/ZCRCW), per spec.md §4.1.
type subpacket struct {
	body []byte
	term byte
}

// writeSubpacket writes body followed by its ZDLE-prefixed terminator and
// trailing CRC. The terminator is always sent as a literal ZDLE pair, it
// is the framing marker the reader keys on, not escapable payload. CRC
// size follows the frame header's encoding (Bin -> 16, Bin32 -> 32), the
// same rule readSubpacket applies on the other side.
func writeSubpacket(c conn.Connection, body []byte, term byte, table [256]bool, use32 bool) error {
	out := EscapeEncode(nil, body, table)
	out = append(out, zdle, term)
	crcInput := append(append([]byte{}, body...), term)
	if use32 {
		cv := crc.CRC32(crcInput)
		out = EscapeEncode(out, []byte{byte(cv), byte(cv >> 8), byte(cv >> 16), byte(cv >> 24)}, table)
	} else {
		cv := crc.CRC16Final(crc.CRC16(crcInput))
		out = EscapeEncode(out, []byte{byte(cv >> 8), byte(cv)}, table)
	}
	return c.WriteAll(out)
}

// readSubpacket reads body bytes until the ZDLE-prefixed terminator, then
// reads and validates the trailing CRC (16 or 32 bits, matching the
// encoding of the header that introduced this subpacket).
func readSubpacket(ctx context.Context, c conn.Connection, maxLen int, use32 bool) (subpacket, error) {
	canCount := 0
	var body []byte
	for {
		b, err := readRawByte(ctx, c, &canCount)
		if err != nil {
			return subpacket{}, err
		}
		if b != zdle {
			body = append(body, b)
			if maxLen > 0 && len(body) > maxLen {
				return subpacket{}, bbserrors.ErrTooManyRetries
			}
			continue
		}
		b2, err := readRawByte(ctx, c, &canCount)
		if err != nil {
			return subpacket{}, err
		}
		if isTerminator(b2) {
			term := b2
			crcInput := append(append([]byte{}, body...), term)
			if use32 {
				var crcBuf [4]byte
				for i := range crcBuf {
					cb, err := readEscapedByte(ctx, c, &canCount)
					if err != nil {
						return subpacket{}, err
					}
					crcBuf[i] = cb
				}
				got := uint32(crcBuf[0]) | uint32(crcBuf[1])<<8 | uint32(crcBuf[2])<<16 | uint32(crcBuf[3])<<24
				want := crc.CRC32(crcInput)
				if got != want {
					return subpacket{}, &bbserrors.CrcMismatch{Expected: want, Got: got}
				}
			} else {
				hi, err := readEscapedByte(ctx, c, &canCount)
				if err != nil {
					return subpacket{}, err
				}
				lo, err := readEscapedByte(ctx, c, &canCount)
				if err != nil {
					return subpacket{}, err
				}
				got := uint16(hi)<<8 | uint16(lo)
				want := crc.CRC16Final(crc.CRC16(crcInput))
				if got != want {
					return subpacket{}, &bbserrors.CrcMismatch{Expected: uint32(want), Got: uint32(got)}
				}
			}
			return subpacket{body: body, term: term}, nil
		}
		body = append(body, decodeEscaped(b2))
	}
}

func isTerminator(b byte) bool {
	return b == ZCRCE || b == ZCRCG || b == ZCRCQ || b == ZCRCW
}
