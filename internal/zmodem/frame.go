// Package zmodem implements the full-duplex ZMODEM sender (Sz) and
// receiver (Rz) engines described in spec.md §4.1, operating over an
// internal/conn.Connection.
//
// Grounded on _examples/xx25-go-zmodem's state-machine shape (frame.go,
// subpacket.go, escape.go, sender.go, receiver.go), ported and adapted,
// not copied verbatim: block-size floor corrected to 512 (spec.md §8;
// the reference floors at 32), wired against internal/conn.Connection
// instead of a raw io.ReadWriter, and errors surfaced via
// internal/bbserrors instead of ad hoc fmt.Errorf strings.
package zmodem

import (
	"context"
	"fmt"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
	"github.com/mkrueger/icy-board-sub002/internal/conn"
	"github.com/mkrueger/icy-board-sub002/internal/crc"
)

// Frame encodings.
const (
	encBin   = 0x41 // 'A'
	encHex   = 0x42 // 'B'
	encBin32 = 0x43 // 'C'
)

const (
	zpad = 0x2a // '*'
	zdle = 0x18
	can  = 0x18
)

// FrameType enumerates the subset of ZMODEM headers this engine drives, in
// spec.md §4.1's name.
type FrameType byte

const (
	FrameRQInit    FrameType = 0x00
	FrameRIInit    FrameType = 0x01
	FrameSInit     FrameType = 0x02
	FrameAck       FrameType = 0x03
	FrameFile      FrameType = 0x04
	FrameSkip      FrameType = 0x05
	FrameNak       FrameType = 0x06
	FrameAbort     FrameType = 0x07
	FrameFin       FrameType = 0x08
	FrameRPos      FrameType = 0x09
	FrameData      FrameType = 0x0a
	FrameEof       FrameType = 0x0b
	FrameFErr      FrameType = 0x0c
	FrameCrc       FrameType = 0x0d
	FrameChallenge FrameType = 0x0e
	FrameCompl     FrameType = 0x0f
	FrameCan       FrameType = 0x10
	FrameFreeCnt   FrameType = 0x11
	FrameCommand   FrameType = 0x12
)

// Capability flags carried in ZRINIT.F0, exactly as spec.md §6 enumerates.
const (
	CanFDX  = 0x01
	CanOVIO = 0x02
	CanBRK  = 0x04
	CanCRY  = 0x08
	CanLZW  = 0x10
	CanFC32 = 0x20
	EscCtl  = 0x40
	Esc8    = 0x80
)

// Subpacket terminators.
const (
	ZCRCE = 0x68
	ZCRCG = 0x69
	ZCRCQ = 0x6a
	ZCRCW = 0x6b
)

// Header is a decoded ZMODEM frame header: a 4-bit frame type plus a
// 32-bit payload, which is either four discrete bytes (P0..P3) or a
// little-endian position, per spec.md §4.1.
type Header struct {
	Type FrameType
	P0   byte
	P1   byte
	P2   byte
	P3   byte
}

// Position returns the header payload interpreted as a little-endian
// 32-bit file offset (used by ZRPOS/ZDATA/ZEOF).
func (h Header) Position() uint32 {
	return uint32(h.P0) | uint32(h.P1)<<8 | uint32(h.P2)<<16 | uint32(h.P3)<<24
}

// PosHeader builds a Header carrying pos as its little-endian payload.
func PosHeader(t FrameType, pos uint32) Header {
	return Header{Type: t, P0: byte(pos), P1: byte(pos >> 8), P2: byte(pos >> 16), P3: byte(pos >> 24)}
}

// Flags returns F0 (P0) and F1 (P1), the convention ZRINIT/ZSINIT use.
func (h Header) Flags() (f0, f1 byte) { return h.P0, h.P1 }

var hexDigits = "0123456789abcdef"

func hexNibble(b byte) (byte, byte) { return hexDigits[b>>4], hexDigits[b&0xf] }

func unhex(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// escapeTable classifies which bytes must be ZDLE-escaped on the wire.
// escapeAll mirrors spec.md §4.1's "when ESCCTL negotiated" discipline:
// every 0x00-0x1F, 0x7F, 0x80-0x9F, 0xFF byte is escaped, in addition to
// the bytes that are always escaped (ZDLE itself, XON/XOFF, DLE and their
// high-bit forms).
func buildEscapeTable(escapeAll bool) [256]bool {
	var t [256]bool
	t[zdle] = true
	t[0x10] = true // DLE
	t[0x11] = true // XON
	t[0x13] = true // XOFF
	t[0x90] = true
	t[0x91] = true
	t[0x93] = true
	t[0x98] = true
	if escapeAll {
		for i := 0; i < 0x20; i++ {
			t[i] = true
			t[i|0x80] = true
		}
		t[0x7f] = true
		t[0xff] = true
	}
	return t
}

// EscapeEncode ZDLE-escapes buf according to table, appending the result
// to dst and returning it. Satisfies spec.md §8's round-trip property
// together with EscapeDecode.
func EscapeEncode(dst []byte, buf []byte, table [256]bool) []byte {
	for _, b := range buf {
		if table[b] {
			dst = append(dst, zdle, b^0x40)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// EscapeDecode reverses EscapeEncode: it expects a buffer with no partial
// trailing ZDLE sequence (callers read one more byte when they find ZDLE
// as the last byte).
func EscapeDecode(buf []byte) ([]byte, error) {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b == zdle {
			i++
			if i >= len(buf) {
				return nil, fmt.Errorf("truncated zdle escape")
			}
			out = append(out, decodeEscaped(buf[i]))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// decodeEscaped maps a single ZDLE-escaped byte back to its original
// value, handling the ZRUB0/ZRUB1 special cases spec.md §4.1 names.
func decodeEscaped(c byte) byte {
	switch c {
	case 0x6c: // ZRUB0
		return 0x7f
	case 0x6d: // ZRUB1
		return 0xff
	default:
		return c ^ 0x40
	}
}

// readRawByte reads the next raw wire byte, tracking consecutive CAN bytes
// so a remote-initiated cancel (five CANs outside a header) is detected
// per spec.md §4.1.
func readRawByte(ctx context.Context, c conn.Connection, canCount *int) (byte, error) {
	b, err := c.ReadByte(ctx)
	if err != nil {
		return 0, err
	}
	if b == can {
		*canCount++
		if *canCount >= 5 {
			return 0, bbserrors.ErrCancelled
		}
	} else {
		*canCount = 0
	}
	return b, nil
}

// readEscapedByte reads one logical (post-ZDLE-decode) byte from the wire.
func readEscapedByte(ctx context.Context, c conn.Connection, canCount *int) (byte, error) {
	b, err := readRawByte(ctx, c, canCount)
	if err != nil {
		return 0, err
	}
	if b == zdle {
		b2, err := readRawByte(ctx, c, canCount)
		if err != nil {
			return 0, err
		}
		return decodeEscaped(b2), nil
	}
	return b, nil
}

// encodeHeader renders h in the given encoding, ZDLE-escaped, ready to
// write to the wire (including the leading ZPAD/ZDLE/type bytes).
func encodeHeader(h Header, encoding byte, table [256]bool) []byte {
	raw := []byte{byte(h.Type), h.P0, h.P1, h.P2, h.P3}
	out := []byte{zpad, zpad, zdle, encoding}
	switch encoding {
	case encHex:
		for _, b := range raw {
			hi, lo := hexNibble(b)
			out = append(out, hi, lo)
		}
		c := crc.CRC16(raw)
		hi1, lo1 := hexNibble(byte(c >> 8))
		hi2, lo2 := hexNibble(byte(c))
		out = append(out, hi1, lo1, hi2, lo2, '\r', '\n')
	case encBin:
		out = EscapeEncode(out, raw, table)
		c := crc.CRC16Final(crc.CRC16(raw))
		out = EscapeEncode(out, []byte{byte(c >> 8), byte(c)}, table)
	case encBin32:
		out = EscapeEncode(out, raw, table)
		c := crc.CRC32(raw)
		out = EscapeEncode(out, []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}, table)
	}
	return out
}

// decodeHeader reads a full header frame (after the ZPAD/ZPAD/ZDLE
// prefix has already been consumed by the caller) and validates its CRC.
// The encoding byte is returned alongside the header: the encoding of a
// ZFILE/ZDATA/ZSINIT header decides the CRC width of the subpackets that
// follow it (Bin -> 16-bit, Bin32 -> 32-bit).
func decodeHeader(ctx context.Context, c conn.Connection, canCount *int) (Header, byte, error) {
	enc, err := readRawByte(ctx, c, canCount)
	if err != nil {
		return Header{}, 0, err
	}
	var raw [5]byte
	switch enc {
	case encHex:
		for i := range raw {
			hi, err := readRawByte(ctx, c, canCount)
			if err != nil {
				return Header{}, 0, err
			}
			lo, err := readRawByte(ctx, c, canCount)
			if err != nil {
				return Header{}, 0, err
			}
			hiv, err := unhex(hi)
			if err != nil {
				return Header{}, 0, err
			}
			lov, err := unhex(lo)
			if err != nil {
				return Header{}, 0, err
			}
			raw[i] = hiv<<4 | lov
		}
		var crcBuf [2]byte
		for i := range crcBuf {
			hi, _ := readRawByte(ctx, c, canCount)
			lo, _ := readRawByte(ctx, c, canCount)
			hiv, _ := unhex(hi)
			lov, _ := unhex(lo)
			crcBuf[i] = hiv<<4 | lov
		}
		got := uint16(crcBuf[0])<<8 | uint16(crcBuf[1])
		want := crc.CRC16(raw[:])
		if got != want {
			return Header{}, 0, &bbserrors.CrcMismatch{Expected: uint32(want), Got: uint32(got)}
		}
		// trailing CR/LF
		_, _ = readRawByte(ctx, c, canCount)
		_, _ = readRawByte(ctx, c, canCount)
	case encBin:
		for i := range raw {
			b, err := readEscapedByte(ctx, c, canCount)
			if err != nil {
				return Header{}, 0, err
			}
			raw[i] = b
		}
		hi, err := readEscapedByte(ctx, c, canCount)
		if err != nil {
			return Header{}, 0, err
		}
		lo, err := readEscapedByte(ctx, c, canCount)
		if err != nil {
			return Header{}, 0, err
		}
		got := uint16(hi)<<8 | uint16(lo)
		want := crc.CRC16Final(crc.CRC16(raw[:]))
		if got != want {
			return Header{}, 0, &bbserrors.CrcMismatch{Expected: uint32(want), Got: uint32(got)}
		}
	case encBin32:
		for i := range raw {
			b, err := readEscapedByte(ctx, c, canCount)
			if err != nil {
				return Header{}, 0, err
			}
			raw[i] = b
		}
		var crcBuf [4]byte
		for i := range crcBuf {
			b, err := readEscapedByte(ctx, c, canCount)
			if err != nil {
				return Header{}, 0, err
			}
			crcBuf[i] = b
		}
		got := uint32(crcBuf[0]) | uint32(crcBuf[1])<<8 | uint32(crcBuf[2])<<16 | uint32(crcBuf[3])<<24
		want := crc.CRC32(raw[:])
		if got != want {
			return Header{}, 0, &bbserrors.CrcMismatch{Expected: want, Got: got}
		}
	default:
		return Header{}, 0, &bbserrors.UnsupportedFrame{Type: enc}
	}
	return Header{Type: FrameType(raw[0]), P0: raw[1], P1: raw[2], P2: raw[3], P3: raw[4]}, enc, nil
}

// awaitHeader scans for the ZPAD ZPAD ZDLE prefix (skipping noise bytes),
// then decodes the header that follows, returning it with its wire
// encoding. Returns bbserrors.ErrCancelled if 5 consecutive CAN bytes are
// observed outside a header, per spec.md §4.1.
func awaitHeader(ctx context.Context, c conn.Connection) (Header, byte, error) {
	canCount := 0
	state := 0
	for {
		b, err := readRawByte(ctx, c, &canCount)
		if err != nil {
			return Header{}, 0, err
		}
		switch state {
		case 0:
			if b == zpad {
				state = 1
			}
		case 1:
			if b == zpad {
				state = 2
			} else if b != zpad {
				state = 0
			}
		case 2:
			if b == zdle {
				return decodeHeader(ctx, c, &canCount)
			}
			if b == zpad {
				// stay, extra pad
				continue
			}
			state = 0
		}
	}
}
