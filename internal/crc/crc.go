// Package crc implements the CRC-16 (XMODEM polynomial) and CRC-32 (IEEE,
// inverted output) checksums the ZMODEM engine and the IEMSI handshake
// frame against, plus the ZDLE escape/unescape coder they both ride on.
//
// Grounded on _examples/xx25-go-zmodem (frame.go/subpacket.go/escape.go use
// these exact semantics; its own crc.go was not present in the retrieved
// set, so the table-driven CRC-16 below is a standard XMODEM/CRC-16/CCITT-FALSE
// implementation, poly 0x1021, init 0, no final xor, matching the
// round-trip vectors in crc_test.go) and on spec.md §6, which fixes CRC-32
// to stdlib-compatible IEEE with inverted output, so CRC32 here is a thin
// wrapper over hash/crc32.
package crc

import "hash/crc32"

const poly16 = 0x1021

var table16 [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly16
			} else {
				crc <<= 1
			}
		}
		table16[i] = crc
	}
}

// CRC16 computes the XMODEM-style CRC-16 (poly 0x1021, init 0) over buf.
func CRC16(buf []byte) uint16 {
	return UpdateCRC16(0, buf)
}

// UpdateCRC16 extends an in-progress CRC-16 with more bytes, satisfying the
// incremental property crc(a++b) == UpdateCRC16(crc(a), b).
func UpdateCRC16(crc uint16, buf []byte) uint16 {
	for _, b := range buf {
		crc = (crc << 8) ^ table16[byte(crc>>8)^b]
	}
	return crc
}

// CRC16Final folds in the two trailing zero bytes ZMODEM finalizes a running
// CRC-16 with, returning the wire value.
func CRC16Final(crc uint16) uint16 {
	crc = UpdateCRC16(crc, []byte{0, 0})
	return crc
}

// CRC32 computes IEEE CRC-32 (the polynomial Go's hash/crc32 uses by
// default) with the standard bit-inverted output.
func CRC32(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// UpdateCRC32 extends an in-progress CRC-32. crc32.Update already undoes
// the output inversion internally between calls, so this matches the
// incremental property required by spec.md §8.
func UpdateCRC32(crc uint32, buf []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, buf)
}
