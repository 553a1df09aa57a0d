package zmodem

import (
	"bytes"
	"context"
	"testing"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
)

func TestEscapeRoundTrip(t *testing.T) {
	for _, escapeAll := range []bool{false, true} {
		table := buildEscapeTable(escapeAll)
		input := []byte{0x00, 0x01, 0x10, 0x11, 0x13, 0x18, 0x7e, 0x7f, 0x80, 0x90, 0xff, 'h', 'i'}
		enc := EscapeEncode(nil, input, table)
		dec, err := EscapeDecode(enc)
		if err != nil {
			t.Fatalf("escapeAll=%v: decode error: %v", escapeAll, err)
		}
		if !bytes.Equal(dec, input) {
			t.Fatalf("escapeAll=%v: round trip mismatch: got %x want %x", escapeAll, dec, input)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	table := buildEscapeTable(false)
	for _, enc := range []byte{encHex, encBin, encBin32} {
		h := Header{Type: FrameData, P0: 0x01, P1: 0x02, P2: 0x03, P3: 0x04}
		wire := encodeHeader(h, enc, table)

		// Strip the ZPAD ZPAD ZDLE prefix the way awaitHeader's caller
		// would have already consumed it, leaving decodeHeader to parse
		// the encoding byte onward.
		body := wire[3:]
		c := conn.NewChannel(bytes.NewBuffer(body))
		got, gotEnc, err := decodeHeader(context.Background(), c, new(int))
		if err != nil {
			t.Fatalf("enc=%d: decode error: %v", enc, err)
		}
		if got != h {
			t.Fatalf("enc=%d: round trip mismatch: got %+v want %+v", enc, got, h)
		}
		if gotEnc != enc {
			t.Fatalf("enc=%d: decoded encoding %d", enc, gotEnc)
		}
	}
}

func TestPositionRoundTrip(t *testing.T) {
	h := PosHeader(FrameRPos, 123456)
	if h.Position() != 123456 {
		t.Fatalf("position round trip: got %d want 123456", h.Position())
	}
}
