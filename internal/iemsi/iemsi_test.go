package iemsi

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
)

func TestFieldEscapeRoundTrip(t *testing.T) {
	cases := []string{"SYSOP", "", "a}b", `x\y`, "line\x01two"}
	for _, in := range cases {
		got := unescapeField(escapeField(in))
		if got != in {
			t.Fatalf("round trip failed: in=%q got=%q", in, got)
		}
	}
}

func TestEncodeICIFieldOrder(t *testing.T) {
	frame := encodeICI(ICI{Name: "SYSOP", Password: ""})
	if !strings.HasPrefix(frame, "**EMSI_ICI") {
		t.Fatalf("frame missing ICI prefix: %q", frame)
	}
	braceStart := strings.Index(frame, "{")
	fields, err := splitBraceFields(frame[braceStart : len(frame)-9]) // strip trailing crc32+\r
	if err != nil {
		t.Fatalf("splitBraceFields: %v", err)
	}
	if len(fields) != 9 {
		t.Fatalf("expected 9 ICI fields, got %d", len(fields))
	}
	if fields[0] != "SYSOP" {
		t.Fatalf("field #1 = %q, want SYSOP", fields[0])
	}
	if fields[5] != "" {
		t.Fatalf("field #6 (password) = %q, want empty", fields[5])
	}
}

func TestVariableFrameCrcRoundTrip(t *testing.T) {
	frame := encodeVariableFrame("ISI", "{a}{b}{c}{d}{e}{f}{g}{h}")
	payload, err := decodeVariableFrame(frame)
	if err != nil {
		t.Fatalf("decodeVariableFrame: %v", err)
	}
	if string(payload) != "{a}{b}{c}{d}{e}{f}{g}{h}" {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

func TestHandshakeScenarioIRQToISI(t *testing.T) {
	// Groups in their fixed order: id, name, location, operator,
	// localtime, notice, wait, capabilities.
	isiPayload := "{id}{BBSNAME}{loc}{op}{time}{notice}{wait}{caps}"
	isiFrame := encodeVariableFrame("ISI", isiPayload)

	buf := bytes.NewBuffer([]byte(isiFrame))
	c := conn.NewChannel(buf)
	h := New(c, ICI{Name: "SYSOP", Password: ""})

	res, err := h.RunServer(context.Background())
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	if !res.LoggedIn {
		t.Fatalf("expected LoggedIn true")
	}
	if res.Remote.BoardName != "BBSNAME" {
		t.Fatalf("remote board name = %q, want BBSNAME", res.Remote.BoardName)
	}
}
