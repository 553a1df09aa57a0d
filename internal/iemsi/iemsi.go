// Package iemsi implements the Interactive EMSI auto-login handshake from
// spec.md §4.2/§6: a byte-at-a-time detector for the `**EMSI_xxx` magic
// sequences, an ICI frame emitter, and an ISI frame parser/verifier.
//
// Grounded on spec.md §4.2/§6 (which fixes the literal frame byte strings
// and CRC conventions precisely) and on original_source's icy_net/iemsi
// package for the field layout details the spec leaves implicit (consulted
// conceptually, not line-copied, per the "ground but don't translate"
// rule); wired the way the teacher wires other connection-level parsers -
// a struct built by New(Connection) with explicit Detect and RunServer
// entrypoints, plain
// log.Printf tracing, sentinel errors from internal/bbserrors.
package iemsi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/ansi"
	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
	"github.com/mkrueger/icy-board-sub002/internal/conn"
	"github.com/mkrueger/icy-board-sub002/internal/crc"
)

// Literal frame byte strings, exactly as spec.md §6 enumerates (each
// ending in the CRC16 of the 8 "EMSI_xxx" bytes preceding it).
const (
	FrameINQ = "**EMSI_INQC816\r"
	FrameREQ = "**EMSI_REQA77E\r"
	FrameCLI = "**EMSI_CLIFA8C\r"
	FrameHBT = "**EMSI_HBTEAEE\r"
	FrameACK = "**EMSI_ACKA490\r"
	FrameNAK = "**EMSI_NAKEEC3\r"
	FrameIRQ = "**EMSI_IRQ8E08\r"
	FrameIIR = "**EMSI_IIR61E2\r"
	FrameCHT = "**EMSI_CHTF5D4\r"
)

const maxNakRetries = 2

// ICI is the local system's identification block, sent in reply to IRQ.
type ICI struct {
	Name          string
	Alias         string
	Location      string
	Phones        string
	Birthdate     string
	Password      string
	TermCaps      string
	ProtocolFlags string
	ExtraRequests string
}

// ISI is the remote system's identification block, parsed from an
// EMSI_ISI frame: exactly 8 brace-groups per spec.md §4.2.
type ISI struct {
	BoardName    string
	Location     string
	Operator     string
	LocalTime    string
	Notice       string
	Wait         string
	Capabilities string
	ID           string
}

// Result is what a completed handshake yields to the session kernel.
type Result struct {
	LoggedIn bool
	Remote   ISI
}

// GraphicsMode inspects the remote's advertised ISI capability codes
// (comma-separated tokens such as "ASCII8,ANSI,RIP,NSE,MNU") and returns
// the richest display mode the client claims to support. Falls back to
// ansi.ANSI, the safe default for any terminal that completed an IEMSI
// handshake at all (a pure CTTY client wouldn't understand the ICI/ISI
// frames in the first place).
func (r Result) GraphicsMode() ansi.GraphicsMode {
	best := ansi.ANSI
	for _, tok := range strings.Split(r.Remote.Capabilities, ",") {
		switch strings.ToUpper(strings.TrimSpace(tok)) {
		case "RIP":
			if best < ansi.RIP {
				best = ansi.RIP
			}
		case "AVT":
			if best < ansi.Avatar {
				best = ansi.Avatar
			}
		}
	}
	return best
}

// Handshake runs the IEMSI auto-login sequence over c, consuming input
// bytes exclusively until it either logs in or aborts to the normal login
// path, per spec.md §4.2's ordering guarantee.
type Handshake struct {
	c       conn.Connection
	local   ICI
}

// New creates a Handshake that will offer local as this system's ICI block
// if the remote requests one.
func New(c conn.Connection, local ICI) *Handshake {
	return &Handshake{c: c, local: local}
}

// Detect reads from the connection until it sees FrameIRQ (the caller
// requesting our ICI) or decides no EMSI sequence is present. It returns
// false with a nil error if the stream clearly isn't IEMSI, satisfying spec.md §8's
// "advances without state change" property for non-matching input: the
// returned leftover bytes are handed back to the normal login path.
func (h *Handshake) Detect(ctx context.Context, firstLineTimeout int) (bool, []byte, error) {
	var buf bytes.Buffer
	starCount := 0
	for buf.Len() < 256 {
		b, err := h.c.ReadByte(ctx)
		if err != nil {
			return false, buf.Bytes(), err
		}
		buf.WriteByte(b)
		if b == '*' {
			starCount++
		} else {
			starCount = 0
		}
		if strings.Contains(buf.String(), FrameIRQ) {
			return true, nil, nil
		}
		if b == '\r' || b == '\n' {
			// A full line arrived with no IRQ in it; not an IEMSI caller.
			return false, buf.Bytes(), nil
		}
	}
	return false, buf.Bytes(), nil
}

// RunServer performs the server side of the handshake after Detect has
// consumed an EMSI_IRQ: emit our ICI, parse the caller's ISI if offered,
// and acknowledge it.
func (h *Handshake) RunServer(ctx context.Context) (Result, error) {
	frame := encodeICI(h.local)
	if err := h.c.WriteAll([]byte(frame)); err != nil {
		return Result{}, err
	}

	for attempt := 0; attempt <= maxNakRetries; attempt++ {
		payload, kind, err := h.readNextFrame(ctx)
		if err != nil {
			return Result{}, err
		}
		switch kind {
		case "ISI":
			isi, err := parseISI(payload)
			if err != nil {
				return Result{}, err
			}
			if err := h.c.WriteAll([]byte(FrameACK + FrameACK)); err != nil {
				return Result{}, err
			}
			return Result{LoggedIn: true, Remote: isi}, nil
		case "NAK":
			if attempt == maxNakRetries {
				break
			}
			log.Printf("INFO: iemsi: received NAK, retry %d/%d", attempt+1, maxNakRetries)
			if err := h.c.WriteAll([]byte(frame)); err != nil {
				return Result{}, err
			}
			continue
		case "ACK":
			return Result{LoggedIn: true}, nil
		default:
			log.Printf("WARN: iemsi: unexpected frame %q during handshake", kind)
		}
	}
	if err := h.c.WriteAll([]byte(FrameIIR)); err != nil {
		return Result{}, err
	}
	return Result{LoggedIn: false}, nil
}

// readNextFrame scans for the next recognized EMSI frame on the
// connection and returns its kind and, for variable frames, its decoded
// payload.
func (h *Handshake) readNextFrame(ctx context.Context) ([]byte, string, error) {
	var buf bytes.Buffer
	for buf.Len() < 8192 {
		b, err := h.c.ReadByte(ctx)
		if err != nil {
			return nil, "", err
		}
		buf.WriteByte(b)
		s := buf.String()
		if strings.HasSuffix(s, FrameNAK) {
			return nil, "NAK", nil
		}
		if strings.HasSuffix(s, FrameACK) {
			return nil, "ACK", nil
		}
		if idx := strings.Index(s, "**EMSI_ISI"); idx >= 0 {
			if strings.HasSuffix(s, "\r") {
				payload, err := decodeVariableFrame(s[idx:])
				if err != nil {
					return nil, "", err
				}
				return payload, "ISI", nil
			}
		}
	}
	return nil, "", errors.New("iemsi: no recognized frame within buffer limit")
}

// encodeICI renders an ICI block as `**EMSI_ICI<len><payload><crc32>\r`.
func encodeICI(ici ICI) string {
	payload := "{" + strings.Join([]string{
		escapeField(ici.Name),
		escapeField(ici.Alias),
		escapeField(ici.Location),
		escapeField(ici.Phones),
		escapeField(ici.Birthdate),
		escapeField(ici.Password),
		escapeField(ici.TermCaps),
		escapeField(ici.ProtocolFlags),
		escapeField(ici.ExtraRequests),
	}, "}{") + "}"
	return encodeVariableFrame("ICI", payload)
}

func encodeVariableFrame(kind, payload string) string {
	lenHex := fmt.Sprintf("%04X", len(payload))
	crcVal := crc.CRC32([]byte(payload))
	crcHex := fmt.Sprintf("%08X", crcVal)
	return "**EMSI_" + kind + lenHex + payload + crcHex + "\r"
}

// decodeVariableFrame takes `**EMSI_ISI<len><payload><crc>\r` and returns
// the raw (still brace-escaped) payload after verifying length and CRC32.
func decodeVariableFrame(s string) ([]byte, error) {
	const prefixLen = len("**EMSI_ISI")
	if len(s) < prefixLen+4+8+1 {
		return nil, errors.New("iemsi: frame too short")
	}
	rest := s[prefixLen:]
	lenHex := rest[:4]
	var n int
	if _, err := fmt.Sscanf(lenHex, "%04x", &n); err != nil {
		if _, err2 := fmt.Sscanf(lenHex, "%04X", &n); err2 != nil {
			return nil, bbserrors.ErrInvalidEscape
		}
	}
	rest = rest[4:]
	if len(rest) < n+8+1 {
		return nil, errors.New("iemsi: frame shorter than declared length")
	}
	payload := rest[:n]
	crcHex := rest[n : n+8]
	var want uint32
	if _, err := fmt.Sscanf(crcHex, "%08x", &want); err != nil {
		if _, err2 := fmt.Sscanf(crcHex, "%08X", &want); err2 != nil {
			return nil, bbserrors.ErrBadCrc
		}
	}
	got := crc.CRC32([]byte(payload))
	if got != want {
		return nil, bbserrors.ErrBadCrc
	}
	return []byte(payload), nil
}

// parseISI parses the 8 brace-delimited ISI groups in their fixed order:
// id, name, location, operator, localtime, notice, wait, capabilities.
func parseISI(payload []byte) (ISI, error) {
	fields, err := splitBraceFields(string(payload))
	if err != nil {
		return ISI{}, err
	}
	if len(fields) != 8 {
		return ISI{}, bbserrors.ErrBadFieldCount
	}
	return ISI{
		ID:           unescapeField(fields[0]),
		BoardName:    unescapeField(fields[1]),
		Location:     unescapeField(fields[2]),
		Operator:     unescapeField(fields[3]),
		LocalTime:    unescapeField(fields[4]),
		Notice:       unescapeField(fields[5]),
		Wait:         unescapeField(fields[6]),
		Capabilities: unescapeField(fields[7]),
	}, nil
}

// splitBraceFields splits a `{a}{b}{c}` string into ["a","b","c"]. A `}}`
// escape does not end a field; it is kept as-is for unescapeField to decode.
func splitBraceFields(s string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(s) {
		if s[i] != '{' {
			return nil, errors.New("iemsi: expected '{' starting field")
		}
		i++
		start := i
		var sb strings.Builder
		for i < len(s) {
			if s[i] == '}' {
				if i+1 < len(s) && s[i+1] == '}' {
					sb.WriteString("}}")
					i += 2
					continue
				}
				break
			}
			sb.WriteByte(s[i])
			i++
		}
		if i >= len(s) {
			return nil, fmt.Errorf("iemsi: unterminated field starting at %d", start)
		}
		i++ // consume closing '}'
		fields = append(fields, sb.String())
	}
	return fields, nil
}

// escapeField encodes a single field's content: `}}` for `}`, `\\` for
// `\`, `\HH` for any other byte that isn't printable ASCII.
func escapeField(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '}':
			sb.WriteString("}}")
		case c == '\\':
			sb.WriteString(`\\`)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&sb, `\%02X`, c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// unescapeField reverses escapeField: `}}` and `\\` each become one
// character and `\HH` becomes the byte HH.
func unescapeField(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if (s[i] == '}' || s[i] == '\\') && i+1 < len(s) && s[i+1] == s[i] {
			sb.WriteByte(s[i])
			i++
			continue
		}
		if s[i] == '\\' && i+2 < len(s) {
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &v); err == nil {
				sb.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
