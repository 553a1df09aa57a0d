package terminal

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"

	"github.com/mkrueger/icy-board-sub002/internal/ansi"
)

// Position tracks a zero-based column/row cursor location within a rendered screen.
type Position struct {
	X, Y int
}

// TerminalType classifies the connecting client's ANSI/graphics dialect, driving
// the charset and line-drawing fallbacks ArtRenderer picks in determineRenderMode.
type TerminalType int

const (
	TerminalUnknown TerminalType = iota
	TerminalSyncTERM
	TerminalVT100
	TerminalXTerm
	TerminalUTF8
	TerminalANSI
	TerminalAmiga
)

// DetectTerminalType classifies a TERM environment value (or IEMSI/NAWS-reported
// terminal name) into a TerminalType.
func DetectTerminalType(term string) TerminalType {
	t := strings.ToLower(strings.TrimSpace(term))
	switch {
	case strings.Contains(t, "syncterm"):
		return TerminalSyncTERM
	case strings.Contains(t, "amiga"):
		return TerminalAmiga
	case strings.Contains(t, "xterm"):
		return TerminalXTerm
	case strings.Contains(t, "utf"), strings.Contains(t, "unicode"):
		return TerminalUTF8
	case strings.Contains(t, "vt100"), strings.Contains(t, "vt102"), strings.Contains(t, "vt220"):
		return TerminalVT100
	case strings.Contains(t, "ansi"):
		return TerminalANSI
	default:
		return TerminalUnknown
	}
}

// Capabilities describes what a connected terminal can render, derived from its
// PTY window size and reported TERM value. ArtRenderer uses it to pick a charset
// and Terminal's write helpers use it to decide whether to strip color/UTF-8.
type Capabilities struct {
	Width, Height       int
	Term                string
	TerminalType        TerminalType
	SupportsColor       bool
	SupportsUTF8        bool
	SupportsLineDrawing bool
	SupportsMouse       bool
	SupportsResize      bool
	SupportsSyncTERM    bool
	SupportsAmiga       bool
	MaxColors           int
	Font                string
}

// detectCapabilities fills in the derived fields of a Capabilities whose Width,
// Height and Term have already been set, following the same per-TerminalType
// table the teacher's terminal implementation used.
func detectCapabilities(term string) Capabilities {
	termType := DetectTerminalType(term)
	c := Capabilities{
		Term:          term,
		TerminalType:  termType,
		SupportsColor: true,
	}

	termLower := strings.ToLower(term)
	switch termType {
	case TerminalSyncTERM:
		c.SupportsLineDrawing = true
		c.SupportsMouse = true
		c.SupportsSyncTERM = true
		c.MaxColors = 16
	case TerminalVT100:
		c.SupportsLineDrawing = true
		c.MaxColors = 8
	case TerminalXTerm:
		c.SupportsUTF8 = true
		c.SupportsLineDrawing = true
		c.SupportsMouse = true
		if strings.Contains(termLower, "256color") {
			c.MaxColors = 256
		} else {
			c.MaxColors = 16
		}
	case TerminalUTF8:
		c.SupportsUTF8 = true
		c.SupportsLineDrawing = true
		c.SupportsMouse = true
		c.MaxColors = 256
	case TerminalANSI:
		c.SupportsLineDrawing = true
		c.MaxColors = 16
	case TerminalAmiga:
		c.SupportsAmiga = true
		c.MaxColors = 16
		c.Font = "Topaz"
	default:
		c.SupportsUTF8 = strings.Contains(termLower, "utf") || strings.Contains(termLower, "unicode")
		c.MaxColors = 8
	}
	return c
}

// SAUCEInfo holds the metadata record a ".ANS" art file may carry in its
// trailing 128-byte SAUCE block, as parsed by ArtRenderer.ParseSAUCE.
type SAUCEInfo struct {
	Version  string
	Title    string
	Author   string
	Group    string
	Date     time.Time
	FileSize int
	DataType int
	FileType int
	TInfo1   int
	TInfo2   int
	TInfo3   int
	TInfo4   int
	Comments []string

	IceColors bool
	NonBlink  bool
}

// Terminal is a capability-aware BBS terminal: it wraps a session (or generic
// writer) with the encoding/color fallbacks described by its Capabilities, the
// way writer.go's Write* helpers expect.
type Terminal struct {
	session      ssh.Session
	writer       io.Writer
	reader       *bufio.Reader
	outputMode   ansi.OutputMode
	capabilities Capabilities
}

// NewTerminal builds a Terminal from an SSH/telnet session, deriving
// Capabilities from its PTY window size and TERM value when a PTY was granted.
func NewTerminal(session ssh.Session) *Terminal {
	pty, _, hasPTY := session.Pty()

	var caps Capabilities
	if hasPTY {
		caps = detectCapabilities(pty.Term)
		caps.Width, caps.Height = pty.Window.Width, pty.Window.Height
		caps.SupportsResize = true
	} else {
		caps = Capabilities{Width: 80, Height: 25, Term: "unknown", TerminalType: TerminalUnknown}
	}

	outputMode := ansi.OutputModeUTF8
	if !caps.SupportsUTF8 {
		outputMode = ansi.OutputModeCP437
	}

	return &Terminal{
		session:      session,
		writer:       session,
		reader:       bufio.NewReader(session),
		outputMode:   outputMode,
		capabilities: caps,
	}
}

// NewTerminalFromWriter builds a Terminal around a plain writer (no session to
// read input from), using conservative 80x25 capabilities.
func NewTerminalFromWriter(writer io.Writer, outputMode ansi.OutputMode) *Terminal {
	return &Terminal{
		writer:       writer,
		outputMode:   outputMode,
		capabilities: Capabilities{Width: 80, Height: 25, Term: "generic", TerminalType: TerminalUnknown},
	}
}

// GetCapabilities returns the terminal's detected rendering capabilities.
func (t *Terminal) GetCapabilities() Capabilities {
	return t.capabilities
}

// GetOutputMode returns the terminal's active character encoding mode.
func (t *Terminal) GetOutputMode() ansi.OutputMode {
	return t.outputMode
}

// GetDimensions returns the terminal's current width and height in characters.
func (t *Terminal) GetDimensions() (int, int) {
	return t.capabilities.Width, t.capabilities.Height
}

// Write sends raw bytes directly to the underlying writer.
func (t *Terminal) Write(data []byte) (int, error) {
	return t.writer.Write(data)
}

// ReadLine reads a CRLF/LF-terminated line of input from the session.
func (t *Terminal) ReadLine() (string, error) {
	if t.reader == nil {
		return "", io.EOF
	}
	line, err := t.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
