package terminal

import "strings"

// ParserState identifies where the ANSI state machine is between bytes.
type ParserState int

const (
	StateGround ParserState = iota // Normal character processing
	StateEscape                    // After ESC
	StateCSI                       // Control Sequence Introducer (ESC[)
	StateOSC                       // Operating System Command (ESC])
	StateDCS                       // Device Control String (ESCP)
	StateString                    // String processing state
	StateParam                     // Parameter collection state
)

// GraphicsState tracks current text attributes.
type GraphicsState struct {
	ForegroundColor int
	BackgroundColor int
	Bold            bool
	Dim             bool
	Italic          bool
	Underline       bool
	Blink           bool
	Reverse         bool
	Strikethrough   bool
	DoubleUnderline bool
	Reset           bool
}

// CursorState tracks cursor position and visibility.
type CursorState struct {
	X          int // column, 0-based
	Y          int // row, 0-based
	SavedX     int
	SavedY     int
	Visible    bool
	WrapMode   bool
	OriginMode bool
}

// ScreenState maintains the terminal screen state.
type ScreenState struct {
	Width           int
	Height          int
	ScrollTop       int
	ScrollBottom    int
	TabStops        map[int]bool
	CharacterSet    int
	ApplicationMode bool
}

// ANSIParser feeds a byte stream through the ANSI escape state machine,
// maintaining cursor/graphics/screen state and reporting events (text,
// cursor motion, attribute changes, clears, scrolls) through callbacks.
type ANSIParser struct {
	state       ParserState
	paramBuffer strings.Builder
	params      []int
	private     bool // CSI opened with ?/>/=/<

	graphics GraphicsState
	cursor   CursorState
	screen   ScreenState

	onText     func([]byte)
	onCursor   func(x, y int)
	onGraphics func(GraphicsState)
	onClear    func(mode int)
	onScroll   func(direction int, amount int)
}

// NewANSIParser builds a parser for a width x height screen with DOS
// defaults (white on black, wrap on, tab stops every 8 columns).
func NewANSIParser(width, height int) *ANSIParser {
	p := &ANSIParser{
		state:    StateGround,
		graphics: GraphicsState{ForegroundColor: 7},
		cursor:   CursorState{Visible: true, WrapMode: true},
		screen: ScreenState{
			Width:        width,
			Height:       height,
			ScrollBottom: height - 1,
			TabStops:     make(map[int]bool),
		},
	}
	for i := 8; i < width; i += 8 {
		p.screen.TabStops[i] = true
	}
	return p
}

// SetCallbacks installs the event callbacks; any may be nil.
func (p *ANSIParser) SetCallbacks(
	onText func([]byte),
	onCursor func(x, y int),
	onGraphics func(GraphicsState),
	onClear func(mode int),
	onScroll func(direction int, amount int),
) {
	p.onText = onText
	p.onCursor = onCursor
	p.onGraphics = onGraphics
	p.onClear = onClear
	p.onScroll = onScroll
}

// ParseBytes runs data through the state machine.
func (p *ANSIParser) ParseBytes(data []byte) error {
	for _, b := range data {
		p.parseByte(b)
	}
	return nil
}

func (p *ANSIParser) parseByte(b byte) {
	switch p.state {
	case StateGround:
		p.parseGround(b)
	case StateEscape:
		p.parseEscape(b)
	case StateCSI:
		p.parseCSI(b)
	case StateOSC, StateDCS:
		// Consumed until BEL or ESC terminator; content is ignored.
		if b == 0x07 || b == 0x1B {
			p.state = StateGround
		}
	default:
		p.state = StateGround
	}
}

func (p *ANSIParser) notifyCursor() {
	if p.onCursor != nil {
		p.onCursor(p.cursor.X, p.cursor.Y)
	}
}

func (p *ANSIParser) parseGround(b byte) {
	switch {
	case b == 0x1B:
		p.state = StateEscape
		p.resetSequence()
	case b == 0x08: // backspace
		if p.cursor.X > 0 {
			p.cursor.X--
			p.notifyCursor()
		}
	case b == 0x09: // tab
		p.handleTab()
	case b == 0x0A: // line feed
		p.handleLineFeed()
	case b == 0x0D: // carriage return
		p.cursor.X = 0
		p.notifyCursor()
	case b == 0x07: // bell, nothing to draw
	case b >= 0x20: // printable ASCII and extended/UTF-8 bytes
		if p.onText != nil {
			p.onText([]byte{b})
		}
		p.advanceCursor()
	}
}

func (p *ANSIParser) parseEscape(b byte) {
	p.state = StateGround
	switch b {
	case '[':
		p.state = StateCSI
	case ']':
		p.state = StateOSC
	case 'P':
		p.state = StateDCS
	case '7': // save cursor
		p.cursor.SavedX, p.cursor.SavedY = p.cursor.X, p.cursor.Y
	case '8': // restore cursor
		p.cursor.X, p.cursor.Y = p.cursor.SavedX, p.cursor.SavedY
		p.notifyCursor()
	case 'c': // full reset
		p.resetTerminal()
	case 'D': // index
		p.handleLineFeed()
	case 'E': // next line
		p.cursor.X = 0
		p.handleLineFeed()
	case 'M': // reverse index
		if p.cursor.Y > p.screen.ScrollTop {
			p.cursor.Y--
		} else if p.onScroll != nil {
			p.onScroll(-1, 1)
		}
		p.notifyCursor()
	}
}

func (p *ANSIParser) parseCSI(b byte) {
	switch {
	case b >= '0' && b <= '9' || b == ';':
		p.paramBuffer.WriteByte(b)
	case b == '?' || b == '>' || b == '=' || b == '<':
		p.private = true
	case b >= 0x40 && b <= 0x7E:
		p.collectParams()
		p.executeCSI(b)
		p.state = StateGround
	default:
		// Intermediate bytes of sequences this terminal does not draw.
	}
}

func (p *ANSIParser) resetSequence() {
	p.paramBuffer.Reset()
	p.params = p.params[:0]
	p.private = false
}

func (p *ANSIParser) collectParams() {
	p.params = p.params[:0]
	if p.paramBuffer.Len() == 0 {
		return
	}
	for _, field := range strings.Split(p.paramBuffer.String(), ";") {
		n := 0
		for _, c := range field {
			if c >= '0' && c <= '9' {
				n = n*10 + int(c-'0')
			}
		}
		p.params = append(p.params, n)
	}
}

// param returns the i'th CSI parameter, or def when absent or zero.
func (p *ANSIParser) param(i, def int) int {
	if i < len(p.params) && p.params[i] != 0 {
		return p.params[i]
	}
	return def
}

func (p *ANSIParser) clampCursor() {
	if p.cursor.X < 0 {
		p.cursor.X = 0
	}
	if p.cursor.X >= p.screen.Width {
		p.cursor.X = p.screen.Width - 1
	}
	if p.cursor.Y < 0 {
		p.cursor.Y = 0
	}
	if p.cursor.Y >= p.screen.Height {
		p.cursor.Y = p.screen.Height - 1
	}
}

func (p *ANSIParser) executeCSI(final byte) {
	switch final {
	case 'A': // cursor up
		p.cursor.Y -= p.param(0, 1)
		p.clampCursor()
		p.notifyCursor()
	case 'B': // cursor down
		p.cursor.Y += p.param(0, 1)
		p.clampCursor()
		p.notifyCursor()
	case 'C': // cursor forward
		p.cursor.X += p.param(0, 1)
		p.clampCursor()
		p.notifyCursor()
	case 'D': // cursor backward
		p.cursor.X -= p.param(0, 1)
		p.clampCursor()
		p.notifyCursor()
	case 'H', 'f': // cursor position, 1-based row;col
		p.cursor.Y = p.param(0, 1) - 1
		p.cursor.X = p.param(1, 1) - 1
		p.clampCursor()
		p.notifyCursor()
	case 'J': // erase display
		mode := 0
		if len(p.params) > 0 {
			mode = p.params[0]
		}
		if p.onClear != nil {
			p.onClear(mode)
		}
	case 'K': // erase line; no parser state changes
	case 'm':
		p.handleSGR()
	case 's': // save cursor
		p.cursor.SavedX, p.cursor.SavedY = p.cursor.X, p.cursor.Y
	case 'u': // restore cursor
		p.cursor.X, p.cursor.Y = p.cursor.SavedX, p.cursor.SavedY
		p.notifyCursor()
	case 'r': // set scrolling region
		top := p.param(0, 1)
		bottom := p.param(1, p.screen.Height)
		if bottom > p.screen.Height {
			bottom = p.screen.Height
		}
		p.screen.ScrollTop = top - 1
		p.screen.ScrollBottom = bottom - 1
		p.cursor.X = 0
		p.cursor.Y = p.screen.ScrollTop
		p.notifyCursor()
	}
	p.resetSequence()
}

func (p *ANSIParser) handleSGR() {
	if len(p.params) == 0 {
		p.params = append(p.params, 0)
	}
	for i := 0; i < len(p.params); i++ {
		switch n := p.params[i]; {
		case n == 0:
			p.graphics = GraphicsState{ForegroundColor: 7}
		case n == 1:
			p.graphics.Bold = true
		case n == 2:
			p.graphics.Dim = true
		case n == 3:
			p.graphics.Italic = true
		case n == 4:
			p.graphics.Underline = true
		case n == 5 || n == 6:
			p.graphics.Blink = true
		case n == 7:
			p.graphics.Reverse = true
		case n == 9:
			p.graphics.Strikethrough = true
		case n == 21:
			p.graphics.DoubleUnderline = true
		case n == 22:
			p.graphics.Bold = false
			p.graphics.Dim = false
		case n == 23:
			p.graphics.Italic = false
		case n == 24:
			p.graphics.Underline = false
			p.graphics.DoubleUnderline = false
		case n == 25:
			p.graphics.Blink = false
		case n == 27:
			p.graphics.Reverse = false
		case n == 29:
			p.graphics.Strikethrough = false
		case n >= 30 && n <= 37:
			p.graphics.ForegroundColor = n - 30
		case n == 38: // extended foreground: 38;5;n
			if i+2 < len(p.params) && p.params[i+1] == 5 {
				p.graphics.ForegroundColor = p.params[i+2]
				i += 2
			}
		case n == 39:
			p.graphics.ForegroundColor = 7
		case n >= 40 && n <= 47:
			p.graphics.BackgroundColor = n - 40
		case n == 48: // extended background: 48;5;n
			if i+2 < len(p.params) && p.params[i+1] == 5 {
				p.graphics.BackgroundColor = p.params[i+2]
				i += 2
			}
		case n == 49:
			p.graphics.BackgroundColor = 0
		case n >= 90 && n <= 97: // bright foreground
			p.graphics.ForegroundColor = n - 90 + 8
		case n >= 100 && n <= 107: // bright background
			p.graphics.BackgroundColor = n - 100 + 8
		}
	}
	if p.onGraphics != nil {
		p.onGraphics(p.graphics)
	}
}

func (p *ANSIParser) handleTab() {
	for x := p.cursor.X + 1; x < p.screen.Width; x++ {
		if p.screen.TabStops[x] {
			p.cursor.X = x
			p.notifyCursor()
			return
		}
	}
	p.cursor.X = p.screen.Width - 1
	p.notifyCursor()
}

func (p *ANSIParser) handleLineFeed() {
	if p.cursor.Y < p.screen.ScrollBottom {
		p.cursor.Y++
	} else if p.onScroll != nil {
		p.onScroll(1, 1)
	}
	p.notifyCursor()
}

func (p *ANSIParser) advanceCursor() {
	p.cursor.X++
	if p.cursor.X >= p.screen.Width {
		if p.cursor.WrapMode {
			p.cursor.X = 0
			p.handleLineFeed()
			return
		}
		p.cursor.X = p.screen.Width - 1
	}
	p.notifyCursor()
}

func (p *ANSIParser) resetTerminal() {
	p.graphics = GraphicsState{ForegroundColor: 7}
	p.cursor = CursorState{Visible: true, WrapMode: true}
	p.screen.ScrollTop = 0
	p.screen.ScrollBottom = p.screen.Height - 1
	if p.onGraphics != nil {
		p.onGraphics(p.graphics)
	}
	p.notifyCursor()
}
