package terminal

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// CharsetType identifies the character encoding a caller's terminal speaks.
type CharsetType int

const (
	CharsetCP437    CharsetType = iota // IBM Code Page 437 (DOS)
	CharsetISO88591                    // ISO 8859-1 (Latin-1)
	CharsetUTF8                        // UTF-8 Unicode
	CharsetKOI8R                       // KOI8-R (Russian)
	CharsetAmiga                       // Amiga character set (Latin-1 glyphs)
	CharsetATASCII                     // Atari ASCII
)

// cp437ControlGlyphs maps the low CP437 range to the DOS display glyphs
// (smiley faces, card suits, arrows) instead of the C0 control characters
// x/text's codec decodes them to. BBS art relies on these.
var cp437ControlGlyphs = [32]rune{
	0x0000, 0x263A, 0x263B, 0x2665, 0x2666, 0x2663, 0x2660, 0x2022,
	0x25D8, 0x25CB, 0x25D9, 0x2642, 0x2640, 0x266A, 0x266B, 0x263C,
	0x25BA, 0x25C4, 0x2195, 0x203C, 0x00B6, 0x00A7, 0x25AC, 0x21A8,
	0x2191, 0x2193, 0x2192, 0x2190, 0x221F, 0x2194, 0x25B2, 0x25BC,
}

// CP437ToUnicodeTable is the full CP437 display mapping: the printable and
// high ranges come from x/text's CodePage437 codec, the control range from
// cp437ControlGlyphs, and 0x7F is the house glyph.
var CP437ToUnicodeTable [256]rune

// Cp437ToUnicode is the name older callers index the same table by.
var Cp437ToUnicode = &CP437ToUnicodeTable

// AmigaToUnicodeTable maps Amiga (Latin-1) bytes to runes, via x/text's
// ISO8859_1 codec.
var AmigaToUnicodeTable [256]rune

// UnicodeToCP437Table and UnicodeToAmigaTable are the reverse lookups,
// built once at init.
var (
	UnicodeToCP437Table map[rune]byte
	UnicodeToAmigaTable map[rune]byte
)

func init() {
	for i := 0; i < 256; i++ {
		CP437ToUnicodeTable[i] = charmap.CodePage437.DecodeByte(byte(i))
		AmigaToUnicodeTable[i] = charmap.ISO8859_1.DecodeByte(byte(i))
	}
	for i, r := range cp437ControlGlyphs {
		CP437ToUnicodeTable[i] = r
	}
	CP437ToUnicodeTable[0x7F] = 0x2302

	UnicodeToCP437Table = make(map[rune]byte, 256)
	UnicodeToAmigaTable = make(map[rune]byte, 256)
	for i := 255; i >= 0; i-- {
		UnicodeToCP437Table[CP437ToUnicodeTable[i]] = byte(i)
		UnicodeToAmigaTable[AmigaToUnicodeTable[i]] = byte(i)
	}
}

// VT100LineDrawingTable maps box-drawing runes to the VT100 alternate
// character set, for terminals with no Unicode but DEC line drawing.
var VT100LineDrawingTable = map[rune]rune{
	0x2500: 'q', // horizontal
	0x2502: 'x', // vertical
	0x250C: 'l', // top-left
	0x2510: 'k', // top-right
	0x2514: 'm', // bottom-left
	0x2518: 'j', // bottom-right
	0x251C: 't', // left tee
	0x2524: 'u', // right tee
	0x252C: 'w', // top tee
	0x2534: 'v', // bottom tee
	0x253C: 'n', // cross
	0x2591: 'a', // shades approximate to checkerboard
	0x2592: 'a',
	0x2593: 'a',
	0x25A0: 'a',
}

// ASCIIFallbackTable substitutes 7-bit approximations for the CP437 glyphs
// a bare ASCII terminal cannot show.
var ASCIIFallbackTable = map[rune]rune{
	0x2500: '-', 0x2502: '|', 0x250C: '+', 0x2510: '+',
	0x2514: '+', 0x2518: '+', 0x251C: '+', 0x2524: '+',
	0x252C: '+', 0x2534: '+', 0x253C: '+',
	0x2550: '=', 0x2551: '|', 0x2554: '+', 0x2557: '+',
	0x255A: '+', 0x255D: '+', 0x2560: '+', 0x2563: '+',
	0x2566: '+', 0x2569: '+', 0x256C: '+',
	0x2591: '.', 0x2592: ':', 0x2593: '#', 0x2588: '#',
	0x2584: '_', 0x258C: '|', 0x2590: '|', 0x2580: '^',
	0x263A: ':', 0x263B: ':', 0x2665: '*', 0x2666: '*',
	0x2663: '*', 0x2660: '*', 0x2022: '*', 0x25CB: 'o',
	0x25BA: '>', 0x25C4: '<', 0x2195: '|', 0x2191: '^',
	0x2193: 'v', 0x2192: '>', 0x2190: '<', 0x266A: '?',
	0x266B: '?',
}

// CharsetHandler converts board output between the native CP437/Amiga byte
// streams and what the caller's terminal can display.
type CharsetHandler struct {
	currentCharset CharsetType
	fallbackMode   bool // substitute ASCII for unshowable glyphs
	vt100Mode      bool // use DEC line drawing for box characters
}

func NewCharsetHandler() *CharsetHandler {
	return &CharsetHandler{currentCharset: CharsetCP437}
}

func (c *CharsetHandler) SetCharset(charset CharsetType) { c.currentCharset = charset }
func (c *CharsetHandler) SetFallbackMode(enabled bool)   { c.fallbackMode = enabled }
func (c *CharsetHandler) SetVT100Mode(enabled bool)      { c.vt100Mode = enabled }

// ConvertCP437ToUTF8 converts CP437 bytes to a UTF-8 string, applying the
// VT100 line-drawing and ASCII-fallback modes when enabled.
func (c *CharsetHandler) ConvertCP437ToUTF8(data []byte) string {
	var result strings.Builder
	result.Grow(len(data) * 2)
	for _, b := range data {
		r := CP437ToUnicodeTable[b]
		if c.vt100Mode {
			if vt, ok := VT100LineDrawingTable[r]; ok {
				result.WriteString("\x0E")
				result.WriteRune(vt)
				result.WriteString("\x0F")
				continue
			}
		}
		if c.fallbackMode {
			if fb, ok := ASCIIFallbackTable[r]; ok {
				result.WriteRune(fb)
				continue
			}
		}
		result.WriteRune(r)
	}
	return result.String()
}

// ConvertCP437ByteToUTF8 converts one CP437 byte, honoring fallback mode.
func (c *CharsetHandler) ConvertCP437ByteToUTF8(b byte) rune {
	r := CP437ToUnicodeTable[b]
	if c.fallbackMode {
		if fb, ok := ASCIIFallbackTable[r]; ok {
			return fb
		}
	}
	return r
}

// ConvertToVT100LineDrawing rewrites box-drawing runes as DEC alternate
// charset sequences, batching runs under one SO/SI pair.
func (c *CharsetHandler) ConvertToVT100LineDrawing(text string) string {
	var result strings.Builder
	drawing := false
	for _, r := range text {
		if vt, ok := VT100LineDrawingTable[r]; ok {
			if !drawing {
				result.WriteString("\x0E")
				drawing = true
			}
			result.WriteRune(vt)
			continue
		}
		if drawing {
			result.WriteString("\x0F")
			drawing = false
		}
		result.WriteRune(r)
	}
	if drawing {
		result.WriteString("\x0F")
	}
	return result.String()
}

// ConvertAmigaToUTF8 converts Amiga (Latin-1) bytes to a UTF-8 string.
func (c *CharsetHandler) ConvertAmigaToUTF8(data []byte) string {
	var result strings.Builder
	result.Grow(len(data) * 2)
	for _, b := range data {
		result.WriteRune(c.ConvertAmigaByteToUTF8(b))
	}
	return result.String()
}

// ConvertAmigaByteToUTF8 converts one Amiga byte, honoring fallback mode.
func (c *CharsetHandler) ConvertAmigaByteToUTF8(b byte) rune {
	r := AmigaToUnicodeTable[b]
	if c.fallbackMode {
		if fb, ok := ASCIIFallbackTable[r]; ok {
			return fb
		}
	}
	return r
}

// pipeCodeTable maps ViSiON-style |XX codes to ANSI sequences: DOS colors
// 00-15, backgrounds B0-B7, and a few control shorthands.
var pipeCodeTable = map[string]string{
	"00": "\x1b[30m", "01": "\x1b[34m", "02": "\x1b[32m", "03": "\x1b[36m",
	"04": "\x1b[31m", "05": "\x1b[35m", "06": "\x1b[33m", "07": "\x1b[37m",
	"08": "\x1b[1;30m", "09": "\x1b[1;34m", "10": "\x1b[1;32m", "11": "\x1b[1;36m",
	"12": "\x1b[1;31m", "13": "\x1b[1;35m", "14": "\x1b[1;33m", "15": "\x1b[1;37m",
	"B0": "\x1b[40m", "B1": "\x1b[44m", "B2": "\x1b[42m", "B3": "\x1b[46m",
	"B4": "\x1b[41m", "B5": "\x1b[45m", "B6": "\x1b[43m", "B7": "\x1b[47m",
	"RS": "\x1b[0m", "CL": "\x1b[2J\x1b[H", "CR": "\r", "LF": "\n",
	"BL": "\x1b[5m", "RV": "\x1b[7m",
}

// ProcessPipeCodes expands |XX pipe codes into ANSI sequences, leaving
// unrecognized codes (and bare pipes) untouched.
func (c *CharsetHandler) ProcessPipeCodes(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	result := make([]byte, 0, len(data)*2)
	i := 0
	for i < len(data) {
		if data[i] == '|' && i+2 < len(data) {
			if seq, ok := pipeCodeTable[string(data[i+1:i+3])]; ok {
				result = append(result, seq...)
				i += 3
				continue
			}
		}
		result = append(result, data[i])
		i++
	}
	return result
}

// ProcessAmigaContent prepares board output for an Amiga terminal: pipe
// codes expand as usual, then Amiga font and color escapes are rewritten
// for a modern emulator.
func (c *CharsetHandler) ProcessAmigaContent(data []byte) []byte {
	if c.currentCharset != CharsetAmiga {
		return data
	}
	return c.processAmigaEscapes(c.ProcessPipeCodes(data))
}

// amigaFontNames maps \x1bF<n> font-select codes to emulator font names.
var amigaFontNames = map[byte]string{
	'0': "Topaz",
	'1': "Topaz11",
	'2': "Microknight",
	'3': "MicroKnight+",
}

// processAmigaEscapes rewrites Amiga-specific font (\x1bF<n>) and color
// (\x1bc<n>) escapes into their xterm equivalents.
func (c *CharsetHandler) processAmigaEscapes(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	result := make([]byte, 0, len(data)*2)
	i := 0
	for i < len(data) {
		if data[i] == '\x1b' && i+2 < len(data) {
			switch data[i+1] {
			case 'F':
				if name, ok := amigaFontNames[data[i+2]]; ok {
					result = append(result, "\x1b]50;"...)
					result = append(result, name...)
					result = append(result, '\x07')
					i += 3
					continue
				}
			case 'c':
				if n := data[i+2]; n >= '0' && n <= '9' {
					result = append(result, c.amigaColorToANSI(n)...)
					i += 3
					continue
				}
			}
		}
		result = append(result, data[i])
		i++
	}
	return result
}

// amigaColorToANSI maps the 10 Amiga palette codes onto the DOS color set.
func (c *CharsetHandler) amigaColorToANSI(colorCode byte) string {
	switch {
	case colorCode <= '7':
		return pipeCodeTable[string([]byte{'0', colorCode})]
	case colorCode == '8':
		return "\x1b[1;30m"
	case colorCode == '9':
		return "\x1b[1;34m"
	default:
		return "\x1b[0m"
	}
}
