package zmodem

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// runReceiver implements the Rz state table from spec.md §4.1:
// Idle -> Await -> SendZRINIT -> (await header) and the ZFILE/ZDATA/ZEOF/
// ZFIN handling it describes.
func (s *Session) runReceiver(ctx context.Context) error {
	table := buildEscapeTable(s.cfg.EscapeAll)

	if err := s.sendZRInit(table); err != nil {
		return err
	}

	var (
		curFile    *outFile
		curInfo    FileInfo
		curOffset  int64
		errorCount int
	)

	for {
		hdr, enc, err := s.awaitHeader(ctx)
		if err != nil {
			if errors.Is(err, bbserrors.ErrCancelled) {
				return bbserrors.ErrCancelled
			}
			errorCount++
			s.State.incError()
			if errorCount > 3 {
				return bbserrors.ErrTooManyRetries
			}
			if err := s.sendHeader(Header{Type: FrameNak}, table); err != nil {
				return err
			}
			continue
		}
		errorCount = 0
		// Subpacket CRC width follows the header encoding of the frame
		// that introduced it.
		use32 := enc == encBin32

		switch hdr.Type {
		case FrameRQInit:
			if err := s.sendZRInit(table); err != nil {
				return err
			}

		case FrameSInit:
			// ACK the sender's attention-sequence frame; the subpacket body
			// (if any) carries the attention string, which per
			// original_source's protocol/zmodem handling is re-emitted
			// verbatim to the connection after the transfer completes.
			sp, err := readSubpacket(ctx, s.c, 32, use32)
			if err == nil {
				s.attn = sp.body
			}
			if err := s.sendHeader(Header{Type: FrameAck}, table); err != nil {
				return err
			}

		case FrameFile:
			sp, err := readSubpacket(ctx, s.c, 1024, use32)
			if err != nil {
				s.State.incError()
				if err := s.sendHeader(Header{Type: FrameNak}, table); err != nil {
					return err
				}
				continue
			}
			info, err := parseZFileBody(sp.body)
			if err != nil {
				if err := s.sendHeader(Header{Type: FrameFErr}, table); err != nil {
					return err
				}
				continue
			}
			curInfo = info
			w, offset, err := s.handler.AcceptFile(info)
			if errors.Is(err, ErrSkip) {
				if err := s.sendHeader(Header{Type: FrameSkip}, table); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				if err := s.sendHeader(Header{Type: FrameFErr}, table); err != nil {
					return err
				}
				continue
			}
			curFile = &outFile{w: w, written: offset}
			curOffset = offset
			s.State.startFile(info.Name, info.Size)
			if err := s.sendHeader(PosHeader(FrameRPos, uint32(curOffset)), table); err != nil {
				return err
			}

		case FrameData:
			if curFile == nil {
				return bbserrors.ErrZDataBeforeZFile
			}
			announced := int64(hdr.Position())
			if announced > curOffset {
				if err := s.sendHeader(PosHeader(FrameRPos, uint32(curOffset)), table); err != nil {
					return err
				}
				continue
			}
			if announced < curOffset {
				if err := curFile.truncate(announced); err != nil {
					return err
				}
				curOffset = announced
			}

		readData:
			for {
				sp, err := readSubpacket(ctx, s.c, s.cfg.MaxBlockSize*2+16, use32)
				if err != nil {
					var mism *bbserrors.CrcMismatch
					if errors.As(err, &mism) {
						s.State.incError()
						if err := s.sendHeader(PosHeader(FrameRPos, uint32(curOffset)), table); err != nil {
							return err
						}
						break readData
					}
					return err
				}
				n, werr := curFile.write(sp.body)
				curOffset += int64(n)
				s.State.addBytes(int64(n))
				if werr != nil {
					return werr
				}
				s.handler.FileProgress(curInfo, curOffset)
				switch sp.term {
				case ZCRCW, ZCRCQ:
					if err := s.sendHeader(PosHeader(FrameAck, uint32(curOffset)), table); err != nil {
						return err
					}
					if sp.term == ZCRCW {
						break readData
					}
				case ZCRCE:
					break readData
				case ZCRCG:
					// keep reading, no ack
				}
			}

		case FrameEof:
			if curFile == nil {
				continue
			}
			if int64(hdr.Position()) == curFile.size() {
				path := curFile.commit(curInfo.Name)
				s.State.finishFile(path)
				s.handler.FileCompleted(curInfo, curOffset, nil)
				curFile = nil
				if err := s.sendZRInit(table); err != nil {
					return err
				}
			} else {
				if err := s.sendHeader(PosHeader(FrameRPos, uint32(curOffset)), table); err != nil {
					return err
				}
			}

		case FrameFin:
			if err := s.sendHeader(Header{Type: FrameFin}, table); err != nil {
				return err
			}
			// "Over and out", the ack the sender blocks on after its ZFIN.
			if err := s.c.WriteAll([]byte("OO")); err != nil {
				return err
			}
			if len(s.attn) > 0 {
				_ = s.c.WriteAll(s.attn)
			}
			return nil

		case FrameAbort, FrameFErr:
			if err := s.sendHeader(Header{Type: FrameFin}, table); err != nil {
				return err
			}
			return bbserrors.ErrCancelled

		case FrameCommand:
			// Spec.md §9 open question: accept and ignore, never execute.
			_, _ = readSubpacket(ctx, s.c, 4096, use32)
			if err := s.sendHeader(PosHeader(FrameCompl, 0), table); err != nil {
				return err
			}

		default:
			return &bbserrors.UnsupportedFrame{Type: byte(hdr.Type)}
		}
	}
}

func (s *Session) sendZRInit(table [256]bool) error {
	f0 := byte(CanFDX | CanOVIO)
	if s.cfg.Use32BitCRC {
		f0 |= CanFC32
	}
	if s.cfg.EscapeAll {
		f0 |= EscCtl
	}
	return s.sendHeader(Header{Type: FrameRIInit, P0: f0}, table)
}

// sendHeader picks the wire encoding per frame type: data-bearing frames
// (ZFILE/ZDATA) and position acks go binary in the negotiated CRC width,
// which is what tells the peer the CRC size of any subpackets that follow;
// everything else rides the 7-bit-safe hex encoding.
func (s *Session) sendHeader(h Header, table [256]bool) error {
	enc := byte(encHex)
	switch h.Type {
	case FrameFile, FrameData, FrameAck, FrameRPos:
		enc = encBin32
		if !s.cfg.Use32BitCRC {
			enc = encBin
		}
	}
	return s.c.WriteAll(encodeHeader(h, enc, table))
}

// parseZFileBody parses the "filename\0size mtime mode ...\0" body ZFILE
// carries, per spec.md §4.1.
func parseZFileBody(body []byte) (FileInfo, error) {
	nul := indexByte(body, 0)
	if nul < 0 {
		return FileInfo{}, errors.New("zmodem: malformed ZFILE body, no NUL")
	}
	name := string(body[:nul])
	rest := strings.TrimRight(string(body[nul+1:]), "\x00")
	fields := strings.Fields(rest)
	var size int64
	if len(fields) > 0 {
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			size = v
		}
	}
	return FileInfo{Name: name, Size: size}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// outFile is a minimal seek/truncate/write wrapper over the io.WriteCloser
// the FileHandler hands back, tracking the logical offset so ZDATA
// repositioning (spec.md §8's truncate-on-rewind property) works even when
// the underlying writer is append-only (a temp file opened for writing).
// written starts at the resume offset AcceptFile reported, so a restarted
// transfer's size/ZEOF accounting lines up with the bytes already on disk.
type outFile struct {
	w       io.WriteCloser
	written int64
}

func (f *outFile) write(p []byte) (int, error) {
	if sk, ok := f.w.(io.Seeker); ok {
		if _, err := sk.Seek(f.written, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := f.w.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *outFile) truncate(offset int64) error {
	if tr, ok := f.w.(interface{ Truncate(int64) error }); ok {
		if err := tr.Truncate(offset); err != nil {
			return err
		}
	}
	f.written = offset
	return nil
}

func (f *outFile) size() int64 { return f.written }

func (f *outFile) commit(name string) string {
	_ = f.w.Close()
	return name
}
