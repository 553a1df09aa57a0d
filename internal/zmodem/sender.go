package zmodem

import (
	"context"
	"errors"
	"io"

	"github.com/mkrueger/icy-board-sub002/internal/bbserrors"
)

// runSender implements the Sz state table from spec.md §4.1: negotiate
// ZRINIT, then for each file offered by the handler send ZFILE, wait for
// ZRPOS/ZSKIP, stream ZDATA subpackets (halving block size on repeated
// ZRPOS, floor 512 per spec.md §8), ZEOF, and finally ZFIN.
func (s *Session) runSender(ctx context.Context) error {
	table := buildEscapeTable(s.cfg.EscapeAll)

	if err := s.sendHeader(Header{Type: FrameRQInit}, table); err != nil {
		return err
	}

	rinit, err := s.awaitRInit(ctx)
	if err != nil {
		return err
	}
	// Cache the receiver's capability flags: CRC width and escaping
	// discipline both follow what ZRINIT advertised.
	s.cfg.Use32BitCRC = s.cfg.Use32BitCRC && rinit.P0&CanFC32 != 0
	if rinit.P0&EscCtl != 0 && !s.cfg.EscapeAll {
		s.cfg.EscapeAll = true
		table = buildEscapeTable(true)
	}

	blockSize := s.cfg.MaxBlockSize

	for {
		offer := s.handler.NextFile()
		if offer == nil {
			break
		}
		if err := s.sendOneFile(ctx, offer, table, &blockSize); err != nil {
			if errors.Is(err, bbserrors.ErrCancelled) {
				return err
			}
			s.State.incError()
			s.handler.FileCompleted(FileInfo{Name: offer.Name, Size: offer.Size}, s.State.BytesTransfered, err)
			continue
		}
	}

	if err := s.sendHeader(Header{Type: FrameFin}, table); err != nil {
		return err
	}
	// The receiver answers ZFIN with its own ZFIN followed by the "OO"
	// over-and-out ack, which we block on per spec.md §4.1.
	hdr, _, err := s.awaitHeader(ctx)
	if err != nil {
		return err
	}
	if hdr.Type == FrameFin {
		_, _ = s.c.ReadByte(ctx)
		_, _ = s.c.ReadByte(ctx)
	}
	return nil
}

func (s *Session) awaitRInit(ctx context.Context) (Header, error) {
	for retries := 0; retries < s.cfg.MaxRetries; retries++ {
		hdr, _, err := s.awaitHeader(ctx)
		if err != nil {
			if errors.Is(err, bbserrors.ErrCancelled) {
				return Header{}, err
			}
			continue
		}
		if hdr.Type == FrameRIInit {
			return hdr, nil
		}
	}
	return Header{}, bbserrors.ErrTooManyRetries
}

func (s *Session) sendOneFile(ctx context.Context, offer *FileOffer, table [256]bool, blockSize *int) error {
	info := FileInfo{Name: offer.Name, Size: offer.Size, ModTime: offer.ModTime}
	s.State.startFile(info.Name, info.Size)

	body := append([]byte(offer.Name), 0)
	body = append(body, []byte(itoa(offer.Size))...)
	if err := s.sendZFile(body, table); err != nil {
		return err
	}

	// Await the receiver's verdict on the offer. A ZRINIT here is a stale
	// answer to our ZRQINIT still in flight (both sides open the session
	// by transmitting), not a position, keep waiting for ZRPOS/ZSKIP.
	var offset int64
	havePos := false
	for tries := 0; tries < s.cfg.MaxRetries*4 && !havePos; tries++ {
		hdr, _, err := s.awaitHeader(ctx)
		if err != nil {
			return err
		}
		switch hdr.Type {
		case FrameRPos:
			offset = int64(hdr.Position())
			havePos = true
		case FrameSkip:
			return nil
		case FrameAbort, FrameFErr:
			return bbserrors.ErrCancelled
		}
	}
	if !havePos {
		return bbserrors.ErrTooManyRetries
	}

	seeker, canSeek := offer.Reader.(io.ReadSeeker)

	for attempt := 0; ; attempt++ {
		if attempt >= s.cfg.MaxRetries {
			return bbserrors.ErrTooManyRetries
		}
		if offset != 0 {
			if !canSeek {
				return errors.New("zmodem: receiver requested resume but file is not seekable")
			}
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return err
			}
		} else if canSeek && attempt > 0 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}

		newOffset, err := s.sendData(ctx, offer, table, offset, *blockSize)
		if err != nil {
			return err
		}
		offset = newOffset

		if err := s.sendHeader(PosHeader(FrameEof, uint32(offer.Size)), table); err != nil {
			return err
		}
		confirm, _, err := s.awaitHeader(ctx)
		if err != nil {
			return err
		}
		switch confirm.Type {
		case FrameRIInit:
			s.State.finishFile(offer.Name)
			s.handler.FileCompleted(info, offset, nil)
			return nil
		case FrameRPos:
			// Receiver is repositioning (crash restart or CRC failure):
			// seek to its offset, halve the block size, stream again.
			offset = int64(confirm.Position())
			if *blockSize > 512 {
				*blockSize /= 2
				if *blockSize < 512 {
					*blockSize = 512
				}
			}
		default:
			return errors.New("zmodem: receiver did not confirm ZEOF with ZRINIT")
		}
	}
}

// sendData emits one ZDATA frame starting at offset and streams the rest
// of the file as ZCRCG subpackets, closing with ZCRCE on the final block
// (or a bare ZCRCW wait-ack packet when there is nothing to send), per
// spec.md §4.1's terminator-choice table.
func (s *Session) sendData(ctx context.Context, offer *FileOffer, table [256]bool, offset int64, blockSize int) (int64, error) {
	if err := s.sendHeader(PosHeader(FrameData, uint32(offset)), table); err != nil {
		return offset, err
	}
	info := FileInfo{Name: offer.Name, Size: offer.Size, ModTime: offer.ModTime}

	if offer.Size-offset <= 0 {
		// Remaining = 0: a single empty ZCRCW subpacket, acked before ZEOF.
		if err := writeSubpacket(s.c, nil, ZCRCW, table, s.cfg.Use32BitCRC); err != nil {
			return offset, err
		}
		hdr, _, err := s.awaitHeader(ctx)
		if err != nil {
			return offset, err
		}
		if hdr.Type == FrameRPos {
			return int64(hdr.Position()), nil
		}
		return offset, nil
	}

	buf := make([]byte, blockSize)
	for offset < offer.Size {
		n, rerr := io.ReadFull(offer.Reader, buf)
		if n > 0 {
			term := byte(ZCRCG)
			if offset+int64(n) >= offer.Size {
				term = ZCRCE
			}
			if err := writeSubpacket(s.c, buf[:n], term, table, s.cfg.Use32BitCRC); err != nil {
				return offset, err
			}
			offset += int64(n)
			s.State.addBytes(int64(n))
			s.handler.FileProgress(info, offset)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return offset, rerr
		}
	}
	return offset, nil
}

func (s *Session) sendZFile(body []byte, table [256]bool) error {
	if err := s.sendHeader(Header{Type: FrameFile}, table); err != nil {
		return err
	}
	return writeSubpacket(s.c, body, ZCRCW, table, s.cfg.Use32BitCRC)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
