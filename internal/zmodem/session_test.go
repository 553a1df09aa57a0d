package zmodem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
)

// pipeBuf is one direction of an in-memory duplex link: an unbounded
// buffer with blocking reads, so the sender and receiver state machines
// can run full-duplex in two goroutines without the lockstep deadlock a
// net.Pipe would impose.
type pipeBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuf() *pipeBuf {
	p := &pipeBuf{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeBuf) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *pipeBuf) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.buf.Write(b)
	p.cond.Broadcast()
	return n, err
}

func (p *pipeBuf) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

type duplexEnd struct {
	in  *pipeBuf
	out *pipeBuf
}

func (d duplexEnd) Read(b []byte) (int, error)  { return d.in.Read(b) }
func (d duplexEnd) Write(b []byte) (int, error) { return d.out.Write(b) }

func duplexPair() (duplexEnd, duplexEnd) {
	a := newPipeBuf()
	b := newPipeBuf()
	return duplexEnd{in: a, out: b}, duplexEnd{in: b, out: a}
}

// sendQueue offers a fixed list of files.
type sendQueue struct {
	offers []*FileOffer
}

func (q *sendQueue) NextFile() *FileOffer {
	if len(q.offers) == 0 {
		return nil
	}
	o := q.offers[0]
	q.offers = q.offers[1:]
	return o
}

func (q *sendQueue) AcceptFile(FileInfo) (io.WriteCloser, int64, error) { return nil, 0, ErrSkip }
func (q *sendQueue) FileProgress(FileInfo, int64)                       {}
func (q *sendQueue) FileCompleted(FileInfo, int64, error)               {}

// recvDir accepts every offered file into dir, optionally pre-seeding a
// partial temp file to exercise crash-restart resume.
type recvDir struct {
	dir     string
	partial []byte // pre-existing bytes, reported back as the resume offset
}

func (r *recvDir) NextFile() *FileOffer { return nil }

func (r *recvDir) AcceptFile(info FileInfo) (io.WriteCloser, int64, error) {
	path := filepath.Join(r.dir, filepath.Base(info.Name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, err
	}
	if len(r.partial) > 0 {
		if _, err := f.Write(r.partial); err != nil {
			f.Close()
			return nil, 0, err
		}
	}
	return f, int64(len(r.partial)), nil
}

func (r *recvDir) FileProgress(FileInfo, int64)         {}
func (r *recvDir) FileCompleted(FileInfo, int64, error) {}

func runBothEnds(t *testing.T, send, recv *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- send.Send(ctx) }()
	if err := recv.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestReceiveSingleFile(t *testing.T) {
	left, right := duplexPair()
	dir := t.TempDir()

	content := []byte("hello")
	sq := &sendQueue{offers: []*FileOffer{{
		Name:   "hello.txt",
		Size:   int64(len(content)),
		Reader: bytes.NewReader(content),
	}}}
	rd := &recvDir{dir: dir}

	send := NewSession(conn.NewChannel(left), sq, &Config{Use32BitCRC: true})
	recv := NewSession(conn.NewChannel(right), rd, &Config{Use32BitCRC: true})

	runBothEnds(t, send, recv)

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("received %q, want %q", got, content)
	}
	if recv.State.Errors != 0 {
		t.Fatalf("receiver errors = %d, want 0", recv.State.Errors)
	}
	if len(recv.State.FinishedFiles) != 1 {
		t.Fatalf("finished files = %d, want 1", len(recv.State.FinishedFiles))
	}
	if recv.State.BytesTransfered != 5 {
		t.Fatalf("bytes transferred = %d, want 5", recv.State.BytesTransfered)
	}
}

func TestReceiveRestartResumesAtOffset(t *testing.T) {
	left, right := duplexPair()
	dir := t.TempDir()

	source := make([]byte, 8192)
	for i := range source {
		source[i] = byte(i*7 + 3)
	}
	sq := &sendQueue{offers: []*FileOffer{{
		Name:   "restart.bin",
		Size:   int64(len(source)),
		Reader: bytes.NewReader(source),
	}}}
	// Simulate a crashed prior transfer: 2048 bytes already on disk, so
	// the receiver answers ZFILE with ZRPOS(2048) and the sender must
	// seek there and resume.
	rd := &recvDir{dir: dir, partial: append([]byte{}, source[:2048]...)}

	send := NewSession(conn.NewChannel(left), sq, nil)
	recv := NewSession(conn.NewChannel(right), rd, nil)

	runBothEnds(t, send, recv)

	got, err := os.ReadFile(filepath.Join(dir, "restart.bin"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(got, source) {
		t.Fatalf("resumed file does not match source (len got %d want %d)", len(got), len(source))
	}
	if send.State.BytesTransfered != int64(len(source)-2048) {
		t.Fatalf("sender transferred %d bytes, want %d", send.State.BytesTransfered, len(source)-2048)
	}
}

func TestReceiveEmptyFile(t *testing.T) {
	left, right := duplexPair()
	dir := t.TempDir()

	sq := &sendQueue{offers: []*FileOffer{{
		Name:   "empty.dat",
		Size:   0,
		Reader: bytes.NewReader(nil),
	}}}
	rd := &recvDir{dir: dir}

	send := NewSession(conn.NewChannel(left), sq, &Config{Use32BitCRC: true})
	recv := NewSession(conn.NewChannel(right), rd, &Config{Use32BitCRC: true})

	runBothEnds(t, send, recv)

	st, err := os.Stat(filepath.Join(dir, "empty.dat"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Size() != 0 {
		t.Fatalf("size = %d, want 0", st.Size())
	}
	if len(recv.State.FinishedFiles) != 1 {
		t.Fatalf("finished files = %d, want 1", len(recv.State.FinishedFiles))
	}
}

func TestSubpacketRoundTrip(t *testing.T) {
	table := buildEscapeTable(true)
	body := []byte{0x00, 0x18, 0x11, 0x13, 'd', 'a', 't', 'a', 0xff}
	for _, use32 := range []bool{false, true} {
		for _, term := range []byte{ZCRCE, ZCRCG, ZCRCQ, ZCRCW} {
			var buf bytes.Buffer
			c := conn.NewChannel(&buf)
			if err := writeSubpacket(c, body, term, table, use32); err != nil {
				t.Fatalf("use32=%v term=%#x: write: %v", use32, term, err)
			}
			sp, err := readSubpacket(context.Background(), c, 0, use32)
			if err != nil {
				t.Fatalf("use32=%v term=%#x: read: %v", use32, term, err)
			}
			if !bytes.Equal(sp.body, body) {
				t.Fatalf("use32=%v term=%#x: body mismatch", use32, term)
			}
			if sp.term != term {
				t.Fatalf("use32=%v term=%#x: got terminator %#x", use32, term, sp.term)
			}
		}
	}
}

func TestBlockSizeHalvesWithFloor(t *testing.T) {
	size := 8192
	for i := 0; i < 10; i++ {
		prev := size
		if size > 512 {
			size /= 2
			if size < 512 {
				size = 512
			}
		}
		if size > prev {
			t.Fatalf("block size grew: %d -> %d", prev, size)
		}
	}
	if size != 512 {
		t.Fatalf("block size floor = %d, want 512", size)
	}
}
