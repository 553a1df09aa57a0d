package zmodem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
)

// ErrSkip is returned by FileHandler.AcceptFile to skip an offered file.
var ErrSkip = errors.New("zmodem: skip file")

// FileOffer describes a file the sender queues up, grounded on
// _examples/xx25-go-zmodem's FileHandler contract.
type FileOffer struct {
	Name    string
	Size    int64
	ModTime time.Time
	Reader  io.Reader // io.ReadSeeker enables ZRPOS-driven resume
}

// FileInfo describes an incoming file parsed from a ZFILE subpacket.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileHandler is the application callback the session kernel implements to
// bridge the wire engine to the file-base adapter (spec.md §4.4).
type FileHandler interface {
	NextFile() *FileOffer
	// AcceptFile MUST sanitize info.Name before using it as a path;
	// incoming names may contain "../" path-traversal attempts.
	AcceptFile(info FileInfo) (io.WriteCloser, int64, error)
	FileProgress(info FileInfo, transferred int64)
	FileCompleted(info FileInfo, transferred int64, err error)
}

// Config controls session behavior; zero value is sane defaults.
type Config struct {
	MaxBlockSize int           // default 1024, floor 512 per spec.md §8
	EscapeAll    bool          // negotiate ESCCTL discipline
	Use32BitCRC  bool
	HeaderDeadline time.Duration // per-attempt header read deadline
	MaxRetries   int           // >3 header errors or >5 outer retries cancels
}

func (c *Config) defaults() {
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = 1024
	}
	if c.MaxBlockSize < 512 {
		c.MaxBlockSize = 512
	}
	if c.HeaderDeadline <= 0 {
		c.HeaderDeadline = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// LogEntry is one timestamped entry in a TransferState's ring buffer.
type LogEntry struct {
	At   time.Time
	Text string
}

// TransferState is the send/recv telemetry object spec.md §3 names:
// current file, size, bytes transferred, running BPS average, error
// counter, a log ring buffer, and the list of finished files.
type TransferState struct {
	mu             sync.Mutex
	CurFile        string
	FileSize       int64
	BytesTransfered int64
	startedAt      time.Time
	Errors         int
	log            []LogEntry
	FinishedFiles  []string
}

const logRingSize = 64

func (t *TransferState) logf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := LogEntry{At: time.Now(), Text: fmt.Sprintf(format, args...)}
	t.log = append(t.log, e)
	if len(t.log) > logRingSize {
		t.log = t.log[len(t.log)-logRingSize:]
	}
}

// BPS returns the running bytes-per-second average since the current
// file's transfer started.
func (t *TransferState) BPS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := time.Since(t.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.BytesTransfered) / elapsed
}

func (t *TransferState) startFile(name string, size int64) {
	t.mu.Lock()
	t.CurFile = name
	t.FileSize = size
	t.BytesTransfered = 0
	t.startedAt = time.Now()
	t.mu.Unlock()
}

func (t *TransferState) addBytes(n int64) {
	t.mu.Lock()
	t.BytesTransfered += n
	t.mu.Unlock()
}

func (t *TransferState) finishFile(path string) {
	t.mu.Lock()
	t.FinishedFiles = append(t.FinishedFiles, path)
	t.mu.Unlock()
}

func (t *TransferState) incError() {
	t.mu.Lock()
	t.Errors++
	t.mu.Unlock()
}

// Log returns a copy of the ring buffer's current contents.
func (t *TransferState) Log() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LogEntry, len(t.log))
	copy(out, t.log)
	return out
}

// Session drives one ZMODEM transfer (send or receive) over a Connection.
type Session struct {
	c       conn.Connection
	handler FileHandler
	cfg     Config
	State   *TransferState
	attn    []byte

	mu     sync.Mutex
	active bool
}

// NewSession builds a Session bound to c. cfg may be nil for defaults.
func NewSession(c conn.Connection, handler FileHandler, cfg *Config) *Session {
	var cc Config
	if cfg != nil {
		cc = *cfg
	}
	cc.defaults()
	return &Session{c: c, handler: handler, cfg: cc, State: &TransferState{}}
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Send runs the Sz (sender) state machine, offering files from handler
// until NextFile returns nil.
func (s *Session) Send(ctx context.Context) error {
	if !s.acquire() {
		return errors.New("zmodem: session already active")
	}
	defer s.release()
	return s.runSender(ctx)
}

// Receive runs the Rz (receiver) state machine until the peer sends ZFIN.
func (s *Session) Receive(ctx context.Context) error {
	if !s.acquire() {
		return errors.New("zmodem: session already active")
	}
	defer s.release()
	return s.runReceiver(ctx)
}

// awaitHeader applies the per-attempt header deadline before delegating
// to the package-level scanner; expiry surfaces as a timeout error the
// outer retry loops count, per spec.md §5.
func (s *Session) awaitHeader(ctx context.Context) (Header, byte, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HeaderDeadline)
	defer cancel()
	return awaitHeader(hctx, s.c)
}

// Abort emits the wire-level cancel sequence (5 CAN + 8 backspaces) per
// spec.md §4.1/§5, then returns; the caller unwinds its own loop.
func (s *Session) Abort() error {
	seq := make([]byte, 0, 13)
	for i := 0; i < 5; i++ {
		seq = append(seq, can)
	}
	for i := 0; i < 8; i++ {
		seq = append(seq, 0x08)
	}
	return s.c.WriteAll(seq)
}
