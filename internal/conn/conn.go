// Package conn defines the Connection abstraction spec.md §2/§3 requires:
// an opaque bidirectional byte stream with cancellable reads that every
// other core subsystem (ZMODEM, IEMSI, the session kernel) is built on top
// of. NewStream adapts any io.ReadWriter (internal/session and
// internal/transfer use it to wrap an ssh.Session), and NewChannel supplies
// the in-memory variant used by tests. The raw, modem and websocket
// ConnectionType values are tags only; this package has no dedicated
// implementation for them.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// ConnectionType tags which concrete transport backs a Connection.
type ConnectionType int

const (
	TypeTelnet ConnectionType = iota
	TypeSSH
	TypeRaw
	TypeChannel
	TypeModem
	TypeWebsocket
)

func (t ConnectionType) String() string {
	switch t {
	case TypeTelnet:
		return "telnet"
	case TypeSSH:
		return "ssh"
	case TypeRaw:
		return "raw"
	case TypeChannel:
		return "channel"
	case TypeModem:
		return "modem"
	case TypeWebsocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ErrCancelled is returned by ReadByte when the connection's cancel signal
// has fired, per spec.md §5 cancellation semantics.
var ErrCancelled = errors.New("conn: read cancelled")

// Connection is the byte-stream abstraction every core I/O path routes
// through. No core package may reach for net.Conn or os.Stdin directly.
type Connection interface {
	// ReadByte blocks for a single byte, honoring ctx cancellation.
	ReadByte(ctx context.Context) (byte, error)
	// Read implements io.Reader for callers that want to batch reads
	// (e.g. ZMODEM subpacket bodies).
	Read(p []byte) (int, error)
	WriteAll(p []byte) error
	Flush() error
	Shutdown() error
	Type() ConnectionType
	RemoteAddr() string
}

// streamConn adapts any net.Conn-shaped stream (telnet socket, ssh
// session, raw stdio pipe) into a Connection. It is the common base the
// concrete variants embed.
type streamConn struct {
	rw         io.ReadWriter
	closer     io.Closer
	typ        ConnectionType
	remoteAddr string
	cancelled  atomic.Bool
}

// NewStream wraps rw (optionally closable) as a Connection of the given type.
func NewStream(rw io.ReadWriter, closer io.Closer, typ ConnectionType, remoteAddr string) Connection {
	return &streamConn{rw: rw, closer: closer, typ: typ, remoteAddr: remoteAddr}
}

// NewFromNetConn wraps a net.Conn, the common case for the telnet and raw
// variants.
func NewFromNetConn(c net.Conn, typ ConnectionType) Connection {
	return NewStream(c, c, typ, c.RemoteAddr().String())
}

func (s *streamConn) ReadByte(ctx context.Context) (byte, error) {
	if s.cancelled.Load() {
		return 0, ErrCancelled
	}
	type result struct {
		b   byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var buf [1]byte
		_, err := io.ReadFull(s.rw, buf[:])
		ch <- result{buf[0], err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if s.cancelled.Load() {
			return 0, ErrCancelled
		}
		return r.b, r.err
	}
}

func (s *streamConn) Read(p []byte) (int, error) { return s.rw.Read(p) }

func (s *streamConn) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.rw.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *streamConn) Flush() error { return nil }

func (s *streamConn) Shutdown() error {
	s.cancelled.Store(true)
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *streamConn) Type() ConnectionType  { return s.typ }
func (s *streamConn) RemoteAddr() string    { return s.remoteAddr }

// ChannelConn is the `channel` variant: an in-memory pipe, used for PPE
// door bridging and tests.
type ChannelConn struct {
	*streamConn
}

// NewChannel builds a Connection over an in-process io.ReadWriter (e.g. a
// net.Pipe half), used for door subprocess bridging or unit tests.
func NewChannel(rw io.ReadWriter) *ChannelConn {
	return &ChannelConn{streamConn: &streamConn{rw: rw, typ: TypeChannel, remoteAddr: "local"}}
}

// ReadByteWithDeadline reads one byte from c, giving up after d, the
// pattern ZMODEM header reads and IEMSI reads use for their retry timers.
func ReadByteWithDeadline(ctx context.Context, c Connection, d time.Duration) (byte, error) {
	ctx2, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return c.ReadByte(ctx2)
}
