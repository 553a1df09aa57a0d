package session

import (
	"net"
	"time"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/mkrueger/icy-board-sub002/internal/noderegistry"
	"github.com/mkrueger/icy-board-sub002/internal/types"
)

// BbsSession represents an active user connection to the BBS. It embeds a
// *noderegistry.Entry so NodeID, Height, User, Invisible, Mutex, and the
// paged-message queue are shared with the node registry the menu engine
// reads from, without session and menu importing one another.
type BbsSession struct {
	*noderegistry.Entry

	ID          int // Unique identifier for the session/node
	Conn        gossh.Conn
	Channel     gossh.Channel // Store the SSH channel for direct I/O
	Term        *term.Terminal
	Width       int
	RemoteAddr  net.Addr
	CurrentMenu string               // Tracks the current ViSiON/2 menu the user is in
	AssetsPath  string               // Store required path directly
	Pty         *ssh.Pty             // Store PTY info
	AutoRunLog  types.AutoRunTracker // Tracks run-once commands executed (Use types.AutoRunTracker)
	LastMenu    string               // Tracks the previously visited menu
	StartTime    time.Time            // Tracks the session start time
	LastActivity time.Time            // Tracks last user input for idle calculation
}
