package session

import (
	"context"
	"log"
	"time"

	"github.com/gliderlabs/ssh"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
	"github.com/mkrueger/icy-board-sub002/internal/iemsi"
)

// iemsiDetectTimeout bounds how long a new connection is listened to,
// before any banner is written, for an unsolicited EMSI_IRQ from the
// caller's terminal software. Real IEMSI-capable terminals send it within
// a second or two of connecting; anything that isn't IEMSI falls through
// to the normal login path once this expires.
const iemsiDetectTimeout = 3 * time.Second

// AttemptIEMSI implements spec.md §2/§4.2's "the session first attempts
// IEMSI on the connection" step. It must run before anything is written to
// s and before any other code reads from s: both Detect and RunServer
// consume raw bytes directly off the connection, so this has to be the
// first thing that touches the stream.
//
// On success it returns the caller-identified ISI with ok == true. Per
// spec.md §2 ("on success or fallback it authenticates against the user
// base"), a successful handshake does not bypass the user base lookup -
// it only means the caller's terminal completed the ICI/ISI exchange
// before the session moves on to normal authentication.
func AttemptIEMSI(s ssh.Session, nodeID int, remoteAddr, boardName, sysOpName string) (iemsi.Result, bool) {
	c := conn.NewStream(s, nil, conn.TypeSSH, remoteAddr)
	ctx, cancel := context.WithTimeout(context.Background(), iemsiDetectTimeout)
	defer cancel()

	local := iemsi.ICI{
		Name:  boardName,
		Alias: sysOpName,
	}
	hs := iemsi.New(c, local)

	detected, _, err := hs.Detect(ctx, 0)
	if err != nil || !detected {
		return iemsi.Result{}, false
	}
	log.Printf("Node %d: IEMSI EMSI_IRQ detected from %s, running handshake", nodeID, remoteAddr)

	result, err := hs.RunServer(ctx)
	if err != nil {
		log.Printf("Node %d: IEMSI handshake failed: %v", nodeID, err)
		return iemsi.Result{}, false
	}
	if !result.LoggedIn {
		log.Printf("Node %d: IEMSI handshake completed without login", nodeID)
		return result, false
	}
	log.Printf("Node %d: IEMSI handshake succeeded, remote board=%q operator=%q",
		nodeID, result.Remote.BoardName, result.Remote.Operator)
	return result, true
}
