package transfer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"

	"github.com/mkrueger/icy-board-sub002/internal/conn"
	"github.com/mkrueger/icy-board-sub002/internal/zmodem"
)

// sendFileHandler offers a fixed list of on-disk files to the native zmodem
// engine, in order, implementing zmodem.FileHandler's sender half.
type sendFileHandler struct {
	paths []string
	next  int
	open  *os.File
}

func (h *sendFileHandler) NextFile() *zmodem.FileOffer {
	if h.next >= len(h.paths) {
		return nil
	}
	path := h.paths[h.next]
	h.next++

	f, err := os.Open(path)
	if err != nil {
		log.Printf("ERROR: zmodem send: failed to open %s: %v", path, err)
		return h.NextFile()
	}
	info, err := f.Stat()
	if err != nil {
		log.Printf("ERROR: zmodem send: failed to stat %s: %v", path, err)
		f.Close()
		return h.NextFile()
	}
	h.open = f
	return &zmodem.FileOffer{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Reader:  f,
	}
}

func (h *sendFileHandler) AcceptFile(zmodem.FileInfo) (io.WriteCloser, int64, error) {
	return nil, 0, fmt.Errorf("zmodem: send-only handler cannot accept files")
}

func (h *sendFileHandler) FileProgress(zmodem.FileInfo, int64) {}

func (h *sendFileHandler) FileCompleted(info zmodem.FileInfo, transferred int64, err error) {
	if h.open != nil {
		h.open.Close()
		h.open = nil
	}
	if err != nil {
		log.Printf("ERROR: zmodem send: %s failed after %d bytes: %v", info.Name, transferred, err)
		return
	}
	log.Printf("INFO: zmodem send: %s complete (%d bytes)", info.Name, transferred)
}

// recvFileHandler writes every offered file into a fixed target directory,
// implementing zmodem.FileHandler's receiver half. Incoming names are
// sanitized to their base name to block "../" path traversal.
type recvFileHandler struct {
	targetDir string
	received  []string
}

func (h *recvFileHandler) NextFile() *zmodem.FileOffer {
	return nil
}

func (h *recvFileHandler) AcceptFile(info zmodem.FileInfo) (io.WriteCloser, int64, error) {
	name := filepath.Base(strings.ReplaceAll(info.Name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		return nil, 0, fmt.Errorf("zmodem: rejecting unsafe file name %q", info.Name)
	}
	dest := filepath.Join(h.targetDir, name)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("zmodem: failed to create %s: %w", dest, err)
	}
	h.received = append(h.received, dest)
	return f, 0, nil
}

func (h *recvFileHandler) FileProgress(zmodem.FileInfo, int64) {}

func (h *recvFileHandler) FileCompleted(info zmodem.FileInfo, transferred int64, err error) {
	if err != nil {
		log.Printf("ERROR: zmodem receive: %s failed after %d bytes: %v", info.Name, transferred, err)
		return
	}
	log.Printf("INFO: zmodem receive: %s complete (%d bytes)", info.Name, transferred)
}

// SendFilesZmodem drives the native zmodem engine to send filePaths to the
// remote end of s, replacing a shell-out to an external sz binary.
func SendFilesZmodem(ctx context.Context, s ssh.Session, filePaths ...string) error {
	if len(filePaths) == 0 {
		return fmt.Errorf("zmodem: no files provided for send")
	}
	c := conn.NewStream(s, nil, conn.TypeSSH, s.RemoteAddr().String())
	handler := &sendFileHandler{paths: filePaths}
	sess := zmodem.NewSession(c, handler, nil)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, zmodemIdleDeadline)
	defer cancel()
	if err := sess.Send(ctx); err != nil {
		_ = sess.Abort()
		return fmt.Errorf("zmodem send failed: %w", err)
	}
	return nil
}

// ReceiveFilesZmodem drives the native zmodem engine to receive one or more
// files from the remote end of s into targetDir, replacing a shell-out to an
// external rz binary.
func ReceiveFilesZmodem(ctx context.Context, s ssh.Session, targetDir string) ([]string, error) {
	if targetDir == "" {
		return nil, fmt.Errorf("zmodem: target directory cannot be empty")
	}
	absTargetDir, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("zmodem: failed to resolve target directory %q: %w", targetDir, err)
	}
	if err := os.MkdirAll(absTargetDir, 0755); err != nil {
		return nil, fmt.Errorf("zmodem: failed to create target directory %q: %w", absTargetDir, err)
	}

	c := conn.NewStream(s, nil, conn.TypeSSH, s.RemoteAddr().String())
	handler := &recvFileHandler{targetDir: absTargetDir}
	sess := zmodem.NewSession(c, handler, nil)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, zmodemIdleDeadline)
	defer cancel()
	if err := sess.Receive(ctx); err != nil {
		_ = sess.Abort()
		return handler.received, fmt.Errorf("zmodem receive failed: %w", err)
	}
	return handler.received, nil
}

// zmodemIdleDeadline bounds how long a native zmodem transfer may run with
// no forward progress before ExecuteSend/ExecuteReceive give up, mirroring
// the idle-timeout guard RunCommandDirect applies to the external-binary path.
const zmodemIdleDeadline = 5 * time.Minute
