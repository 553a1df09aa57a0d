// Package menu provides menu system functionality for ViSiON/3 BBS.
//
// ppe_host.go implements internal/ppe's Host interface against a live
// menu session, and registers RUN:PPE so a .PPE bytecode file can be
// launched the same way any other internal runnable is, per spec.md
// §4.3.
package menu

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/google/uuid"
	"github.com/mkrueger/icy-board-sub002/internal/ansi"
	"github.com/mkrueger/icy-board-sub002/internal/message"
	"github.com/mkrueger/icy-board-sub002/internal/noderegistry"
	"github.com/mkrueger/icy-board-sub002/internal/ppe"
	"github.com/mkrueger/icy-board-sub002/internal/user"
	"golang.org/x/term"
)

// ppeHost bridges one RUN:PPE invocation to the session it was launched
// from. It is built fresh per invocation and discarded once the VM stops;
// it carries no state beyond the single script run.
type ppeHost struct {
	e                 *MenuExecutor
	s                 ssh.Session
	terminal          *term.Terminal
	outputMode        ansi.OutputMode
	userManager       *user.UserMgr
	currentUser       *user.User
	nodeNumber        int
	sessionStartTime  time.Time
	node              *noderegistry.Entry
	currentAreaID     int
	stuffed           []rune
	pendingMenu       string
	pendingLogoff     bool
	doorErr           error
}

func newPPEHost(e *MenuExecutor, s ssh.Session, terminal *term.Terminal, outputMode ansi.OutputMode, userManager *user.UserMgr, currentUser *user.User, nodeNumber int, sessionStartTime time.Time) *ppeHost {
	h := &ppeHost{
		e:                e,
		s:                s,
		terminal:         terminal,
		outputMode:       outputMode,
		userManager:      userManager,
		currentUser:      currentUser,
		nodeNumber:       nodeNumber,
		sessionStartTime: sessionStartTime,
	}
	if e.SessionRegistry != nil {
		h.node = e.SessionRegistry.Get(nodeNumber)
	}
	if currentUser != nil {
		h.currentAreaID = currentUser.CurrentMessageAreaID
	}
	return h
}

func (h *ppeHost) write(s string) {
	if wErr := displayRunnableContent(h.terminal, h.outputMode, []byte(s)); wErr != nil {
		log.Printf("WARN: Node %d: PPE write failed: %v", h.nodeNumber, wErr)
	}
}

func (h *ppeHost) Print(s string)   { h.write(s) }
func (h *ppeHost) PrintLn(s string) { h.write(s + "\r\n") }
func (h *ppeHost) NewLine()         { h.write("\r\n") }
func (h *ppeHost) Cls()             { h.write(ansi.ClearScreen()) }
func (h *ppeHost) GotoXY(x, y int)  { h.write(ansi.MoveCursor(y, x)) }

// GetKey consumes one byte from a prior StuffText call before falling
// back to an actual keypress, so KEYSTACK-style scripts that stuff input
// ahead of a GETKEY/INKEY read it back without blocking on the terminal.
func (h *ppeHost) GetKey() string {
	if len(h.stuffed) > 0 {
		r := h.stuffed[0]
		h.stuffed = h.stuffed[1:]
		return string(r)
	}
	r, err := readSingleKey(h.s)
	if err != nil {
		return ""
	}
	return string(r)
}

func (h *ppeHost) WaitForKey() { _ = h.GetKey() }

func (h *ppeHost) GetString(prompt string, maxLen int) string {
	if prompt != "" {
		h.write(prompt)
	}
	if len(h.stuffed) > 0 {
		var b strings.Builder
		for _, r := range h.stuffed {
			if r == '\r' || r == '\n' {
				break
			}
			b.WriteRune(r)
		}
		h.stuffed = nil
		return b.String()
	}
	input, err := readLineInput(h.s, h.terminal, h.outputMode, maxLen)
	if err != nil {
		return ""
	}
	return input
}

// StuffText queues characters as if the user had typed them, per PPE's
// KEYSTACK semantics; the queue drains on the next GetKey/GetString call.
func (h *ppeHost) StuffText(s string) { h.stuffed = append(h.stuffed, []rune(s)...) }

func (h *ppeHost) UserName() string  { return h.currentUser.RealName }
func (h *ppeHost) UserAlias() string { return h.currentUser.Handle }
func (h *ppeHost) UserLevel() int    { return h.currentUser.AccessLevel }
func (h *ppeHost) SetUserLevel(n int) {
	h.currentUser.AccessLevel = n
}
func (h *ppeHost) UserFlags() string    { return h.currentUser.Flags }
func (h *ppeHost) UserCalls() int       { return h.currentUser.TimesCalled }
func (h *ppeHost) UserUploads() int     { return h.currentUser.NumUploads }
func (h *ppeHost) UserDownloads() int   { return 0 } // per-user download counts aren't tracked yet

func (h *ppeHost) Hangup() { h.pendingLogoff = true }

func (h *ppeHost) GotoMenu(name string) { h.pendingMenu = strings.ToUpper(name) }

func (h *ppeHost) GetTimeLeft() int {
	elapsed := int(time.Since(h.sessionStartTime).Minutes())
	left := h.currentUser.TimeLimit - elapsed
	if left < 0 {
		left = 0
	}
	return left
}

func (h *ppeHost) GetNodeNumber() int { return h.nodeNumber }

func (h *ppeHost) WhoIsOnline() []string {
	if h.e.SessionRegistry == nil {
		return nil
	}
	var result []string
	for _, entry := range h.e.SessionRegistry.ListActive() {
		entry.Mutex.RLock()
		if entry.Status != noderegistry.StatusOffline && !entry.Invisible {
			result = append(result, fmt.Sprintf("Node %d: %s (%s, %s)", entry.NodeID, entry.Handle, entry.Status, entry.Graphics))
		}
		entry.Mutex.RUnlock()
	}
	return result
}

func (h *ppeHost) Broadcast(msg string) {
	if h.e.ChatRoom != nil {
		h.e.ChatRoom.BroadcastSystem(msg)
	}
}

func (h *ppeHost) MsgCount() int {
	if h.e.MessageMgr == nil {
		return 0
	}
	count, err := h.e.MessageMgr.GetMessageCountForArea(h.currentAreaID)
	if err != nil {
		return 0
	}
	return count
}

func (h *ppeHost) ReadMsgHeader(n int) string {
	msg := h.loadMsg(n)
	if msg == nil {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s|%s", msg.FromUserName, msg.ToUserName, msg.Subject, msg.PostedAt.Format("01/02/06 15:04"))
}

func (h *ppeHost) ReadMsgText(n int) string {
	msg := h.loadMsg(n)
	if msg == nil {
		return ""
	}
	return msg.Body
}

func (h *ppeHost) loadMsg(n int) *message.Message {
	if h.e.MessageMgr == nil {
		return nil
	}
	msgs, err := h.e.MessageMgr.GetMessagesForArea(h.currentAreaID, "")
	if err != nil || n < 1 || n > len(msgs) {
		return nil
	}
	return &msgs[n-1]
}

func (h *ppeHost) WriteMessage(text string) int {
	if h.e.MessageMgr == nil {
		return 0
	}
	msg := message.Message{
		ID:           uuid.New(),
		AreaID:       h.currentAreaID,
		FromUserName: h.currentUser.Handle,
		ToUserName:   message.MsgToUserAll,
		Subject:      "PPE message",
		Body:         text,
		PostedAt:     time.Now(),
	}
	if err := h.e.MessageMgr.AddMessage(h.currentAreaID, msg); err != nil {
		log.Printf("WARN: Node %d: PPE WriteMessage failed: %v", h.nodeNumber, err)
		return 0
	}
	return 1
}

func (h *ppeHost) FileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (h *ppeHost) FileSize(name string) int64 {
	info, err := os.Stat(name)
	if err != nil {
		return -1
	}
	return info.Size()
}

// ppeDataFile is the minimal random-access line store behind
// OpenDataFile/ReadDataRecord/WriteDataRecord/CloseDataFile: PPE scripts
// treat a data file as a flat array of string records addressed by a
// 1-based record number, matching the original language's FOPEN/FGET/
// FPUT/FCLOSE semantics closely enough for these four calls.
type ppeDataFile struct {
	path    string
	records []string
}

var ppeDataHandles = struct {
	files map[int]*ppeDataFile
	next  int
}{files: make(map[int]*ppeDataFile), next: 1}

func (h *ppeHost) OpenDataFile(name string, mode int) int {
	data, err := os.ReadFile(name)
	var records []string
	if err == nil {
		records = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		log.Printf("WARN: Node %d: PPE OpenDataFile(%s) failed: %v", h.nodeNumber, name, err)
		return -1
	}
	handle := ppeDataHandles.next
	ppeDataHandles.next++
	ppeDataHandles.files[handle] = &ppeDataFile{path: name, records: records}
	return handle
}

func (h *ppeHost) ReadDataRecord(handle int) string {
	f, ok := ppeDataHandles.files[handle]
	if !ok {
		return ""
	}
	return strings.Join(f.records, "\n")
}

func (h *ppeHost) WriteDataRecord(handle int, rec string) int {
	f, ok := ppeDataHandles.files[handle]
	if !ok {
		return -1
	}
	f.records = append(f.records, rec)
	return len(f.records)
}

func (h *ppeHost) CloseDataFile(handle int) {
	f, ok := ppeDataHandles.files[handle]
	if !ok {
		return
	}
	content := strings.Join(f.records, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(f.path, []byte(content), 0644); err != nil {
		log.Printf("WARN: Node %d: PPE CloseDataFile(%s) failed: %v", h.nodeNumber, f.path, err)
	}
	delete(ppeDataHandles.files, handle)
}

// RunDoor delegates to the same DOOR: runnable an interactive DOOR:
// command uses, so a PPE script's RUNDOOR opcode gets identical dropfile
// generation and PTY handling instead of a second implementation.
func (h *ppeHost) RunDoor(name string) {
	doorFunc, exists := h.e.RunRegistry["DOOR:"]
	if !exists {
		h.doorErr = fmt.Errorf("DOOR: runnable not registered")
		return
	}
	updatedUser, _, err := doorFunc(h.e, h.s, h.terminal, h.userManager, h.currentUser, h.nodeNumber, h.sessionStartTime, name, h.outputMode)
	if updatedUser != nil {
		h.currentUser = updatedUser
	}
	h.doorErr = err
}

// registerPPERunnable wires RUN:PPE into the registry so "RUN:PPE name"
// in any .CFG command loads menus/<set>/ppe/<name>.PPE, runs it against
// a ppeHost bound to the calling session, and honors GOTOMENU/HANGUP
// requests the script made via the Host interface.
func registerPPERunnable(registry map[string]RunnableFunc) {
	registry["PPE"] = func(e *MenuExecutor, s ssh.Session, terminal *term.Terminal, userManager *user.UserMgr, currentUser *user.User, nodeNumber int, sessionStartTime time.Time, args string, outputMode ansi.OutputMode) (*user.User, string, error) {
		if currentUser == nil {
			displayRunnableContent(terminal, outputMode, []byte("\r\n|01Error: You must be logged in to run PPE scripts.|07\r\n"))
			return nil, "", nil
		}
		scriptName := strings.ToUpper(strings.TrimSpace(args))
		if scriptName == "" {
			displayRunnableContent(terminal, outputMode, []byte("\r\n|01Error: RUN:PPE requires a script name.|07\r\n"))
			return currentUser, "", nil
		}

		ppePath := filepath.Join(e.MenuSetPath, "ppe", scriptName+".PPE")
		data, err := os.ReadFile(ppePath)
		if err != nil {
			log.Printf("WARN: Node %d: PPE script not found: %s", nodeNumber, ppePath)
			msg := fmt.Sprintf("\r\n|01Error: PPE script '%s' not found.|07\r\n", scriptName)
			displayRunnableContent(terminal, outputMode, []byte(msg))
			return currentUser, "", nil
		}

		prog, err := ppe.Deserialize(data)
		if err != nil {
			return currentUser, "", fmt.Errorf("decoding PPE script %s: %w", scriptName, err)
		}

		host := newPPEHost(e, s, terminal, outputMode, userManager, currentUser, nodeNumber, sessionStartTime)
		vm := ppe.NewVM(prog, host)
		runErr := vm.Run()

		if host.doorErr != nil {
			log.Printf("WARN: Node %d: PPE script %s: door launch failed: %v", nodeNumber, scriptName, host.doorErr)
		}
		if runErr != nil {
			return host.currentUser, "", fmt.Errorf("running PPE script %s: %w", scriptName, runErr)
		}
		if host.pendingLogoff {
			return host.currentUser, ActionTypeLogoff, nil
		}
		return host.currentUser, host.pendingMenu, nil
	}
}
