// Package noderegistry tracks the per-node state shared across a running
// board: which nodes are online, who is logged into each one, and the
// paged-message queue and chat-room visibility flags the menu engine reads
// when rendering WHO'S ONLINE, page, and group-chat screens.
//
// It exists as its own leaf package so both internal/session (which embeds
// Entry into its BbsSession) and internal/menu (which holds a *Registry on
// its MenuExecutor) can depend on it without a session<->menu import cycle.
package noderegistry

import (
	"sort"
	"sync"

	"github.com/mkrueger/icy-board-sub002/internal/ansi"
	"github.com/mkrueger/icy-board-sub002/internal/user"
)

// NodeStatus describes what a node is currently doing, for WHO'S ONLINE
// display and the ACS "node status" conditions.
type NodeStatus int

const (
	StatusOffline NodeStatus = iota
	StatusLoggingIn
	StatusActive
	StatusInChat
	StatusTransferring
	StatusPaging
)

func (s NodeStatus) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusLoggingIn:
		return "Logging In"
	case StatusActive:
		return "Active"
	case StatusInChat:
		return "In Chat"
	case StatusTransferring:
		return "Transferring"
	case StatusPaging:
		return "Paging"
	default:
		return "Unknown"
	}
}

// Entry is one node's shared, concurrently-accessed status. internal/session
// embeds *Entry into BbsSession so session fields like NodeID, Height, User
// and the page queue are visible to both packages without duplication.
type Entry struct {
	Mutex        sync.RWMutex
	NodeID       int
	Handle       string
	Height       int
	Invisible    bool
	Status       NodeStatus
	User         *user.User
	PendingPages []string
	Graphics     ansi.GraphicsMode // Negotiated display capability, for WHO'S ONLINE and ACS node-status conditions

	// SecurityViolations counts denied command dispatches this session.
	// Past the limit the dispatcher disconnects the caller; the entry is
	// released at logoff, so the count resets with the session.
	SecurityViolations int
}

// AddPage queues a page message for delivery at the node's next menu prompt.
func (e *Entry) AddPage(msg string) {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	e.PendingPages = append(e.PendingPages, msg)
}

// DrainPages returns all pending pages and clears the queue.
func (e *Entry) DrainPages() []string {
	e.Mutex.Lock()
	defer e.Mutex.Unlock()
	if len(e.PendingPages) == 0 {
		return nil
	}
	pages := e.PendingPages
	e.PendingPages = nil
	return pages
}

// Registry tracks every node's Entry for the lifetime of the board process.
type Registry struct {
	mu      sync.RWMutex
	entries map[int]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]*Entry),
	}
}

func (r *Registry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.NodeID] = e
}

func (r *Registry) Unregister(nodeID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, nodeID)
}

func (r *Registry) Get(nodeID int) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[nodeID]
}

// ListActive returns every registered node's Entry, sorted by NodeID.
func (r *Registry) ListActive() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NodeID < result[j].NodeID
	})
	return result
}

// ActiveCount returns the number of nodes currently registered.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
