// Package chat implements the board's group-chat rooms: numbered,
// mutex-guarded conference spaces that node sessions join and leave while
// running in the noderegistry's StatusInChat state.
package chat

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MainRoomID is the always-present, non-private room every board starts
// with, the legacy single "teleconference" most boards never outgrow.
const MainRoomID = 1

// ChatMessage represents a single chat message.
type ChatMessage struct {
	RoomID    int
	NodeID    int
	Handle    string
	Text      string
	Timestamp time.Time
	IsSystem  bool // Join/leave announcements
}

// Participant describes one node currently joined to a Room, for room
// roster display (WHO'S IN THIS ROOM-style listings).
type Participant struct {
	NodeID  int
	Handle  string
	IsOwner bool
}

// subscriber tracks a connected chat participant.
type subscriber struct {
	nodeID  int
	handle  string
	isOwner bool
	ch      chan ChatMessage
}

// Room is one numbered group-chat room: an id in 1..255, a topic, an
// optional private flag restricting it to invited participants, the node
// that created it (0 for the permanent main room), and its current
// participant set.
type Room struct {
	mu          sync.RWMutex
	id          int
	topic       string
	private     bool
	ownerNode   int
	subscribers map[int]*subscriber
	history     []ChatMessage
	maxHistory  int
}

func newRoom(id int, topic string, private bool, ownerNode, maxHistory int) *Room {
	return &Room{
		id:          id,
		topic:       topic,
		private:     private,
		ownerNode:   ownerNode,
		subscribers: make(map[int]*subscriber),
		history:     make([]ChatMessage, 0, maxHistory),
		maxHistory:  maxHistory,
	}
}

func (r *Room) ID() int      { return r.id }
func (r *Room) Private() bool { r.mu.RLock(); defer r.mu.RUnlock(); return r.private }

func (r *Room) Topic() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topic
}

func (r *Room) SetTopic(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topic = topic
}

// Subscribe adds a node to the room and returns its message channel.
// isOwner marks the node as the room's owner for roster display, it does
// not by itself grant any access beyond what the caller already checked.
func (r *Room) Subscribe(nodeID int, handle string, isOwner bool) <-chan ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan ChatMessage, 64)
	r.subscribers[nodeID] = &subscriber{
		nodeID:  nodeID,
		handle:  handle,
		isOwner: isOwner,
		ch:      ch,
	}
	return ch
}

// Unsubscribe removes a node from the room and closes its channel.
func (r *Room) Unsubscribe(nodeID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subscribers[nodeID]; ok {
		close(sub.ch)
		delete(r.subscribers, nodeID)
	}
}

// Broadcast sends a message to all subscribers except the sender,
// and appends it to the history ring buffer.
func (r *Room) Broadcast(senderNodeID int, handle string, text string) {
	msg := ChatMessage{
		RoomID:    r.id,
		NodeID:    senderNodeID,
		Handle:    handle,
		Text:      text,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendHistory(msg)

	for _, sub := range r.subscribers {
		if sub.nodeID == senderNodeID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Drop message if subscriber channel is full
		}
	}
}

// BroadcastSystem sends a system message (join/leave) to all subscribers.
func (r *Room) BroadcastSystem(text string) {
	msg := ChatMessage{
		RoomID:    r.id,
		Text:      text,
		Timestamp: time.Now(),
		IsSystem:  true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendHistory(msg)

	for _, sub := range r.subscribers {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// appendHistory appends msg to the ring buffer. Caller must hold r.mu.
func (r *Room) appendHistory(msg ChatMessage) {
	if len(r.history) >= r.maxHistory {
		r.history = r.history[1:]
	}
	r.history = append(r.history, msg)
}

// History returns a copy of the message history in chronological order.
func (r *Room) History() []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ChatMessage, len(r.history))
	copy(result, r.history)
	return result
}

// ActiveCount returns the number of nodes currently subscribed.
func (r *Room) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Roster returns the current participant set, sorted by node id.
func (r *Room) Roster() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		out = append(out, Participant{NodeID: sub.nodeID, Handle: sub.handle, IsOwner: sub.isOwner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ChatRoom is the process-wide group-chat table: MainRoomID (the permanent,
// non-private "teleconference") plus any rooms nodes have opened. All
// mutation goes through Room methods, which run on the calling node's
// goroutine under the room's mutex and deliver messages by sending on each
// subscriber's channel; each session task reads its own channel.
//
// Kept as a thin facade over Room's pre-existing single-room API so
// internal/menu's chat screen (which only ever joins MainRoomID today)
// needs no changes: History/Subscribe/Broadcast/BroadcastSystem/ActiveCount
// delegate to the main room, while CreateRoom/Room/Rooms/CloseRoom expose
// the full id/topic/private/owner model spec's GroupChat room describes.
type ChatRoom struct {
	mu         sync.RWMutex
	rooms      map[int]*Room
	maxHistory int
	nextID     int
}

// NewChatRoom creates the process-wide chat table with MainRoomID already
// open, using maxHistory as the per-room scrollback buffer size.
func NewChatRoom(maxHistory int) *ChatRoom {
	cr := &ChatRoom{
		rooms:      make(map[int]*Room),
		maxHistory: maxHistory,
		nextID:     MainRoomID + 1,
	}
	cr.rooms[MainRoomID] = newRoom(MainRoomID, "Main Conference", false, 0, maxHistory)
	return cr
}

// main returns the permanent MainRoomID room.
func (cr *ChatRoom) main() *Room {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.rooms[MainRoomID]
}

// CreateRoom opens a new room with the next available id (2..255), owned
// by ownerNode, and returns it. Returns an error once 255 rooms are open.
func (cr *ChatRoom) CreateRoom(topic string, private bool, ownerNode int) (*Room, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if len(cr.rooms) >= 255 {
		return nil, fmt.Errorf("chat: maximum of 255 rooms already open")
	}
	for len(cr.rooms) < 255 {
		if cr.nextID > 255 {
			cr.nextID = MainRoomID + 1
		}
		if _, exists := cr.rooms[cr.nextID]; !exists {
			break
		}
		cr.nextID++
	}
	id := cr.nextID
	cr.nextID++
	room := newRoom(id, topic, private, ownerNode, cr.maxHistory)
	cr.rooms[id] = room
	return room, nil
}

// Room returns the room with the given id, or nil if no such room is open.
func (cr *ChatRoom) Room(id int) *Room {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.rooms[id]
}

// Rooms returns every currently open room, sorted by id.
func (cr *ChatRoom) Rooms() []*Room {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make([]*Room, 0, len(cr.rooms))
	for _, r := range cr.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseRoom closes a non-main room once its last participant leaves.
// MainRoomID can never be closed.
func (cr *ChatRoom) CloseRoom(id int) {
	if id == MainRoomID {
		return
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if r, ok := cr.rooms[id]; ok && r.ActiveCount() == 0 {
		delete(cr.rooms, id)
	}
}

// Subscribe joins MainRoomID, preserving the pre-existing single-room API.
func (cr *ChatRoom) Subscribe(nodeID int, handle string) <-chan ChatMessage {
	return cr.main().Subscribe(nodeID, handle, false)
}

// Unsubscribe leaves MainRoomID.
func (cr *ChatRoom) Unsubscribe(nodeID int) {
	cr.main().Unsubscribe(nodeID)
}

// Broadcast posts to MainRoomID.
func (cr *ChatRoom) Broadcast(senderNodeID int, handle string, text string) {
	cr.main().Broadcast(senderNodeID, handle, text)
}

// BroadcastSystem posts a system message to MainRoomID.
func (cr *ChatRoom) BroadcastSystem(text string) {
	cr.main().BroadcastSystem(text)
}

// History returns MainRoomID's history.
func (cr *ChatRoom) History() []ChatMessage {
	return cr.main().History()
}

// ActiveCount returns the number of nodes currently in MainRoomID.
func (cr *ChatRoom) ActiveCount() int {
	return cr.main().ActiveCount()
}
