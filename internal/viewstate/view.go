// Package viewstate folds real-time events into the in-memory state a chat UI
// renders: the online roster, per-room ordered messages, typing sets and unread
// counters. Messages still waiting in the outbox live in a separate pending
// projection and never mix with confirmed messages.
package viewstate

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
)

// PendingStatus is the state of a locally queued message.
type PendingStatus string

const (
	PendingQueued PendingStatus = "queued"
	PendingFailed PendingStatus = "failed"
)

// PendingMessage is a message the user sent that the broker has not confirmed.
type PendingMessage struct {
	LocalID   int64
	RoomID    string
	Content   string
	Encrypted bool
	QueuedAt  time.Time
	Status    PendingStatus
}

type room struct {
	messages []protocol.Message
	seen     map[string]struct{}
	counted  map[string]struct{}
	typing   map[string]struct{}
	unread   int
}

func newRoom() *room {
	return &room{
		seen:    make(map[string]struct{}),
		counted: make(map[string]struct{}),
		typing:  make(map[string]struct{}),
	}
}

// Observer is called after an event has been folded into the view.
type Observer func(realtime.Event)

// View is safe for concurrent use.
type View struct {
	self string

	observersMu sync.RWMutex
	observers   []Observer

	mu        sync.RWMutex
	roster    []string
	rooms     map[string]*room
	pending   map[int64]PendingMessage
	active    string
	state     realtime.State
	lastError string
}

// New constructs an empty View for the identity selfID.
func New(selfID string) *View {
	return &View{
		self:    selfID,
		rooms:   make(map[string]*room),
		pending: make(map[int64]PendingMessage),
		state:   realtime.StateDisconnected,
	}
}

// Observe registers fn to run after every applied event, outside the view lock.
func (v *View) Observe(fn Observer) {
	if fn == nil {
		return
	}
	v.observersMu.Lock()
	v.observers = append(v.observers, fn)
	v.observersMu.Unlock()
}

// Apply folds one event into the view.
func (v *View) Apply(event realtime.Event) {
	v.fold(event)
	v.observersMu.RLock()
	observers := v.observers
	v.observersMu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

func (v *View) fold(event realtime.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch e := event.(type) {
	case realtime.OnlineUsers:
		roster := append([]string(nil), e.UserIDs...)
		sort.Strings(roster)
		v.roster = roster
	case realtime.NewMessage:
		v.addMessage(e.Message)
	case realtime.Typing:
		r := v.room(e.RoomID)
		if e.Active {
			r.typing[e.Username] = struct{}{}
		} else {
			delete(r.typing, e.Username)
		}
	case realtime.Notification:
		r := v.room(e.RoomID)
		if _, ok := r.counted[e.MessageID]; ok || e.SenderID == v.self {
			return
		}
		r.counted[e.MessageID] = struct{}{}
		if e.RoomID != v.active {
			r.unread++
		}
	case realtime.ServerError:
		v.lastError = e.Message
	case realtime.StateChanged:
		v.state = e.State
	}
}

func (v *View) addMessage(message protocol.Message) {
	r := v.room(message.RoomID)
	if _, ok := r.seen[message.ID]; ok {
		return
	}
	r.seen[message.ID] = struct{}{}

	index := sort.Search(len(r.messages), func(i int) bool {
		return r.messages[i].Sequence > message.Sequence
	})
	r.messages = append(r.messages, protocol.Message{})
	copy(r.messages[index+1:], r.messages[index:])
	r.messages[index] = message

	delete(r.typing, message.Author.Username)
	if message.UserID == v.self {
		return
	}
	if _, ok := r.counted[message.ID]; ok {
		return
	}
	r.counted[message.ID] = struct{}{}
	if message.RoomID != v.active {
		r.unread++
	}
}

func (v *View) room(roomID string) *room {
	r, ok := v.rooms[roomID]
	if !ok {
		r = newRoom()
		v.rooms[roomID] = r
	}
	return r
}

// Roster returns the sorted ids of online users.
func (v *View) Roster() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.roster...)
}

// Messages returns the confirmed messages of roomID in broker order.
func (v *View) Messages(roomID string) []protocol.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]protocol.Message(nil), r.messages...)
}

// Typing returns the sorted usernames currently typing in roomID.
func (v *View) Typing(roomID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	r, ok := v.rooms[roomID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(r.typing))
	for name := range r.typing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unread returns the unread counter of roomID.
func (v *View) Unread(roomID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if r, ok := v.rooms[roomID]; ok {
		return r.unread
	}
	return 0
}

// Focus makes roomID the active room and clears its unread counter.
func (v *View) Focus(roomID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = roomID
	v.room(roomID).unread = 0
}

// State returns the last observed channel state.
func (v *View) State() realtime.State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// LastError returns the most recent server error message.
func (v *View) LastError() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastError
}

// AddPending records a locally queued message.
func (v *View) AddPending(message PendingMessage) {
	if message.Status == "" {
		message.Status = PendingQueued
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending[message.LocalID] = message
}

// SettlePending reconciles a pending message with the outcome of its outbox
// item. A synced message leaves the pending layer; the confirmed copy arrives
// through the broker. A failed one stays visible until retried or discarded.
func (v *View) SettlePending(localID int64, synced bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	message, ok := v.pending[localID]
	if !ok {
		return
	}
	if synced {
		delete(v.pending, localID)
		return
	}
	message.Status = PendingFailed
	v.pending[localID] = message
}

// Requeue marks a failed pending message as queued again.
func (v *View) Requeue(localID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if message, ok := v.pending[localID]; ok {
		message.Status = PendingQueued
		v.pending[localID] = message
	}
}

// Discard drops a pending message.
func (v *View) Discard(localID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, localID)
}

// Pending returns the pending messages of roomID in queue order.
func (v *View) Pending(roomID string) []PendingMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []PendingMessage
	for _, message := range v.pending {
		if message.RoomID == roomID {
			out = append(out, message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}
