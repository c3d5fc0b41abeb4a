package realtime

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke typing is considered stopped.
const DefaultTypingIdle = 3 * time.Second

// TypingSender emits typing signals; *Channel satisfies it.
type TypingSender interface {
	StartTyping(roomID string)
	StopTyping(roomID string)
}

// Typist debounces keystrokes into start/stop typing signals per room.
type Typist struct {
	sender TypingSender
	idle   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTypist constructs a Typist. A non-positive idle uses DefaultTypingIdle.
func NewTypist(sender TypingSender, idle time.Duration) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typist{sender: sender, idle: idle, timers: make(map[string]*time.Timer)}
}

// Keystroke marks activity in roomID. The first keystroke emits StartTyping;
// each one restarts the idle window.
func (t *Typist) Keystroke(roomID string) {
	t.mu.Lock()
	if timer, ok := t.timers[roomID]; ok && timer.Stop() {
		timer.Reset(t.idle)
		t.mu.Unlock()
		return
	} else if ok {
		// the previous window already expired and its stop is pending; hand over
		// to a fresh timer so the pending expiry becomes a no-op
		t.timers[roomID] = t.arm(roomID)
		t.mu.Unlock()
		return
	}
	t.timers[roomID] = t.arm(roomID)
	t.mu.Unlock()
	t.sender.StartTyping(roomID)
}

// Stop ends typing in roomID, emitting StopTyping if typing was active.
func (t *Typist) Stop(roomID string) {
	t.mu.Lock()
	timer, ok := t.timers[roomID]
	if ok {
		timer.Stop()
		delete(t.timers, roomID)
	}
	t.mu.Unlock()
	if ok {
		t.sender.StopTyping(roomID)
	}
}

// StopAll ends typing in every room.
func (t *Typist) StopAll() {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.timers))
	for roomID := range t.timers {
		rooms = append(rooms, roomID)
	}
	t.mu.Unlock()
	for _, roomID := range rooms {
		t.Stop(roomID)
	}
}

// Active reports whether roomID is marked as typing.
func (t *Typist) Active(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[roomID]
	return ok
}

func (t *Typist) arm(roomID string) *time.Timer {
	var timer *time.Timer
	timer = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		current, ok := t.timers[roomID]
		owned := ok && current == timer
		if owned {
			delete(t.timers, roomID)
		}
		t.mu.Unlock()
		if owned {
			t.sender.StopTyping(roomID)
		}
	})
	return timer
}
