package viewstate

import (
	"testing"

	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
	"github.com/stretchr/testify/require"
)

func message(id, roomID, userID string, sequence int64) realtime.NewMessage {
	return realtime.NewMessage{Message: protocol.Message{
		ID:       id,
		RoomID:   roomID,
		UserID:   userID,
		Sequence: sequence,
		Author:   protocol.Author{ID: userID, Username: userID + "-name"},
	}}
}

func TestRosterIsReplaced(t *testing.T) {
	view := New("alice")
	view.Apply(realtime.OnlineUsers{UserIDs: []string{"carol", "alice"}})
	view.Apply(realtime.OnlineUsers{UserIDs: []string{"bob"}})
	require.Equal(t, []string{"bob"}, view.Roster())
}

func TestMessagesAreOrderedAndDeduplicated(t *testing.T) {
	view := New("alice")
	view.Apply(message("m2", "room-1", "bob", 2))
	view.Apply(message("m1", "room-1", "bob", 1))
	view.Apply(message("m3", "room-1", "bob", 3))
	view.Apply(message("m2", "room-1", "bob", 2))

	messages := view.Messages("room-1")
	require.Len(t, messages, 3)
	for index, id := range []string{"m1", "m2", "m3"} {
		require.Equal(t, id, messages[index].ID)
	}
	require.Equal(t, 3, view.Unread("room-1"))
	require.Empty(t, view.Messages("room-2"))
}

func TestTypingSetAndClearOnMessage(t *testing.T) {
	view := New("alice")
	view.Apply(realtime.Typing{RoomID: "room-1", Username: "bob-name", Active: true})
	view.Apply(realtime.Typing{RoomID: "room-1", Username: "carol-name", Active: true})
	require.Equal(t, []string{"bob-name", "carol-name"}, view.Typing("room-1"))

	view.Apply(realtime.Typing{RoomID: "room-1", Username: "carol-name", Active: false})
	view.Apply(message("m1", "room-1", "bob", 1))
	require.Empty(t, view.Typing("room-1"))
}

func TestUnreadCounting(t *testing.T) {
	view := New("alice")
	view.Focus("room-1")

	view.Apply(message("m1", "room-1", "bob", 1))
	view.Apply(message("m2", "room-2", "bob", 1))
	view.Apply(realtime.Notification{RoomID: "room-2", MessageID: "m2", SenderID: "bob"})
	view.Apply(realtime.Notification{RoomID: "room-3", MessageID: "m7", SenderID: "bob"})
	view.Apply(message("m3", "room-2", "alice", 2))

	require.Zero(t, view.Unread("room-1"))
	require.Equal(t, 1, view.Unread("room-2"))
	require.Equal(t, 1, view.Unread("room-3"))

	view.Focus("room-2")
	require.Zero(t, view.Unread("room-2"))
}

func TestPendingProjectionStaysSeparate(t *testing.T) {
	view := New("alice")
	view.AddPending(PendingMessage{LocalID: 2, RoomID: "room-1", Content: "second"})
	view.AddPending(PendingMessage{LocalID: 1, RoomID: "room-1", Content: "first"})
	view.AddPending(PendingMessage{LocalID: 3, RoomID: "room-2", Content: "elsewhere"})

	pending := view.Pending("room-1")
	require.Len(t, pending, 2)
	require.Equal(t, "first", pending[0].Content)
	require.Equal(t, PendingQueued, pending[0].Status)
	require.Empty(t, view.Messages("room-1"))

	view.SettlePending(1, true)
	view.SettlePending(2, false)
	pending = view.Pending("room-1")
	require.Len(t, pending, 1)
	require.Equal(t, PendingFailed, pending[0].Status)

	view.Requeue(2)
	require.Equal(t, PendingQueued, view.Pending("room-1")[0].Status)
	view.Discard(2)
	require.Empty(t, view.Pending("room-1"))
}

func TestStateAndErrorsAreRecorded(t *testing.T) {
	view := New("alice")
	require.Equal(t, realtime.StateDisconnected, view.State())
	view.Apply(realtime.StateChanged{State: realtime.StateConnected})
	view.Apply(realtime.ServerError{Message: "rate limit exceeded"})
	require.Equal(t, realtime.StateConnected, view.State())
	require.Equal(t, "rate limit exceeded", view.LastError())
}

func TestObserversSeeFoldedState(t *testing.T) {
	view := New("alice")
	var counts []int
	view.Observe(func(event realtime.Event) {
		if _, ok := event.(realtime.NewMessage); ok {
			counts = append(counts, len(view.Messages("room-1")))
		}
	})
	view.Observe(nil)

	view.Apply(message("m1", "room-1", "bob", 1))
	view.Apply(message("m2", "room-1", "bob", 2))
	require.Equal(t, []int{1, 2}, counts)
}
