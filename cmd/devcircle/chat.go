package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
	"github.com/spf13/cobra"
)

const chatHelp = `Join a room and chat from the terminal. Each line is sent as a message;
end a line with a backslash to continue the message on the next line.
Messages written while offline are queued and replayed on reconnect.`

func newChatCommand() *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		Long:  chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, roomID)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "Room id to join")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func runChat(ctx context.Context, roomID string) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	session := rt.session
	self := session.Identity()

	session.View().Observe(func(event realtime.Event) {
		switch e := event.(type) {
		case realtime.NewMessage:
			if e.Message.RoomID != roomID {
				return
			}
			fmt.Printf("[%d] %s: %s\n", e.Message.Sequence, e.Message.Author.Username, e.Message.Content)
		case realtime.Typing:
			if e.RoomID == roomID && e.Active && e.Username != self.Username {
				fmt.Printf("... %s is typing\n", e.Username)
			}
		case realtime.OnlineUsers:
			fmt.Printf("* online: %s\n", strings.Join(e.UserIDs, ", "))
		case realtime.StateChanged:
			fmt.Printf("* %s\n", e.State)
		}
	})

	session.Focus(roomID)
	session.JoinRoom(roomID)
	if err := session.LoadHistory(ctx, roomID); err != nil {
		fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// A line ending in a backslash continues the message; peers see the
	// typing indicator until the final line is sent.
	var draft []string
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-session.Errors():
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if continued, found := strings.CutSuffix(line, "\\"); found {
				session.Keystroke(roomID)
				draft = append(draft, continued)
				continue
			}
			content := strings.Join(append(draft, line), "\n")
			draft = nil
			if strings.TrimSpace(content) == "" {
				continue
			}
			localID, err := session.SendMessage(ctx, roomID, content, false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
				continue
			}
			if localID != 0 {
				fmt.Printf("(queued #%d, will send when back online)\n", localID)
			}
		}
	}
}
