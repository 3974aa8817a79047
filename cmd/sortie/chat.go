package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sortie-app/sortie-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <event-id>",
	Short: "Open an event's live chat",
	Long:  "Open an event's chat room. Incoming messages print as they arrive;\ntype a line and press enter to send. Ctrl-D or Ctrl-C leaves the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID := parseEventID(args[0])
		client, _ := getClient()
		requireAuth(client)

		session := newInteractiveSession(client)
		if err := session.Bootstrap(context.Background()); err != nil {
			return fmt.Errorf("session bootstrap failed: %w", err)
		}
		if session.State() != sortie.SessionAuthenticated {
			fmt.Fprintln(os.Stderr, "Error: stored tokens are no longer valid")
			fmt.Fprintln(os.Stderr, "Run: sortie login <email>")
			os.Exit(1)
		}
		defer session.Close()

		rt := session.Realtime()
		chat, err := sortie.OpenChat(context.Background(), client, rt, session.Unread(), eventID)
		if err != nil {
			return fmt.Errorf("cannot open chat: %w", err)
		}
		defer chat.Close()

		for _, msg := range chat.Messages() {
			printMessage(msg)
		}

		// Print live traffic on top of the session's own handling. The chat
		// session keeps the canonical log; this subscription only renders.
		printSub := rt.OnNewMessage(func(msg sortie.ChatMessage) {
			if msg.EventID == eventID {
				printMessage(msg)
			}
		})
		defer printSub.Cancel()

		statusSubs := []*sortie.Subscription{
			rt.OnReconnecting(func(attempt int) {
				fmt.Fprintf(os.Stderr, "-- reconnecting (attempt %d) --\n", attempt)
			}),
			rt.OnConnected(func() { fmt.Fprintln(os.Stderr, "-- connected --") }),
		}
		defer func() {
			for _, sub := range statusSubs {
				sub.Cancel()
			}
		}()

		fmt.Fprintf(os.Stderr, "Joined event #%d. Type to chat, Ctrl-D to leave.\n", eventID)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := chat.Send(context.Background(), line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			case <-sig:
				return nil
			}
		}
	},
}

func printMessage(msg sortie.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.Sender.Username, msg.Text)
}
