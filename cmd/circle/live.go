package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	circle "github.com/circle-im/circle-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Chat live in a conversation",
	Long:  "Open an interactive session: inbound messages print as they arrive,\nand every line you type is sent. Commands: /read, /who, /quit.",
	Args:  cobra.ExactArgs(1),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	conversationID := args[0]

	channel := getChannel()
	m, err := circle.NewMessenger(getClient(), channel)
	if err != nil {
		return fmt.Errorf("cannot build messenger: %w", err)
	}
	defer m.Close()

	printer := &chatPrinter{selfID: m.Self().UserID, seen: make(map[string]bool)}
	m.OnMessagesChanged(conversationID, printer.onMessages)
	m.OnTypingChanged(conversationID, printer.onTyping)
	m.OnConnectionStatusChanged(func(s circle.Status) {
		if s != circle.StatusConnected {
			fmt.Printf("-- %s --\n", s)
		}
	})

	ctx := context.Background()
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = channel.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer channel.Disconnect()

	if err := m.Open(ctx, conversationID); err != nil {
		return fmt.Errorf("cannot open conversation: %w", err)
	}
	m.StartResync(ctx)

	fmt.Printf("Connected as %s. Type a message, or /quit to leave.\n", m.Self().Username)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/read":
			if err := m.MarkRead(ctx, conversationID); err != nil {
				fmt.Printf("!! mark read failed: %v\n", err)
			}
			continue
		case line == "/who":
			typists := m.Typing().Typists(conversationID)
			if len(typists) == 0 {
				fmt.Println("Nobody is typing.")
			} else {
				fmt.Printf("Typing: %s\n", strings.Join(typists, ", "))
			}
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := m.SendMessage(sendCtx, conversationID, line, nil)
		cancel()
		if err != nil {
			fmt.Printf("!! send failed: %v (retry with /retry later)\n", err)
			printFailures(m, conversationID)
		}
	}
	return scanner.Err()
}

func printFailures(m *circle.Messenger, conversationID string) {
	for _, f := range m.Failures(conversationID) {
		fmt.Printf("   failed: %q (temp id %s)\n", f.Message.Content, f.Message.TempID)
	}
}

// chatPrinter prints inbound messages and typing transitions. Handlers fire on
// the channel's read loop goroutine, so state is mutex-guarded.
type chatPrinter struct {
	selfID string

	mu   sync.Mutex
	seen map[string]bool
}

func (p *chatPrinter) onMessages(msgs []circle.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		key := msg.ID
		if key == "" {
			key = msg.TempID
		}
		if key == "" || p.seen[key] {
			continue
		}
		p.seen[key] = true
		// Own sends were echoed locally already; only print the confirmation
		// of other people's messages.
		if msg.SenderID != p.selfID {
			printMessage(msg)
		}
	}
}

func (p *chatPrinter) onTyping(typists []string) {
	if len(typists) > 0 {
		fmt.Printf("* %s typing...\n", strings.Join(typists, ", "))
	}
}
