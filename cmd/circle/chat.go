package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	circle "github.com/circle-im/circle-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesLimit int

	// send
	sendFile string

	// open
	openWith string
)

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Maximum number of messages to fetch")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Path of a media attachment to upload and send")
	openCmd.Flags().StringVar(&openWith, "with", "", "User id to open a direct conversation with")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(openCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, c := range convs {
			name := c.Title
			if name == "" {
				name = c.OtherUserName
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s  %s%s\n", c.ID, name, unread)
			if c.LastMessage != "" {
				fmt.Printf("      %s\n", c.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.ListMessages(ctx, args[0], &circle.PageOptions{Limit: messagesLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range msgs {
			printMessage(msg)
		}
		return nil
	},
}

func printMessage(msg circle.Message) {
	sender := msg.SenderUsername
	if sender == "" {
		sender = msg.SenderID
	}
	body := msg.Content
	if msg.HasMedia() && body == "" {
		body = fmt.Sprintf("[%s: %s]", msg.Type, msg.FileName)
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), sender, body)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message to a conversation",
	Long:  "Send a text message, optionally with a media attachment uploaded from --file.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := ""
		if len(args) == 2 {
			content = args[1]
		}

		var media *circle.MediaFile
		if sendFile != "" {
			data, err := os.ReadFile(sendFile)
			if err != nil {
				return fmt.Errorf("cannot read attachment: %w", err)
			}
			mimeType := mime.TypeByExtension(filepath.Ext(sendFile))
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			media = &circle.MediaFile{
				Name: filepath.Base(sendFile),
				Mime: mimeType,
				Data: data,
			}
		}
		if content == "" && media == nil {
			return fmt.Errorf("nothing to send: give a message, --file, or both")
		}

		channel := getChannel()
		m, err := circle.NewMessenger(getClient(), channel)
		if err != nil {
			return fmt.Errorf("cannot build messenger: %w", err)
		}
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := channel.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer channel.Disconnect()

		if err := channel.JoinRoom(ctx, conversationID); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}

		msg, err := m.SendMessage(ctx, conversationID, content, media)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent (temp id %s)\n", msg.TempID)
		return nil
	},
}

// ============================================================================
// search
// ============================================================================

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search for users to chat with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s  %s (%s)\n", u.ID, u.DisplayName(), u.Username)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Marked read.")
		return nil
	},
}

// ============================================================================
// open
// ============================================================================

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (or create) a direct conversation with a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if openWith == "" {
			return fmt.Errorf("--with <user-id> is required")
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.GetOrCreateConversation(ctx, openWith)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conv.OtherUserName)
		return nil
	},
}
