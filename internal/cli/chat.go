package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/gateway"
	"github.com/harun/platepal/pkg/personality"
	"github.com/harun/platepal/pkg/session"
	"github.com/spf13/cobra"
)

var (
	chatUser        string
	chatPersonality string
	chatHistory     int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with your coach in the terminal",
	Long: `Chat with your coach in the terminal.
Type a message and press enter. Commands:
  /personality <key>  switch coach personality
  /personalities      list personalities
  /clear              start a fresh conversation
  /history            show the whole conversation
  /quit               leave`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", defaultUser(), "user id the conversation belongs to")
	chatCmd.Flags().StringVar(&chatPersonality, "personality", "", "personality for a new conversation")
	chatCmd.Flags().IntVar(&chatHistory, "history", 10, "messages of history to show on start")
	rootCmd.AddCommand(chatCmd)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c := &chatSession{
		conversations: a.manager,
		userID:        chatUser,
		in:            bufio.NewScanner(cmd.InOrStdin()),
		out:           cmd.OutOrStdout(),
	}
	return c.run(cmd.Context(), chatPersonality, chatHistory)
}

// chatSession is the terminal front end over the session manager.
type chatSession struct {
	conversations gateway.Conversations
	userID        string
	in            *bufio.Scanner
	out           io.Writer
}

func (c *chatSession) run(ctx context.Context, personalityKey string, history int) error {
	conv, err := c.conversations.Resolve(ctx, c.userID, personalityKey)
	if conv == nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	fmt.Fprintf(c.out, "Coach: %s (type /quit to leave)\n\n", displayName(conv.PersonalityKey))
	c.print(tail(conv.Messages, history))
	if err != nil {
		fmt.Fprintf(c.out, "! %s\n", userMessage(err))
	}

	for {
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := c.command(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "! %s\n", userMessage(err))
			}
			if quit {
				return nil
			}
			continue
		}

		messages, err := c.conversations.Send(ctx, c.userID, line, "")
		if err != nil {
			fmt.Fprintf(c.out, "! %s\n", userMessage(err))
			continue
		}
		for _, m := range messages {
			if m.Role != assistant.RoleUser {
				c.print([]assistant.Message{m})
			}
		}
	}
}

func (c *chatSession) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/personalities":
		printPersonalities(c.out)
	case "/personality":
		if len(fields) < 2 {
			return false, errors.New("usage: /personality <key>")
		}
		conv, err := c.conversations.ChangePersonality(ctx, c.userID, fields[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "Coach: %s\n", displayName(conv.PersonalityKey))
	case "/clear":
		conv, err := c.conversations.Clear(ctx, c.userID)
		if conv != nil {
			c.print(conv.Messages)
		}
		return false, err
	case "/history":
		messages, err := c.conversations.Transcript(ctx, c.userID)
		if err != nil {
			return false, err
		}
		c.print(messages)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (c *chatSession) print(messages []assistant.Message) {
	for _, m := range messages {
		switch m.Role {
		case assistant.RoleUser:
			fmt.Fprintf(c.out, "you: %s\n", m.Content)
		case assistant.RoleSystem:
			fmt.Fprintf(c.out, "-- %s\n", m.Content)
		default:
			fmt.Fprintf(c.out, "coach: %s\n", m.Content)
		}
	}
}

func printPersonalities(w io.Writer) {
	for _, p := range personality.All() {
		fmt.Fprintf(w, "  %-20s %-20s %s\n", p.Key, p.DisplayName, p.Tagline)
	}
}

func displayName(key string) string {
	if p, err := personality.Lookup(key); err == nil {
		return p.DisplayName
	}
	return key
}

func tail(messages []assistant.Message, n int) []assistant.Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNoReply):
		return "Could not get a response. Your message was saved, try again in a moment."
	case errors.Is(err, personality.ErrUnknown):
		return err.Error() + " (see /personalities)"
	default:
		return err.Error()
	}
}
