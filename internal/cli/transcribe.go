package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/harun/platepal/pkg/assistant"
	"github.com/spf13/cobra"
)

var (
	transcribeUser string
	transcribeSend bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE",
	Short: "Transcribe a voice note",
	Long: `Transcribe a recorded voice note and print the text.
With --send the text is also sent to the coach as a message.`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscribe,
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeUser, "user", defaultUser(), "user id for --send")
	transcribeCmd.Flags().BoolVar(&transcribeSend, "send", false, "send the transcript to the coach")
	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := a.manager.Transcribe(cmd.Context(), assistant.AudioInput{
		Data:     data,
		Filename: filepath.Base(path),
		MIMEType: mime.TypeByExtension(filepath.Ext(path)),
	})
	if err != nil {
		return fmt.Errorf("failed to transcribe: %w", err)
	}
	if text == "" {
		return fmt.Errorf("no speech detected in %s", path)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)

	if !transcribeSend {
		return nil
	}
	messages, err := a.manager.Send(cmd.Context(), transcribeUser, text, "")
	if err != nil {
		return fmt.Errorf("%s", userMessage(err))
	}
	c := &chatSession{out: cmd.OutOrStdout()}
	for _, m := range messages {
		if m.Role != assistant.RoleUser {
			c.print([]assistant.Message{m})
		}
	}
	return nil
}
