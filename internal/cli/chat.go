package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alvaroprs8/vitascience/internal/client"
)

type ChatOptions struct {
	*RootOptions
	ConversationID string
	Message        string
	Wait           bool
	Limit          int
}

func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk about a finished analysis",
	}
	cmd.PersistentFlags().StringVarP(&opts.ConversationID, "conversation", "c", "", "conversation id (the analysis correlation id)")

	send := &cobra.Command{
		Use:   "send",
		Short: "Send a message and optionally wait for the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatSend(cmd, opts)
		},
	}
	send.Flags().StringVarP(&opts.Message, "message", "m", "", "message text")
	send.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "poll until the reply arrives")

	history := &cobra.Command{
		Use:   "history",
		Short: "Print the conversation oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatHistory(cmd, opts)
		},
	}
	history.Flags().IntVar(&opts.Limit, "limit", 0, "max messages (server default when 0)")

	cmd.AddCommand(send, history)
	return cmd
}

func runChatSend(cmd *cobra.Command, opts *ChatOptions) error {
	if opts.ConversationID == "" || opts.Message == "" {
		return errors.New("--conversation and --message are required")
	}
	c := opts.client()
	res, err := c.SendChat(cmd.Context(), opts.ConversationID, opts.Message)
	if err != nil {
		return err
	}
	if !opts.Wait {
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.TurnCorrelationID)
		return nil
	}

	view, err := c.WaitForReply(cmd.Context(), opts.ConversationID, res.TurnCorrelationID)
	if errors.Is(err, client.ErrStillProcessing) {
		fmt.Fprintf(cmd.ErrOrStderr(), "no reply yet for turn %s\n", res.TurnCorrelationID)
		return nil
	}
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), view)
	}
	fmt.Fprintln(cmd.OutOrStdout(), view.Reply)
	return nil
}

func runChatHistory(cmd *cobra.Command, opts *ChatOptions) error {
	if opts.ConversationID == "" {
		return errors.New("--conversation is required")
	}
	msgs, err := opts.client().History(cmd.Context(), opts.ConversationID, opts.Limit)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), msgs)
	}
	for _, m := range msgs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Role, m.Content)
	}
	return nil
}
