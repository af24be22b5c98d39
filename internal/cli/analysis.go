package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alvaroprs8/vitascience/internal/analysis"
	"github.com/alvaroprs8/vitascience/internal/client"
)

type SubmitOptions struct {
	*RootOptions
	Input string
	Title string
	Wait  bool
}

func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an analysis",
		Long: `Submit an analysis and print its correlation id.

With --wait the command polls until the worker called back or the
attempts run out. Running out does not cancel the work.

Example:
  vitactl submit --input "Acme is hiring" --title Acme --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input text, - reads stdin")
	cmd.Flags().StringVar(&opts.Title, "title", "", "optional title")
	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "poll until the result arrives")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *SubmitOptions) error {
	input := opts.Input
	if input == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		input = string(b)
	}
	if strings.TrimSpace(input) == "" {
		return errors.New("--input is required")
	}

	c := opts.client()
	id, err := c.Submit(cmd.Context(), client.SubmitRequest{Input: input, Title: opts.Title})
	if err != nil {
		return err
	}
	if !opts.Wait {
		if opts.Format == "json" {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"correlationId": id, "status": "pending"})
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	view, err := c.WaitForResult(cmd.Context(), id)
	if errors.Is(err, client.ErrStillProcessing) {
		fmt.Fprintf(cmd.ErrOrStderr(), "still processing; check later with: vitactl status %s\n", id)
		return printStatus(cmd, opts.RootOptions, id, &analysis.StatusView{Status: "pending"})
	}
	if err != nil {
		return err
	}
	return printStatus(cmd, opts.RootOptions, id, view)
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <correlation-id>",
		Short: "Show the status of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := rootOpts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd, rootOpts, args[0], view)
		},
	}
}

func printStatus(cmd *cobra.Command, opts *RootOptions, id string, view *analysis.StatusView) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), struct {
			CorrelationID string `json:"correlationId"`
			*analysis.StatusView
		}{id, view})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\t%s\n", id, view.Status)
	switch {
	case view.ResultText != "":
		fmt.Fprintln(out, view.ResultText)
	case len(view.Result) > 0:
		fmt.Fprintln(out, string(view.Result))
	}
	return nil
}
