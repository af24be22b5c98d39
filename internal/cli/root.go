// Package cli implements vitactl, a command line client for the
// correlation API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvaroprs8/vitascience/internal/client"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	APIURL   string
	Format   string // "json" | "text"
	Interval time.Duration
	Attempts uint
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "vitactl",
		Short: "Submit work and poll for results",
		Long:  "vitactl submits analyses and chat turns to the API and optionally waits for their callbacks.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.APIURL == "" {
				return fmt.Errorf("--api is required")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("VITA_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", defaultURL, "API base url (env VITA_API_URL)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Interval, "interval", client.DefaultPollInterval, "poll interval for --wait")
	cmd.PersistentFlags().UintVar(&opts.Attempts, "attempts", client.DefaultMaxAttempts, "max polls for --wait")

	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))

	return cmd
}

func (o *RootOptions) client() *client.Client {
	return client.New(o.APIURL, client.WithPollInterval(o.Interval), client.WithMaxAttempts(o.Attempts))
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
