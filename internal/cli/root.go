package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Options — глобальные флаги lmsctl.
type Options struct {
	API     string
	Key     string
	Header  string
	Timeout time.Duration
	Format  string // text | json
}

var validFormats = []string{"text", "json"}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// NewRootCommand собирает дерево команд lmsctl.
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "lmsctl",
		Short:         "Administer the LMS link verification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.API, "api", envOr("LMS_API_URL", "http://localhost:8080"), "LMS API base URL")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", os.Getenv("LMS_API_KEY"), "admin API key")
	cmd.PersistentFlags().StringVar(&opts.Header, "key-header", "X-Api-Key", "header carrying the admin key")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newPoliciesCommand(opts))
	cmd.AddCommand(newSiteCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newHashKeyCommand())

	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
