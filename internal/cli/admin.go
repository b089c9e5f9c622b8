package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra/auth"
)

func newSiteCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Site-wide operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <domain>",
		Short: "Enqueue a verification of every known link of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp struct {
				Success bool   `json:"success"`
				JobID   string `json:"jobId"`
			}
			if err := newAPIClient(opts).do(ctx, "POST", "/site/verify", map[string]string{"domain": args[0]}, &resp); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s enqueued\n", resp.JobID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults <domain>",
		Short: "Install the default policy set for a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp policiesResponse
			if err := newAPIClient(opts).do(ctx, "POST", "/site/default-policies", map[string]string{"domain": args[0]}, &resp); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			for _, p := range resp.Policies {
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", p.Name)
			}
			return nil
		},
	})
	return cmd
}

// parseMode принимает номер режима или его имя.
func parseMode(s string) (domain.Mode, error) {
	if n, err := strconv.Atoi(s); err == nil {
		m := domain.Mode(n)
		if !m.Valid() {
			return 0, fmt.Errorf("mode %d out of range", n)
		}
		return m, nil
	}
	for _, m := range []domain.Mode{domain.ModeFailOpenNoOp, domain.ModeDecisionNoOp, domain.ModeNormal} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func printConfig(cmd *cobra.Command, opts *Options, cfg domain.GateConfig) error {
	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), cfg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version=%d mode=%d (%s)\n", cfg.Version, int(cfg.Mode), cfg.Mode)
	return nil
}

func newConfigCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Gate configuration shared by every gate",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current gate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var cfg domain.GateConfig
			if err := newAPIClient(opts).do(ctx, "GET", "/config", nil, &cfg); err != nil {
				return err
			}
			return printConfig(cmd, opts, cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set-mode <mode>",
		Short: "Switch every gate to a mode (0|1|2 or fail-open-noop|decision-noop|normal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var cfg domain.GateConfig
			if err := newAPIClient(opts).do(ctx, "PUT", "/config", map[string]int{"mode": int(mode)}, &cfg); err != nil {
				return err
			}
			return printConfig(cmd, opts, cfg)
		},
	})
	return cmd
}

func newStatusCommand(opts *Options) *cobra.Command {
	var page, mode string
	cmd := &cobra.Command{
		Use:   "status <domain> <url>",
		Short: "Ask the API for the status of one link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if page == "" {
				page = "https://" + args[0] + "/"
			}
			q := url.Values{}
			q.Set("domain", args[0])
			q.Set("page", base64.StdEncoding.EncodeToString([]byte(page)))
			q.Set("url", base64.StdEncoding.EncodeToString([]byte(args[1])))
			if mode != "" {
				q.Set("mode", mode)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp domain.StatusResponse
			if err := newAPIClient(opts).do(ctx, "GET", "/links/status?"+q.Encode(), nil, &resp); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			switch {
			case resp.Status == nil:
				fmt.Fprintln(cmd.OutOrStdout(), "pending")
			case *resp.Status:
				fmt.Fprintln(cmd.OutOrStdout(), "allowed")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "blocked")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&page, "page", "", "page that loads the link (default https://<domain>/)")
	cmd.Flags().StringVar(&mode, "mode", "", "API mode override (noop|discovery|normal)")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print a bcrypt hash of an admin key for auth.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashKey(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 10, "bcrypt cost")
	return cmd
}
