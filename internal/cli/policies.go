package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/service"
)

type policiesResponse struct {
	Success  bool            `json:"success"`
	Policies []domain.Policy `json:"policies"`
}

func newPoliciesCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage verification policies",
	}
	cmd.AddCommand(newPoliciesValidateCommand(opts))
	cmd.AddCommand(newPoliciesApplyCommand(opts))
	cmd.AddCommand(newPoliciesListCommand(opts))
	cmd.AddCommand(newPoliciesDiffCommand(opts))
	return cmd
}

// validateLocal прогоняет файл через ту же JSON-схему, что и API.
func validateLocal(path string) (json.RawMessage, service.PolicyDocument, error) {
	raw, err := loadPolicyFile(path)
	if err != nil {
		return nil, service.PolicyDocument{}, err
	}
	validator, err := service.NewPolicyService(nil, zap.NewNop())
	if err != nil {
		return nil, service.PolicyDocument{}, err
	}
	doc, err := validator.ValidateDocument(raw)
	if err != nil {
		return nil, service.PolicyDocument{}, fmt.Errorf("%s: %w", path, err)
	}
	return raw, doc, nil
}

func newPoliciesValidateCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy file against the policy schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, doc, err := validateLocal(args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d policies OK\n", args[0], len(doc.Policies))
			return nil
		},
	}
}

func newPoliciesApplyCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Create or replace policies from a YAML/JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _, err := validateLocal(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			var resp policiesResponse
			if err := newAPIClient(opts).do(ctx, "POST", "/policies/create", raw, &resp); err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			for _, p := range resp.Policies {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%s)\n", p.Name, p.ID)
			}
			return nil
		},
	}
}

func fetchPolicies(ctx context.Context, opts *Options, site string) ([]domain.Policy, error) {
	var resp policiesResponse
	err := newAPIClient(opts).do(ctx, "GET", "/policies?domain="+url.QueryEscape(site), nil, &resp)
	return resp.Policies, err
}

func newPoliciesListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <domain>",
		Short: "List policies that apply to a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			policies, err := fetchPolicies(ctx, opts, args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), policies)
			}
			for _, p := range policies {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-22s expect=%-5t duration=%ds origin=%s\n",
					p.Name, p.VerifyFn, p.VerifyFnOutput, p.Duration, p.OriginSource)
			}
			return nil
		},
	}
}

func newPoliciesDiffCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <domain> <file>",
		Short: "Show how a policy file differs from the policies stored for a site",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, doc, err := validateLocal(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			remote, err := fetchPolicies(ctx, opts, args[0])
			if err != nil {
				return err
			}
			changes, err := DiffPolicies(remote, doc.Policies)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), changes)
			}
			if len(changes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes")
				return nil
			}
			for _, c := range changes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", c.Kind, c.Name)
				for _, op := range c.Patch {
					fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", describeOp(op))
				}
			}
			return nil
		},
	}
}
