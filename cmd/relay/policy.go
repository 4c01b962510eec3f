package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/agentoven/relay/pkg/server"
	"github.com/spf13/cobra"
)

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and record guardrail policy decisions",
	}
	cmd.AddCommand(
		newPolicyCheckCmd(opts),
		newPolicyRecordCmd(opts),
		newPolicyDescribeCmd(opts),
	)
	return cmd
}

func newPolicyCheckCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <action> [argument]",
		Short: "Evaluate an action against the policy and recorded decisions",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := server.OpenPolicy(opts.loadConfig())
			if err != nil {
				return err
			}
			action, arg, err := parseActionArgs(args)
			if err != nil {
				return err
			}

			ev := engine.Evaluate(action, arg)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ev)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ev.Verdict, ev.Risk, ev.Reason)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full evaluation as JSON")
	return cmd
}

func newPolicyRecordCmd(opts *rootOptions) *cobra.Command {
	var allow, deny bool
	cmd := &cobra.Command{
		Use:   "record <action> [argument]",
		Short: "Record a permanent allow or deny decision",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allow == deny {
				return errors.New("exactly one of --allow or --deny is required")
			}
			engine, err := server.OpenPolicy(opts.loadConfig())
			if err != nil {
				return err
			}
			action, arg, err := parseActionArgs(args)
			if err != nil {
				return err
			}
			if err := engine.RecordDecision(action, arg, allow); err != nil {
				return err
			}

			verdict := "deny"
			if allow {
				verdict = "allow"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s\n", verdict, engine.Describe(action, arg))
			return err
		},
	}
	cmd.Flags().BoolVar(&allow, "allow", false, "allow this exact action")
	cmd.Flags().BoolVar(&deny, "deny", false, "deny this exact action")
	return cmd
}

func newPolicyDescribeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <action> [argument]",
		Short: "Print the confirmation summary for an action",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := server.OpenPolicy(opts.loadConfig())
			if err != nil {
				return err
			}
			action, arg, err := parseActionArgs(args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), engine.Describe(action, arg))
			return err
		},
	}
}

// parseActionArgs reads "<action> [argument]". An argument that starts
// with "{" is decoded as a JSON object; anything else is a plain string.
func parseActionArgs(args []string) (string, interface{}, error) {
	action := args[0]
	if len(args) == 1 {
		return action, nil, nil
	}
	raw := args[1]
	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return action, raw, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", nil, fmt.Errorf("argument looks like JSON but does not parse: %w", err)
	}
	return action, obj, nil
}
