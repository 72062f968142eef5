// Command flowctl operates a flowgate control API: it starts and cancels
// runs, decides tickets and checks audit chains.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	v      *viper.Viper
	out    io.Writer
	client *client
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:          "flowctl",
		Short:        "Operate flowgate runs, tickets and audit chains",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.v, cmd)
			if err != nil {
				return err
			}
			c.client = newClient(cfg)
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().String("server", "", "control API base URL (FLOWCTL_SERVER)")
	root.PersistentFlags().String("token", "", "bearer token (FLOWCTL_TOKEN)")
	root.PersistentFlags().Duration("timeout", 0, "request timeout (FLOWCTL_TIMEOUT)")
	root.PersistentFlags().String("config", "", "config file (default ./flowctl.yaml or ~/.config/flowctl/flowctl.yaml)")

	root.AddCommand(c.runsCommand())
	root.AddCommand(c.ticketsCommand())
	root.AddCommand(c.decideCommand())
	root.AddCommand(c.auditCommand())
	root.AddCommand(c.verifyDecisionCommand())
	root.AddCommand(c.templatesCommand())
	root.AddCommand(c.healthCommand())
	root.AddCommand(c.metricsCommand())
	return root
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) callAndPrint(ctx context.Context, method, path string, query url.Values, body any) error {
	out, err := c.client.call(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) runsCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Start, inspect and cancel runs"}

	start := &cobra.Command{
		Use:   "start <template-id>",
		Short: "Start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetInt("version")
			pairs, _ := cmd.Flags().GetStringArray("set")
			contextJSON, _ := cmd.Flags().GetString("context")
			initial, err := buildContext(contextJSON, pairs)
			if err != nil {
				return err
			}
			body := map[string]any{"templateId": args[0]}
			if version > 0 {
				body["version"] = version
			}
			if len(initial) > 0 {
				body["context"] = initial
			}
			return c.callAndPrint(cmd.Context(), http.MethodPost, "/runs", nil, body)
		},
	}
	start.Flags().Int("version", 0, "template version (default latest published)")
	start.Flags().String("context", "", "initial context as a JSON object")
	start.Flags().StringArray("set", nil, "initial context entry key=value, repeatable")

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, name := range []string{"status", "template"} {
				value, _ := cmd.Flags().GetString(name)
				if value == "" {
					continue
				}
				key := name
				if name == "template" {
					key = "templateId"
				}
				query.Set(key, value)
			}
			if review, _ := cmd.Flags().GetBool("needs-review"); review {
				query.Set("needsReview", "true")
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				query.Set("limit", fmt.Sprint(limit))
			}
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/runs", query, nil)
		},
	}
	list.Flags().String("status", "", "filter by status")
	list.Flags().String("template", "", "filter by template id")
	list.Flags().Bool("needs-review", false, "only runs flagged for review")
	list.Flags().Int("limit", 0, "maximum runs to return")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its step history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/runs/"+url.PathEscape(args[0]), nil, nil)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			var body any
			if strings.TrimSpace(reason) != "" {
				body = map[string]string{"reason": reason}
			}
			return c.callAndPrint(cmd.Context(), http.MethodPost, "/runs/"+url.PathEscape(args[0])+"/cancel", nil, body)
		},
	}
	cancel.Flags().String("reason", "", "cancellation reason recorded in the audit ledger")

	archive := &cobra.Command{
		Use:   "archive <run-id>",
		Short: "Fetch the archived bundle of a terminal run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/runs/"+url.PathEscape(args[0])+"/archive", nil, nil)
		},
	}

	cmd.AddCommand(start, list, get, cancel, archive)
	return cmd
}

func (c *cli) ticketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List open approval tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if role, _ := cmd.Flags().GetString("role"); role != "" {
				query.Set("role", role)
			}
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/tickets", query, nil)
		},
	}
	cmd.Flags().String("role", "", "only tickets routed to this role")
	return cmd
}

func (c *cli) decideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <ticket-id>",
		Short: "Approve, modify or reject a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, _ := cmd.Flags().GetString("action")
			actor, _ := cmd.Flags().GetString("actor")
			patchJSON, _ := cmd.Flags().GetString("patch")
			pairs, _ := cmd.Flags().GetStringArray("set")

			action = strings.ToUpper(strings.TrimSpace(action))
			switch action {
			case "APPROVE", "MODIFY", "REJECT":
			default:
				return fmt.Errorf("action must be approve, modify or reject (got %q)", action)
			}
			body := map[string]any{"action": action}
			if actor != "" {
				body["actor"] = actor
			}
			patch, err := buildContext(patchJSON, pairs)
			if err != nil {
				return err
			}
			if len(patch) > 0 {
				body["patch"] = patch
			}
			return c.callAndPrint(cmd.Context(), http.MethodPost, "/tickets/"+url.PathEscape(args[0])+"/decision", nil, body)
		},
	}
	cmd.Flags().String("action", "approve", "approve, modify or reject")
	cmd.Flags().String("actor", "", "decision actor (default the authenticated subject)")
	cmd.Flags().String("patch", "", "context patch as a JSON object (modify)")
	cmd.Flags().StringArray("set", nil, "patch entry key=value, repeatable")
	return cmd
}

func (c *cli) auditCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query, verify and export a run's audit chain"}

	list := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/audit/"+url.PathEscape(args[0]), rangeQuery(cmd), nil)
		},
	}
	list.Flags().String("from", "", "first sequence number or RFC3339 time")
	list.Flags().String("to", "", "last sequence number or RFC3339 time")

	verify := &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Recompute the hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.client.call(cmd.Context(), http.MethodGet, "/audit/"+url.PathEscape(args[0])+"/verify", nil, nil)
			if err != nil {
				return err
			}
			if err := c.print(out); err != nil {
				return err
			}
			if m, ok := out.(map[string]any); ok && m["valid"] != true {
				return errors.New("audit chain is broken")
			}
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Export entries as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := c.out
			if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err := c.client.stream(cmd.Context(), "/audit/"+url.PathEscape(args[0])+"/export", rangeQuery(cmd), w)
			return err
		},
	}
	export.Flags().String("from", "", "first sequence number or RFC3339 time")
	export.Flags().String("to", "", "last sequence number or RFC3339 time")
	export.Flags().StringP("output", "o", "-", "output file")

	cmd.AddCommand(list, verify, export)
	return cmd
}

func (c *cli) verifyDecisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-decision <token>",
		Short: "Check a signed decision token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.client.call(cmd.Context(), http.MethodPost, "/decisions/verify", nil, map[string]string{"token": args[0]})
			if err != nil {
				return err
			}
			if err := c.print(out); err != nil {
				return err
			}
			if m, ok := out.(map[string]any); ok && m["valid"] != true {
				return errors.New("decision token is invalid")
			}
			return nil
		},
	}
}

func (c *cli) templatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates [template-id]",
		Short: "List templates or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return c.callAndPrint(cmd.Context(), http.MethodGet, "/templates/"+url.PathEscape(args[0]), nil, nil)
			}
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/templates", nil, nil)
		},
	}
}

func (c *cli) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the run and ticket health report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/reports/health", nil, nil)
		},
	}
}

func (c *cli) metricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show engine counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callAndPrint(cmd.Context(), http.MethodGet, "/reports/metrics", nil, nil)
		},
	}
}

func rangeQuery(cmd *cobra.Command) url.Values {
	query := url.Values{}
	for _, name := range []string{"from", "to"} {
		if value, _ := cmd.Flags().GetString(name); strings.TrimSpace(value) != "" {
			query.Set(name, strings.TrimSpace(value))
		}
	}
	return query
}

// buildContext merges a JSON object with key=value pairs. Values in pairs
// are decoded as JSON when they parse and kept as strings otherwise.
func buildContext(raw string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("context must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid entry %q, want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}
