package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// PoliciesCmd returns the policies command.
func PoliciesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Show the conflict policy per entity type",
		Long: `Show the conflict policy per entity type. By default the table is built
from the config file; --remote asks the running server instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var policies map[string]conflict.Policy
			if remote, _ := cmd.Flags().GetBool("remote"); remote {
				client, err := clientFor(cmd)
				if err != nil {
					return err
				}
				if policies, err = client.Policies(cmd.Context()); err != nil {
					return fmt.Errorf("failed to get policies: %w", err)
				}
			} else {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				policies = cfg.ConflictPolicies()
			}
			return render(cmd, policies, func(w io.Writer) { printPolicies(w, policies) })
		},
	}
	cmd.Flags().Bool("remote", false, "Read the policies from the running server")
	return cmd
}

func printPolicies(w io.Writer, policies map[string]conflict.Policy) {
	entities := make([]string, 0, len(policies))
	for e := range policies {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTRATEGY\tDETAILS")
	for _, e := range entities {
		p := policies[e]
		var details []string
		if p.MergeFields != nil {
			details = append(details, "merge: "+strings.Join(p.MergeFields, ","))
		}
		if pf := p.PriorityFields; pf != nil {
			if len(pf.Client) > 0 {
				details = append(details, "client: "+strings.Join(pf.Client, ","))
			}
			if len(pf.Server) > 0 {
				details = append(details, "server: "+strings.Join(pf.Server, ","))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e, p.Strategy, strings.Join(details, "; "))
	}
	tw.Flush()
}

// ConfigCmd returns the config command group.
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
