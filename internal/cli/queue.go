package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// QueueCmd returns the queue command group.
func QueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations",
	}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueShowCmd())
	cmd.AddCommand(queueRemoveCmd())
	cmd.AddCommand(queueClearCmd())
	cmd.AddCommand(queueDrainCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			records, err := client.ListQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}
			return render(cmd, records, func(w io.Writer) {
				if len(records) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOPERATION\tENTITY\tSTATUS\tRETRIES\tCREATED")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.ID, r.OperationName, r.EntityType, statusLabel(string(r.Status)), r.Retries,
						time.UnixMilli(r.CreatedAt).Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
}

func queueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one queued mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			rec, err := client.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, rec, func(w io.Writer) { printRecord(w, rec) })
		},
	}
}

func printRecord(w io.Writer, r *models.MutationRecord) {
	fmt.Fprintf(w, "%s  %s\n", color.New(color.Bold).Sprint(r.ID), statusLabel(string(r.Status)))
	fmt.Fprintf(w, "  Operation: %s\n", r.OperationName)
	fmt.Fprintf(w, "  Entity:    %s\n", r.EntityType)
	fmt.Fprintf(w, "  Created:   %s\n", time.UnixMilli(r.CreatedAt).Format(time.RFC3339))
	fmt.Fprintf(w, "  Retries:   %d\n", r.Retries)
	if r.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s\n", r.LastError)
	}
	if vars, err := json.Marshal(r.Variables); err == nil {
		fmt.Fprintf(w, "  Variables: %s\n", vars)
	}
	if len(r.ConflictingFields) > 0 {
		fmt.Fprintf(w, "  %s Conflicting fields: %s\n", warnMark, strings.Join(r.ConflictingFields, ", "))
		keys := make([]string, 0, len(r.ServerVersion))
		for k := range r.ServerVersion {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    server.%s = %v\n", k, r.ServerVersion[k])
		}
	}
}

func queueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [id]",
		Short: "Drop one queued mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.RemoveRecord(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to remove %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", okMark, args[0])
			return nil
		},
	}
}

func queueClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation",
		Long:  "Drop every queued mutation. The writes are lost; dead letters are kept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to clear the queue without --yes")
			}
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.ClearQueue(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Queue cleared\n", okMark)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Confirm dropping all queued writes")
	return cmd
}

func queueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay the queue now and wait for the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			summary, err := client.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to drain queue: %w", err)
			}
			return render(cmd, summary, func(w io.Writer) { printSummary(w, summary) })
		},
	}
}

func printSummary(w io.Writer, s *queue.DrainSummary) {
	if s.Skipped {
		fmt.Fprintf(w, "%s Drain skipped: %s\n", warnMark, s.Reason)
		return
	}
	mark := okMark
	if s.Aborted || s.Failed > 0 {
		mark = warnMark
	}
	fmt.Fprintf(w, "%s Attempted %d: %d succeeded, %d failed, %d evicted, %d conflicts, %d auto-resolved\n",
		mark, s.Attempted, s.Succeeded, s.Failed, s.Evicted, s.Conflicts, s.Resolved)
	if s.Aborted {
		fmt.Fprintln(w, "  Connectivity was lost during the drain.")
	}
	fmt.Fprintf(w, "  Remaining: %d\n", s.Remaining)
}

// ConflictCmd returns the conflict command group.
func ConflictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Aliases: []string{"conflict"},
		Short:   "Review and resolve mutations paused on a conflict",
	}
	cmd.AddCommand(conflictListCmd())
	cmd.AddCommand(conflictResolveCmd())
	return cmd
}

func conflictListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mutations waiting for a manual decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			records, err := client.ListQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}
			var conflicts []*models.MutationRecord
			for _, r := range records {
				if r.Status == models.StatusConflict {
					conflicts = append(conflicts, r)
				}
			}
			return render(cmd, conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "No conflicts.")
					return
				}
				for _, r := range conflicts {
					printRecord(w, r)
				}
			})
		},
	}
}

func conflictResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Apply a resolved payload to a paused mutation",
		Long: `Apply a resolved payload to a paused mutation. Field names are the
server's. The mutation rejoins the queue and is replayed with the merged values.

Examples:
  offlinesync conflicts resolve 3f2a... --data '{"bio":"merged bio"}'
  offlinesync conflicts resolve 3f2a... --file resolved.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolvedPayload(cmd)
			if err != nil {
				return err
			}
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.ResolveConflict(cmd.Context(), args[0], resolved); err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Resolved %s\n", okMark, args[0])
			return nil
		},
	}
	cmd.Flags().String("data", "", "Resolved payload as a JSON object")
	cmd.Flags().String("file", "", "Read the resolved payload from a JSON file")
	return cmd
}

func resolvedPayload(cmd *cobra.Command) (map[string]interface{}, error) {
	data, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("file")

	var raw []byte
	switch {
	case data != "" && file != "":
		return nil, fmt.Errorf("use only one of --data and --file")
	case data != "":
		raw = []byte(data)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("a resolved payload is required\nHint: use --data or --file")
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("resolved payload must be a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("resolved payload must be a JSON object")
	}
	return out, nil
}
