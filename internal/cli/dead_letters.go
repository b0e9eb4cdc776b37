package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// DeadLetterCmd returns the dead-letter command group.
func DeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect mutations evicted from the queue",
	}
	cmd.AddCommand(deadLetterListCmd())
	cmd.AddCommand(deadLetterRequeueCmd())
	cmd.AddCommand(deadLetterPurgeCmd())
	return cmd
}

func deadLetterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List evicted mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			letters, err := client.DeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			return render(cmd, letters, func(w io.Writer) {
				if len(letters) == 0 {
					fmt.Fprintln(w, "No dead letters.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tRECORD\tOPERATION\tRETRIES\tKIND\tEVICTED\tREASON")
				for _, d := range letters {
					kind := "retries"
					if d.Permanent {
						kind = "permanent"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						d.ID, d.Record.ID, d.Record.OperationName, d.Record.Retries, kind,
						d.EvictedAtTime().Format(time.RFC3339), d.Reason)
				}
				tw.Flush()
			})
		},
	}
}

func deadLetterRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [id]",
		Short: "Move an evicted mutation back to the end of the queue",
		Long:  "Move an evicted mutation back to the end of the queue with its retries reset. The id may be the dead letter's or the record's.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			id, err := client.RequeueDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to requeue %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Requeued as %s\n", okMark, id)
			return nil
		},
	}
}

func deadLetterPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to purge dead letters without --yes")
			}
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			n, err := client.PurgeDeadLetters(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to purge dead letters: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Purged %d dead letters\n", okMark, n)
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Confirm deleting all dead letters")
	return cmd
}
