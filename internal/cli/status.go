package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/server"
)

// StatusCmd returns the status command.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, connectivity and scheduler status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			return render(cmd, st, func(w io.Writer) { printStatus(w, st) })
		},
	}
}

func printStatus(w io.Writer, st *server.StatusResponse) {
	fmt.Fprintf(w, "Connectivity: %s\n", onlineLabel(st.Connectivity.Known, st.Connectivity.Connected))
	if st.Connectivity.CheckedAt != nil {
		fmt.Fprintf(w, "  Checked:    %s\n", st.Connectivity.CheckedAt.Format(time.RFC3339))
	}

	q := st.Queue
	fmt.Fprintf(w, "Queue:        %d total, %d pending, %d conflicts, %d dead letters\n",
		q.Total, q.Pending, q.Conflicts, q.DeadLetters)
	if q.Syncing {
		fmt.Fprintf(w, "  Syncing:    %d%%\n", q.Progress)
	}
	if q.LastDrain != nil {
		fmt.Fprintf(w, "  Last drain: %s\n", q.LastDrain.FinishedAt.Format(time.RFC3339))
	}

	if s := st.Scheduler; s != nil {
		fmt.Fprintf(w, "Scheduler:    running=%t, consecutive failures=%d\n", s.IsRunning, s.ConsecutiveFailures)
		if s.NextDrainAt != nil {
			fmt.Fprintf(w, "  Next drain: %s\n", s.NextDrainAt.Format(time.RFC3339))
		}
	}
}

// ConnectivityCmd returns the connectivity command, which pushes a
// reachability report to the server.
func ConnectivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "connectivity [online|offline]",
		Short:     "Report the device online or offline",
		Long:      "Report the device online or offline. Going online starts a drain.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"online", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var connected bool
			switch args[0] {
			case "online":
				connected = true
			case "offline":
			default:
				return fmt.Errorf("invalid state: %s\nValid states: online, offline", args[0])
			}
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if err := client.ReportConnectivity(cmd.Context(), connected); err != nil {
				return fmt.Errorf("failed to report connectivity: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Reported %s\n", okMark, args[0])
			return nil
		},
	}
	return cmd
}
