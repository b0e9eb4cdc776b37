// Package cli implements the offlinesync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/config"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// RootCmd returns the offlinesync command tree.
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline mutation queue for GraphQL clients",
		Long: `offlinesync queues GraphQL mutations while the device is offline and
replays them in order once connectivity returns, resolving conflicts with
per-entity policies.

Run 'offlinesync serve' to host the queue. The other commands talk to the
running server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("server", "", "Server address (defaults to server.addr from the config)")
	rootCmd.PersistentFlags().StringP("format", "o", FormatText, "Output format: text or json")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(QueueCmd())
	rootCmd.AddCommand(ConflictCmd())
	rootCmd.AddCommand(DeadLetterCmd())
	rootCmd.AddCommand(ConnectivityCmd())
	rootCmd.AddCommand(PoliciesCmd())
	rootCmd.AddCommand(ConfigCmd())

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// clientFor resolves the server address from --server or the config.
func clientFor(cmd *cobra.Command) (*Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.Addr
	}
	return NewClient(addr), nil
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case FormatText, FormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("invalid format: %s\nValid formats: text, json", format)
	}
}

// render prints v as JSON, or calls text for the text format.
func render(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
)

func statusLabel(status string) string {
	switch status {
	case "pending":
		return color.New(color.FgCyan).Sprint(status)
	case "conflict_manual":
		return color.New(color.FgYellow).Sprint("conflict")
	default:
		return status
	}
}

func onlineLabel(known, connected bool) string {
	switch {
	case !known:
		return color.New(color.FgYellow).Sprint("unknown")
	case connected:
		return color.New(color.FgGreen).Sprint("online")
	default:
		return color.New(color.FgRed).Sprint("offline")
	}
}
