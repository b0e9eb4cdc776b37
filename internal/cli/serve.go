package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

// ServeCmd returns the serve command, which hosts the queue and its API.
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline queue server",
		Long: `Run the offline queue with its local HTTP API, WebSocket event stream
and Prometheus metrics.

Examples:
  offlinesync serve --config offlinesync.yaml
  offlinesync serve --addr 127.0.0.1:9000 --log-level debug`,
		RunE: runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().String("log-level", "", "Log level (overrides log.level)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s offlinesync listening on %s (storage: %s)\n", okMark, cfg.Server.Addr, cfg.Storage.Backend)
	return a.Run(ctx)
}
