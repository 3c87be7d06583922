package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/michaelbrown/runbox/internal/app"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox server",
	Long: `Start the runbox HTTP server.

Clients connect to /ws for interactive sessions. JSON endpoints live under
/api and Prometheus metrics under /metrics. Sandboxes left behind by a
previous run are removed on startup.

Examples:
  runbox serve
  runbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}

	a := fx.New(app.Options(cfg, app.HTTP))
	if err := a.Err(); err != nil {
		return err
	}
	// Run blocks until SIGINT/SIGTERM, then stops every component in reverse
	// order: server, sessions, runtime, ledger, docker client.
	a.Run()
	return nil
}
