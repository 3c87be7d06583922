package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove sandboxes and workspaces left behind by a crashed server",
	Long: `Remove every runbox-labelled container and every workspace recorded in
the ledger. Do not run this while a server is using the same Docker daemon.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	cli, err := sandbox.NewDockerClient(ctx, cfg.Sandbox.DockerHost)
	if err != nil {
		return err
	}
	defer cli.Close()

	ledger, err := sqlite.Open(cfg.Storage.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ws, err := sandbox.NewWorkspaces(cfg.Sandbox.WorkspaceRoot)
	if err != nil {
		return err
	}
	policy, err := sandbox.PolicyFromConfig(cfg.Sandbox, nil)
	if err != nil {
		return err
	}

	rt := sandbox.NewDockerRuntime(cli, policy, log, sandbox.WithLedger(ledger))
	n, err := rt.Reap(ctx, ws)
	if err != nil {
		return err
	}
	fmt.Printf("Reaped %d sandbox(es)\n", n)
	return nil
}
