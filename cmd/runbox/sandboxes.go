package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	sandboxesJSON   bool
	sandboxesOutput string
)

var sandboxesCmd = &cobra.Command{
	Use:     "sandboxes",
	Aliases: []string{"sandbox", "sb"},
	Short:   "Inspect the sandbox ledger",
	Long: `The ledger records every container runbox has started and not yet
removed. Entries that survive a restart are orphans; "runbox reap" removes them.`,
}

var sandboxesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes recorded in the ledger",
	RunE:  runSandboxesList,
}

var sandboxesShowCmd = &cobra.Command{
	Use:   "show <container-id>",
	Short: "Show one sandbox (ID prefixes are accepted)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxesShow,
}

func init() {
	rootCmd.AddCommand(sandboxesCmd)
	sandboxesCmd.AddCommand(sandboxesListCmd, sandboxesShowCmd)

	sandboxesListCmd.Flags().BoolVar(&sandboxesJSON, "json", false, "Print as JSON")
	sandboxesListCmd.Flags().StringVarP(&sandboxesOutput, "output", "o", "", "Write to file instead of stdout")
}

func openLedger() (storage.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.LedgerPath)
}

func runSandboxesList(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	records, err := ledger.List(context.Background())
	if err != nil {
		return err
	}

	var output string
	switch {
	case sandboxesJSON:
		data, err := storage.ExportJSON(records)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case len(records) == 0:
		output = "No sandboxes recorded.\n"
	default:
		output = storage.FormatTable(records, time.Now())
	}

	if sandboxesOutput != "" {
		return os.WriteFile(sandboxesOutput, []byte(output), 0o644)
	}
	fmt.Print(output)
	return nil
}

func runSandboxesShow(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	sb, err := ledger.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Container: %s\n", sb.ContainerID)
	fmt.Printf("Session:   %s\n", sb.SessionID)
	fmt.Printf("Execution: %s\n", sb.ExecutionID)
	fmt.Printf("Image:     %s\n", sb.Image)
	fmt.Printf("Workspace: %s\n", sb.Workspace)
	fmt.Printf("Created:   %s (%s ago)\n", sb.CreatedAt.Format(time.RFC3339), time.Since(sb.CreatedAt).Truncate(time.Second))
	return nil
}
