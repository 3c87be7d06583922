package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/runbox/internal/language"
)

var languagesFormat string

var languagesCmd = &cobra.Command{
	Use:     "languages",
	Aliases: []string{"langs"},
	Short:   "List the configured languages",
	RunE:    runLanguages,
}

func init() {
	languagesCmd.Flags().StringVar(&languagesFormat, "format", "table", "Output format: table or yaml")
	rootCmd.AddCommand(languagesCmd)
}

func runLanguages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	table, err := language.FromConfig(cfg)
	if err != nil {
		return err
	}

	switch languagesFormat {
	case "yaml":
		specs := make(map[string]language.Spec)
		for _, s := range table.Specs() {
			specs[s.Name] = s
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{"languages": specs})
	case "table":
		fmt.Printf("%-12s %-24s %-10s %s\n", "NAME", "IMAGE", "FILE", "COMMAND")
		fmt.Println(strings.Repeat("─", 70))
		for _, s := range table.Specs() {
			fmt.Printf("%-12s %-24s %-10s %s\n", s.Name, s.Image, s.Filename, strings.Join(s.Command, " "))
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table or yaml)", languagesFormat)
	}
}
