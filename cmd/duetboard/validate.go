package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/duetboard/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a DuetBoard configuration file without starting the server.

This command parses the YAML, expands environment variables, applies
defaults and validates all fields. It does not contact any printer.
It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  duetboard validate -c config.yaml
  duetboard validate --config /etc/duetboard/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	addConfigFlag(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	history := "disabled"
	if cfg.History.Path != "" {
		history = cfg.History.Path
		if cfg.History.Retention != 0 {
			history += " (retention " + cfg.History.Retention.Duration().String() + ")"
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:             %d\n", cfg.Port)
	fmt.Fprintf(out, "  Polling interval: %s\n", cfg.PollingInterval.Duration())
	fmt.Fprintf(out, "  History:          %s\n", history)
	fmt.Fprintf(out, "  Printers:         %d\n", len(cfg.Printers))
	for _, p := range cfg.Printers {
		fmt.Fprintf(out, "    %s  %s\n", p.Name, p.BaseURL())
		fmt.Fprintf(out, "      conditions: %s\n", strings.Join(p.Conditions(), ", "))
	}

	return nil
}
