package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/duetboard"
	"github.com/jpalmerr/duetboard/config"
)

// probeCmd reads every configured sensor once and prints a table.
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read every sensor once and print the values",
	Long: `Contact every configured printer once, read all monitored sensors and
print them as a table.

Unreachable printers are reported but do not stop the probe. The command
fails only when no printer could be reached.

Example:
  duetboard probe -c config.yaml
  duetboard probe -c config.yaml --timeout 5s`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	addConfigFlag(probeCmd)
	probeCmd.Flags().Duration("timeout", 10*time.Second, "overall time limit for the probe")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	configFile, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	printers, err := config.BuildPrinters(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build printers: %w", err)
	}
	defer func() {
		for _, p := range printers {
			p.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.GetDuration("timeout"))
	defer cancel()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRINTER\tSENSOR\tVALUE\tUNIT")

	reachable := 0
	for i, p := range printers {
		if p.Prime(ctx) {
			reachable++
		}

		sensors, err := duetboard.ExpandSensors(p, cfg.Printers[i].Conditions()...)
		if err != nil {
			return err
		}
		for _, s := range sensors {
			v, err := s.Read(ctx)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name(), s.ID, formatValue(v, err), s.Unit)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	printUnavailable(cmd.ErrOrStderr(), printers)
	if reachable == 0 {
		return errors.New("no printer could be reached")
	}
	return nil
}

// formatValue renders a sensor value for the probe table.
func formatValue(v any, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	switch v := v.(type) {
	case nil:
		return "unknown"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "on"
		}
		return "off"
	default:
		return fmt.Sprint(v)
	}
}

func printUnavailable(w io.Writer, printers []*duetboard.Printer) {
	for _, p := range printers {
		status := p.Status()
		for _, ep := range status.Endpoints {
			if !ep.Available && ep.LastError != nil {
				fmt.Fprintf(w, "%s: %s unavailable: %v\n", status.Name, ep.Endpoint, ep.LastError)
			}
		}
	}
}
