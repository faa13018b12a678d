// Package main is the entry point for the duetboard CLI.
//
// DuetBoard can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	duetboard serve -c config.yaml    # Start the dashboard
//	duetboard validate -c config.yaml # Validate configuration
//	duetboard probe -c config.yaml    # Read every sensor once
//	duetboard version                 # Show version info
//
// Every flag can also be set from the environment with the DUETBOARD_
// prefix, e.g. DUETBOARD_CONFIG or DUETBOARD_LOG_LEVEL. Variables from a
// .env file in the working directory are loaded first.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings resolves flag values, falling back to DUETBOARD_* variables.
var settings = newSettings()

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DUETBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "duetboard",
	Short: "A live dashboard for Duet3D printers",
	Long: `DuetBoard monitors Duet3D 3D-printer controllers.

It polls the controllers' object model API, reads temperatures, job
progress, positions and state, and displays them in a web UI with
Server-Sent Events and WebSocket updates.

Quick start:
  1. Create a config file (duetboard.yaml)
  2. Run: duetboard serve -c duetboard.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  polling_interval: 30s
  printers:
    - name: Voron
      host: 192.168.1.20
      number_of_tools: 1
      bed: true`,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnvironment,
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this duetboard binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "duetboard %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "json", "log format: json or text")
	flags.String("env-file", ".env", "dotenv file loaded before reading the config")
}

// addConfigFlag registers the --config flag shared by the subcommands.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "path to config file (or DUETBOARD_CONFIG)")
}

// loadEnvironment loads the dotenv file and binds the command's flags so
// that DUETBOARD_* variables act as flag defaults.
func loadEnvironment(cmd *cobra.Command, args []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return settings.BindPFlags(cmd.Flags())
}

// configPath returns the config file from --config or DUETBOARD_CONFIG.
func configPath() (string, error) {
	path := settings.GetString("config")
	if path == "" {
		return "", errors.New(`required flag "config" not set (use --config or DUETBOARD_CONFIG)`)
	}
	return path, nil
}

// newLogger creates the CLI logger on w from the log-level and log-format
// settings.
func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(settings.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format := settings.GetString("log-format"); format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected json or text)", format)
	}
}
