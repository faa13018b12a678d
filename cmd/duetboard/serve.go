package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/duetboard"
	"github.com/jpalmerr/duetboard/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts the DuetBoard dashboard server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the DuetBoard dashboard server.

The server will:
  - Load configuration from the specified YAML file
  - Start reading the sensors of every configured printer
  - Serve the dashboard UI, REST API and /metrics on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  duetboard serve -c config.yaml
  DUETBOARD_PORT=9090 duetboard serve --config /etc/duetboard/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addConfigFlag(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "HTTP port, overrides the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
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
	if port := settings.GetInt("port"); port != 0 {
		cfg.Port = port
	}

	logger.Info("config loaded", "printers", len(cfg.Printers))
	logger.Info("starting server",
		"port", cfg.Port,
		"polling_interval", cfg.PollingInterval.Duration().String(),
		"history", cfg.History.Path != "",
	)

	printers, err := config.BuildPrinters(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build printers: %w", err)
	}
	closePrinters := func() {
		for _, p := range printers {
			p.Close()
		}
	}

	opts, err := config.BoardOptions(cfg, printers, logger)
	if err != nil {
		closePrinters()
		return err
	}
	board, err := duetboard.New(opts...)
	if err != nil {
		closePrinters()
		return fmt.Errorf("failed to create DuetBoard: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start server - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- board.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
