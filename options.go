package duetboard

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// boardConfig holds mutable state during Board construction.
type boardConfig struct {
	title            string
	printers         []monitoredPrinter
	pollingInterval  time.Duration
	port             int
	maxConcurrency   int
	logger           *slog.Logger
	readingCallbacks []func(Reading)
	historyPath      string
	historyRetention time.Duration
	registry         *prometheus.Registry
}

// Option configures a [Board] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithPrinter], [WithPollingInterval], [WithPort],
// [WithMaxConcurrency], [WithTitle], [WithLogger], [WithReadingCallback],
// [WithHistory], [WithMetricsRegistry].
type Option func(*boardConfig) error

// WithPrinter adds a printer and the conditions to monitor on it.
//
// With no conditions, every condition in [Conditions] is monitored. Can be
// called multiple times; at least one printer must be configured for [New]
// to succeed.
//
// Example:
//
//	board, err := duetboard.New(
//	    duetboard.WithPrinter(voron, "Temperatures", "Current State", "Printing"),
//	    duetboard.WithPrinter(prusa),
//	)
//
// Returns an error if p is nil or a condition is unknown.
func WithPrinter(p *Printer, conditions ...string) Option {
	return func(cfg *boardConfig) error {
		if p == nil {
			return errors.New("printer cannot be nil")
		}
		for _, name := range conditions {
			if _, ok := LookupCondition(name); !ok {
				return fmt.Errorf("printer %q: unknown condition %q", p.Name(), name)
			}
		}
		if len(conditions) == 0 {
			for _, c := range Conditions() {
				conditions = append(conditions, c.Name)
			}
		}
		cfg.printers = append(cfg.printers, monitoredPrinter{
			printer:    p,
			conditions: append([]string(nil), conditions...),
		})
		return nil
	}
}

// WithPollingInterval sets how often sensors are read. A printer's
// [WithScanInterval] takes precedence. Defaults to 30 seconds.
//
// Reads inside a printer's minimum fetch interval are served from its
// cache, so intervals shorter than [DefaultMinInterval] do not add load on
// the controller.
//
// Returns an error if the duration is zero or negative.
func WithPollingInterval(d time.Duration) Option {
	return func(cfg *boardConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.pollingInterval = d
		return nil
	}
}

// WithPort sets the HTTP port for the dashboard server. Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *boardConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithMaxConcurrency sets the maximum number of sensor reads in flight.
// Defaults to 4.
//
// Returns an error if the value is zero or negative.
func WithMaxConcurrency(n int) Option {
	return func(cfg *boardConfig) error {
		if n <= 0 {
			return errors.New("max concurrency must be positive")
		}
		cfg.maxConcurrency = n
		return nil
	}
}

// WithLogger sets the [slog.Logger] for the board. If not specified,
// [slog.Default] is used. Printers log through their own logger; see
// [WithPrinterLogger].
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *boardConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithReadingCallback registers a function called after every sensor read.
//
// Callbacks run synchronously, in registration order, from a single
// goroutine after the dashboard store has been updated. They must not
// block; dispatch slow work to a goroutine. Panics are recovered and
// logged.
//
// Example:
//
//	duetboard.WithReadingCallback(func(r duetboard.Reading) {
//	    if r.Condition == "Printing" && r.Value == false {
//	        notify(r.Printer + " finished")
//	    }
//	})
//
// Nil callbacks are silently ignored.
func WithReadingCallback(cb func(Reading)) Option {
	return func(cfg *boardConfig) error {
		if cb == nil {
			return nil
		}
		cfg.readingCallbacks = append(cfg.readingCallbacks, cb)
		return nil
	}
}

// WithTitle sets the dashboard title. Defaults to "DuetBoard".
func WithTitle(title string) Option {
	return func(cfg *boardConfig) error {
		cfg.title = title
		return nil
	}
}

// WithHistory records every successful reading in the SQLite database at
// path and serves it at /api/history. Entries older than retention are
// deleted hourly; a zero retention keeps the default of 7 days.
//
// Returns an error if path is empty or retention is negative.
func WithHistory(path string, retention time.Duration) Option {
	return func(cfg *boardConfig) error {
		if path == "" {
			return errors.New("history path cannot be empty")
		}
		if retention < 0 {
			return errors.New("history retention cannot be negative")
		}
		cfg.historyPath = path
		if retention > 0 {
			cfg.historyRetention = retention
		}
		return nil
	}
}

// WithMetricsRegistry registers the board's Prometheus collectors in reg
// instead of a private registry. /metrics serves reg either way.
//
// Returns an error if reg is nil.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(cfg *boardConfig) error {
		if reg == nil {
			return errors.New("metrics registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}
