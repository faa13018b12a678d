package duetboard

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

// printerConfig holds mutable state during printer construction.
type printerConfig struct {
	name        string
	headers     map[string]string
	bed         bool
	toolCount   int
	timeout     time.Duration
	minInterval time.Duration
	logger      *slog.Logger
	observers   []func(FetchEvent)
	now         func() time.Time

	scanInterval time.Duration
}

// PrinterOption configures a [Printer] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithName], [WithBed], [WithToolCount], [WithHeaders],
// [WithTimeout], [WithMinInterval], [WithPrinterLogger], [WithFetchObserver],
// [WithClock], [WithScanInterval].
type PrinterOption func(*printerConfig) error

// WithName sets the display name used in logs, metrics and the dashboard.
// Defaults to [DefaultPrinterName].
//
// Returns an error if the name is blank.
func WithName(name string) PrinterOption {
	return func(cfg *printerConfig) error {
		if strings.TrimSpace(name) == "" {
			return errors.New("printer name cannot be empty")
		}
		cfg.name = name
		return nil
	}
}

// WithBed declares that the printer has a heated bed. The bed is listed by
// [Printer.Tools] after the numbered tools.
func WithBed(bed bool) PrinterOption {
	return func(cfg *printerConfig) error {
		cfg.bed = bed
		return nil
	}
}

// WithToolCount declares the number of numbered tools ("1".."n").
//
// When neither a tool count nor a bed is configured, tools are discovered
// from the last heat payload.
//
// Returns an error if n is negative.
func WithToolCount(n int) PrinterOption {
	return func(cfg *printerConfig) error {
		if n < 0 {
			return errors.New("tool count cannot be negative")
		}
		cfg.toolCount = n
		return nil
	}
}

// WithHeaders adds HTTP headers to every request sent to the controller.
//
// Accepts variadic key-value pairs. The number of arguments must be even.
// Headers given here override the default Content-Type.
//
// Example:
//
//	p, err := duetboard.NewPrinter(baseURL,
//	    duetboard.WithHeaders("Authorization", "Bearer token123"),
//	)
func WithHeaders(keyValues ...string) PrinterOption {
	return func(cfg *printerConfig) error {
		if len(keyValues)%2 != 0 {
			return errors.New("WithHeaders requires an even number of arguments (key-value pairs)")
		}
		for i := 0; i < len(keyValues); i += 2 {
			cfg.headers[keyValues[i]] = keyValues[i+1]
		}
		return nil
	}
}

// WithTimeout sets the per-request timeout. Defaults to [DefaultRequestTimeout].
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) PrinterOption {
	return func(cfg *printerConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithMinInterval sets how long a successful payload is served from cache
// before the endpoint is fetched again. Defaults to [DefaultMinInterval].
//
// Returns an error if the duration is zero or negative.
func WithMinInterval(d time.Duration) PrinterOption {
	return func(cfg *printerConfig) error {
		if d <= 0 {
			return errors.New("minimum interval must be positive")
		}
		cfg.minInterval = d
		return nil
	}
}

// WithPrinterLogger sets the [slog.Logger] used for fetch diagnostics.
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithPrinterLogger(logger *slog.Logger) PrinterOption {
	return func(cfg *printerConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithFetchObserver registers a function called after every [Printer.Fetch]
// with the outcome. The observer runs synchronously while the endpoint is
// locked and must not block or call back into the printer.
//
// May be given more than once; observers run in registration order.
// Nil observers are ignored.
func WithFetchObserver(fn func(FetchEvent)) PrinterOption {
	return func(cfg *printerConfig) error {
		if fn != nil {
			cfg.observers = append(cfg.observers, fn)
		}
		return nil
	}
}

// WithClock replaces the time source used for throttling.
//
// Returns an error if now is nil.
func WithClock(now func() time.Time) PrinterOption {
	return func(cfg *printerConfig) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithScanInterval sets how often a [Board] reads the printer's sensors,
// overriding the board's polling interval for this printer.
//
// Returns an error if d is zero or negative.
func WithScanInterval(d time.Duration) PrinterOption {
	return func(cfg *printerConfig) error {
		if d <= 0 {
			return errors.New("scan interval must be positive")
		}
		cfg.scanInterval = d
		return nil
	}
}
