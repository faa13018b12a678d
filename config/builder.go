package config

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jpalmerr/duetboard"
)

// BuildPrinters converts parsed configuration into SDK Printer objects, in
// configuration order.
//
// On error every printer created so far is closed.
func BuildPrinters(cfg *Config, logger *slog.Logger) ([]*duetboard.Printer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	printers := make([]*duetboard.Printer, 0, len(cfg.Printers))
	for _, pc := range cfg.Printers {
		p, err := buildPrinter(pc, logger)
		if err != nil {
			for _, built := range printers {
				built.Close()
			}
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, nil
}

// buildPrinter converts a single PrinterConfig to an SDK Printer.
func buildPrinter(pc PrinterConfig, logger *slog.Logger) (*duetboard.Printer, error) {
	opts := []duetboard.PrinterOption{
		duetboard.WithName(pc.Name),
		duetboard.WithBed(pc.Bed),
		duetboard.WithToolCount(pc.NumberOfTools),
		duetboard.WithPrinterLogger(logger),
	}

	if len(pc.Headers) > 0 {
		opts = append(opts, duetboard.WithHeaders(mapToKeyValuePairs(pc.Headers)...))
	}
	if pc.Timeout != 0 {
		opts = append(opts, duetboard.WithTimeout(pc.Timeout.Duration()))
	}
	if pc.ScanInterval != 0 {
		opts = append(opts, duetboard.WithScanInterval(pc.ScanInterval.Duration()))
	}

	return duetboard.NewPrinter(pc.BaseURL(), opts...)
}

// BoardOptions returns the Board options for cfg. printers must be the
// result of [BuildPrinters] for the same cfg.
func BoardOptions(cfg *Config, printers []*duetboard.Printer, logger *slog.Logger) ([]duetboard.Option, error) {
	if len(printers) != len(cfg.Printers) {
		return nil, errors.New("printers do not match the configuration")
	}

	opts := []duetboard.Option{
		duetboard.WithPort(cfg.Port),
		duetboard.WithPollingInterval(cfg.PollingInterval.Duration()),
	}
	if logger != nil {
		opts = append(opts, duetboard.WithLogger(logger))
	}
	if cfg.Title != "" {
		opts = append(opts, duetboard.WithTitle(cfg.Title))
	}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, duetboard.WithMaxConcurrency(cfg.MaxConcurrency))
	}
	if cfg.History.Path != "" {
		opts = append(opts, duetboard.WithHistory(cfg.History.Path, time.Duration(cfg.History.Retention)))
	}

	for i, p := range printers {
		opts = append(opts, duetboard.WithPrinter(p, cfg.Printers[i].Conditions()...))
	}
	return opts, nil
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}
