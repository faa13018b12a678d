package duetboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/duetboard/dashboard"
	"github.com/jpalmerr/duetboard/internal/history"
	"github.com/jpalmerr/duetboard/internal/metrics"
	"github.com/jpalmerr/duetboard/internal/poller"
	"github.com/jpalmerr/duetboard/internal/server"
	"github.com/jpalmerr/duetboard/internal/store"
)

const (
	defaultPollingInterval  = 30 * time.Second
	defaultPort             = 8080
	defaultMaxConcurrency   = 4
	defaultHistoryRetention = 7 * 24 * time.Hour

	historyCleanupInterval = time.Hour
	historyWriteTimeout    = 2 * time.Second
)

// monitoredPrinter is a printer and the conditions read from it.
type monitoredPrinter struct {
	printer    *Printer
	conditions []string
}

// Board polls the sensors of one or more printers and serves them on a
// dashboard.
//
// Board is created with [New] and started with [Board.Start]:
//
//	p, err := duetboard.NewPrinter("http://192.168.1.20:80/rr_model?flags=d99vn/",
//	    duetboard.WithName("Voron"), duetboard.WithToolCount(1), duetboard.WithBed(true))
//	if err != nil {
//	    slog.Error("invalid printer", "error", err)
//	    os.Exit(1)
//	}
//
//	board, err := duetboard.New(duetboard.WithPrinter(p))
//	if err != nil {
//	    slog.Error("failed to create board", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	board.Start(ctx) // blocks until ctx is cancelled
type Board struct {
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

// New creates a [Board] with the given options.
//
// At least one printer must be configured via [WithPrinter]. Defaults:
//   - Polling interval: 30 seconds
//   - Port: 8080
//   - Max concurrency: 4
//
// Returns an error if no printer is configured, two printers share a name
// or an option is invalid.
func New(opts ...Option) (*Board, error) {
	cfg := &boardConfig{
		pollingInterval:  defaultPollingInterval,
		port:             defaultPort,
		maxConcurrency:   defaultMaxConcurrency,
		historyRetention: defaultHistoryRetention,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.printers) == 0 {
		return nil, errors.New("at least one printer is required")
	}

	// sensor IDs are derived from the slugified printer name
	seen := make(map[string]string, len(cfg.printers))
	for _, mp := range cfg.printers {
		slug := Slugify(mp.printer.Name())
		if prev, dup := seen[slug]; dup {
			return nil, fmt.Errorf("duplicate printer name: %q conflicts with %q", mp.printer.Name(), prev)
		}
		seen[slug] = mp.printer.Name()
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Board{
		title:            cfg.title,
		printers:         cfg.printers,
		pollingInterval:  cfg.pollingInterval,
		port:             cfg.port,
		maxConcurrency:   cfg.maxConcurrency,
		logger:           logger,
		readingCallbacks: cfg.readingCallbacks,
		historyPath:      cfg.historyPath,
		historyRetention: cfg.historyRetention,
		registry:         cfg.registry,
	}, nil
}

// Start primes every printer, then polls its sensors and serves the
// dashboard until ctx is cancelled.
//
// A printer that cannot be reached at startup is logged and polled anyway;
// its sensors read as unknown until it answers. Per-tool sensors of a
// printer without configured tools are derived from its first heat payload.
//
// Returns nil on graceful shutdown, or an error if the history database
// cannot be opened or the HTTP server fails to start.
func (b *Board) Start(ctx context.Context) error {
	b.logger.Info("duetboard starting", "printer_count", len(b.printers))
	b.logger.Info("polling configured", "interval", b.pollingInterval.String())
	b.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", b.port))

	if ctx.Err() != nil {
		return nil
	}

	exporter, err := metrics.New(b.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var recorder *history.Recorder
	if b.historyPath != "" {
		recorder, err = history.Open(b.historyPath)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				b.logger.Error("failed to close history", "error", err)
			}
		}()
	}

	sensorStore := store.NewMemoryStore()

	for _, mp := range b.printers {
		mp.printer.addObserver(func(ev FetchEvent) {
			exporter.ObserveFetch(ev.Printer, string(ev.Endpoint), string(ev.Outcome), ev.Latency, ev.Available)
		})
	}
	defer func() {
		for _, mp := range b.printers {
			mp.printer.Close()
		}
	}()

	b.prime(ctx)
	for _, mp := range b.printers {
		b.publishPrinter(mp.printer, sensorStore, exporter)
	}

	sensors, tasks, err := b.expand()
	if err != nil {
		return err
	}
	b.logger.Info("sensors configured", "sensor_count", len(sensors))

	scheduler := poller.NewScheduler(tasks, b.pollingInterval, b.maxConcurrency, b.logger)
	scheduler.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for result := range scheduler.Results() {
			sensor, ok := sensors[result.TaskID]
			if !ok {
				continue
			}
			b.handleResult(ctx, sensor, result, sensorStore, exporter, recorder)
		}
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runHistoryCleanup(ctx, recorder)
		}()
	}

	cleanup := func() {
		scheduler.Stop() // closes results
		wg.Wait()
	}

	opts := []server.Option{server.WithMetrics(exporter.Handler())}
	if recorder != nil {
		opts = append(opts, server.WithHistory(recorder))
	}
	httpServer := server.NewServer(sensorStore, b.port, dashboard.Assets, b.title, b.logger, opts...)
	if err := httpServer.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	<-ctx.Done()
	cleanup()
	b.logger.Info("duetboard stopped")
	return nil
}

// prime fetches every endpoint of every printer once, concurrently.
func (b *Board) prime(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mp := range b.printers {
		wg.Add(1)
		go func(p *Printer) {
			defer wg.Done()
			if !p.Prime(ctx) {
				b.logger.Warn("printer unavailable at startup", "printer", p.Name(), "url", p.BaseURL())
			}
		}(mp.printer)
	}
	wg.Wait()
}

// expand creates the sensors of every printer and one scheduler task per sensor.
func (b *Board) expand() (map[string]Sensor, []poller.Task, error) {
	sensors := make(map[string]Sensor)
	var tasks []poller.Task

	for _, mp := range b.printers {
		expanded, err := ExpandSensors(mp.printer, mp.conditions...)
		if err != nil {
			return nil, nil, fmt.Errorf("printer %q: %w", mp.printer.Name(), err)
		}
		for _, s := range expanded {
			if _, dup := sensors[s.ID]; dup {
				return nil, nil, fmt.Errorf("duplicate sensor id %q", s.ID)
			}
			sensors[s.ID] = s
			tasks = append(tasks, poller.Task{
				ID:       s.ID,
				Group:    s.Printer,
				Interval: mp.printer.ScanInterval(),
				Read:     s.Read,
			})
		}
	}
	return sensors, tasks, nil
}

// handleResult fans one sensor read out to the store, metrics, history and
// callbacks. Callbacks fire after the store is updated.
func (b *Board) handleResult(ctx context.Context, sensor Sensor, result poller.Result, st store.Store, exporter *metrics.Exporter, recorder *history.Recorder) {
	printer := sensor.Source()
	available := printer.Available()

	st.UpdateReading(toStoreReading(sensor, result, available))
	exporter.SetSensorValue(sensor.ID, sensor.Printer, result.Value)
	b.publishPrinter(printer, st, exporter)

	if recorder != nil && result.Error == nil {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
		err := recorder.Save(writeCtx, history.Entry{
			SensorID:   sensor.ID,
			Printer:    sensor.Printer,
			Value:      result.Value,
			RecordedAt: result.CheckedAt,
		})
		cancel()
		if err != nil {
			b.logger.Warn("failed to record reading", "sensor", sensor.ID, "error", err)
		}
	}

	if len(b.readingCallbacks) > 0 {
		reading := toPublicReading(sensor, result, available)
		for _, cb := range b.readingCallbacks {
			invokeCallbackSafe(cb, reading, b.logger)
		}
	}

	logAttrs := []any{
		"sensor", sensor.ID,
		"value", result.Value,
		"latency_ms", result.Latency.Milliseconds(),
	}
	if result.Error != nil {
		b.logger.Warn("sensor read failed", append(logAttrs, "error", result.Error.Error())...)
	} else {
		b.logger.Debug("sensor read", logAttrs...)
	}
}

func (b *Board) publishPrinter(p *Printer, st store.Store, exporter *metrics.Exporter) {
	status := p.Status()
	st.UpdatePrinter(toStorePrinter(status))
	exporter.SetPrinterAvailable(status.Name, status.Available)
}

func (b *Board) runHistoryCleanup(ctx context.Context, recorder *history.Recorder) {
	ticker := time.NewTicker(historyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := recorder.Cleanup(ctx, now.Add(-b.historyRetention))
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("history cleanup failed", "error", err)
				}
				continue
			}
			b.logger.Debug("history cleanup", "deleted", n)
		}
	}
}

// Printers returns a copy of the configured printers.
func (b *Board) Printers() []*Printer {
	out := make([]*Printer, len(b.printers))
	for i, mp := range b.printers {
		out[i] = mp.printer
	}
	return out
}

// Port returns the configured HTTP port for the dashboard server.
func (b *Board) Port() int {
	return b.port
}

// PollingInterval returns the default interval between sensor reads.
func (b *Board) PollingInterval() time.Duration {
	return b.pollingInterval
}

func toStoreReading(s Sensor, r poller.Result, available bool) store.SensorReading {
	var errStr *string
	if r.Error != nil {
		msg := r.Error.Error()
		errStr = &msg
	}
	return store.SensorReading{
		ID:             s.ID,
		Name:           s.Name,
		Printer:        s.Printer,
		Condition:      s.Condition,
		Tool:           string(s.Tool),
		Unit:           s.Unit,
		Icon:           s.Icon,
		Binary:         s.Binary,
		Value:          r.Value,
		Available:      available,
		ReadAt:         r.CheckedAt,
		ResponseTimeMs: r.Latency.Milliseconds(),
		Error:          errStr,
	}
}

func toStorePrinter(ps PrinterStatus) store.PrinterStatus {
	out := store.PrinterStatus{
		Name:      ps.Name,
		URL:       ps.BaseURL,
		Available: ps.Available,
		Endpoints: make([]store.EndpointStatus, len(ps.Endpoints)),
		UpdatedAt: time.Now(),
	}
	for i, ep := range ps.Endpoints {
		var errStr *string
		if ep.LastError != nil {
			msg := ep.LastError.Error()
			errStr = &msg
		}
		out.Endpoints[i] = store.EndpointStatus{
			Endpoint:  string(ep.Endpoint),
			Available: ep.Available,
			FetchedAt: ep.FetchedAt,
			Error:     errStr,
		}
	}
	return out
}

func toPublicReading(s Sensor, r poller.Result, available bool) Reading {
	return Reading{
		SensorID:  s.ID,
		Name:      s.Name,
		Printer:   s.Printer,
		Condition: s.Condition,
		Tool:      s.Tool,
		Unit:      s.Unit,
		Binary:    s.Binary,
		Value:     r.Value,
		Available: available,
		Latency:   r.Latency,
		ReadAt:    r.CheckedAt,
		Err:       r.Error,
	}
}

// invokeCallbackSafe calls a reading callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(Reading), reading Reading, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("reading callback panicked",
				"panic", r,
				"sensor", reading.SensorID,
			)
		}
	}()
	cb(reading)
}
