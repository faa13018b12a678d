// Package duetboard monitors Duet3D 3D-printer controllers over their HTTP
// object-model API and serves their sensors on an embeddable dashboard.
//
// A [Printer] polls four endpoints of one controller ("heat", "job", "move"
// and "state"), caches each payload for at least [DefaultMinInterval] and
// tracks whether the controller is reachable. Sensors read typed values out
// of the cached payloads with [Extract]. A [Board] drives the sensors of any
// number of printers on a schedule and publishes them over HTTP.
//
// # Quick Start
//
//	p, _ := duetboard.NewPrinter("http://192.168.1.20:80/rr_model?flags=d99vn/",
//	    duetboard.WithName("Voron"),
//	    duetboard.WithToolCount(1),
//	    duetboard.WithBed(true),
//	)
//	board, _ := duetboard.New(duetboard.WithPrinter(p))
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	board.Start(ctx) // blocks until ctx is cancelled
//
// # Reading values directly
//
// [Printer.Update] returns one value without a Board:
//
//	temp, err := p.Update(ctx, "current", duetboard.EndpointHeat, "heaters", duetboard.BedTool)
//
// Update returns nil while the controller is unreachable; fetch failures are
// logged once per outage and surfaced through [Printer.Available]. A non-nil
// error is always an [*ExtractError] describing a payload of unexpected
// shape.
//
// # Monitored conditions
//
// [Conditions] lists the named groups of sensors a Board can monitor, such
// as "Temperatures" (current and target per tool), "Job Percentage" or the
// binary "Printing". [ExpandSensors] turns conditions into [Sensor] values
// with stable slug IDs like "voron_temperatures_bed_current".
//
// # Architecture
//
//   - internal/poller: pooled HTTP client and the interval scheduler
//   - internal/store: latest readings with pub/sub for live updates
//   - internal/history: SQLite-backed reading history
//   - internal/metrics: Prometheus exporter
//   - internal/server: dashboard, REST API, Server-Sent Events and WebSocket
//   - config: YAML configuration for the duetboard command
//   - dashboard: embedded web UI assets
//
// The internal packages are not part of the public API.
package duetboard
