package duetboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/duetboard/internal/poller"
)

const (
	// DefaultMinInterval is the minimum time between two network fetches of
	// the same endpoint. Calls inside the window are served from cache.
	DefaultMinInterval = 10 * time.Second

	// DefaultRequestTimeout bounds every request to the controller.
	DefaultRequestTimeout = 2 * time.Second

	// DefaultPrinterName is used when no name is configured.
	DefaultPrinterName = "Duet3D Printer"
)

// FetchErrorKind classifies a failed fetch.
type FetchErrorKind string

const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchConnection FetchErrorKind = "connection"
	FetchStatus     FetchErrorKind = "status"
	FetchDecode     FetchErrorKind = "decode"
)

// FetchError describes why an endpoint could not be fetched. Fetch errors
// are transient: they are logged once per failure streak and surfaced
// through [Printer.Available], never returned from [Printer.Update].
type FetchError struct {
	Endpoint   Endpoint
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Endpoint, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchOutcome tells how a [Printer.Fetch] call was satisfied.
type FetchOutcome string

const (
	OutcomeNetwork FetchOutcome = "network"
	OutcomeCached  FetchOutcome = "cached"
	OutcomeError   FetchOutcome = "error"
)

// FetchEvent is passed to the observer registered with [WithFetchObserver]
// after every fetch.
type FetchEvent struct {
	Printer   string
	Endpoint  Endpoint
	Outcome   FetchOutcome
	Latency   time.Duration
	Err       error
	Available bool // per-endpoint availability after the fetch
}

// EndpointStatus is a snapshot of one endpoint's cache and health state.
type EndpointStatus struct {
	Endpoint  Endpoint
	Available bool
	FetchedAt time.Time
	LastError error
}

// PrinterStatus is a snapshot of a printer's health.
type PrinterStatus struct {
	Name      string
	BaseURL   string
	Available bool
	Endpoints []EndpointStatus
}

// cacheEntry holds the state of a single endpoint. Guarded by Printer.mu.
type cacheEntry struct {
	payload     Value
	fetchedAt   time.Time
	fetched     bool
	available   bool
	errorLogged bool
	lastErr     error
}

// Printer polls one Duet controller.
//
// Printer caches the last payload of each [Endpoint] and never contacts the
// controller for the same endpoint more often than its minimum interval.
// It is safe for concurrent use: fetches of the same endpoint are
// serialized, and different endpoints are fetched independently.
type Printer struct {
	name        string
	baseURL     string
	headers     map[string]string
	bed         bool
	toolCount   int
	timeout     time.Duration
	minInterval time.Duration
	client      *poller.Client
	now         func() time.Time
	logger      *slog.Logger
	scanInterval time.Duration

	// one lock per endpoint, held across the network request
	flights map[Endpoint]*sync.Mutex

	mu        sync.RWMutex
	entries   map[Endpoint]*cacheEntry
	available bool
	observers []func(FetchEvent)
}

// NewPrinter creates a [Printer] for the controller at baseURL.
//
// baseURL already contains the object model path and query prefix, e.g.
// "http://192.168.1.20:80/rr_model?flags=d99vn/". Endpoint keys are appended
// as "&key=<endpoint>".
//
// Returns an error if baseURL is not an absolute http(s) URL or an option
// is invalid. NewPrinter does not contact the controller; see [Printer.Prime].
func NewPrinter(baseURL string, opts ...PrinterOption) (*Printer, error) {
	if baseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("base URL must include a host")
	}

	cfg := &printerConfig{
		name:        DefaultPrinterName,
		headers:     map[string]string{"Content-Type": "application/json"},
		timeout:     DefaultRequestTimeout,
		minInterval: DefaultMinInterval,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	p := &Printer{
		name:        cfg.name,
		baseURL:     baseURL,
		headers:     cfg.headers,
		bed:         cfg.bed,
		toolCount:   cfg.toolCount,
		timeout:     cfg.timeout,
		minInterval: cfg.minInterval,
		client:      poller.NewClient(),
		now:         now,
		logger:      logger.With("printer", cfg.name),
		observers:   cfg.observers,

		scanInterval: cfg.scanInterval,
		flights:      make(map[Endpoint]*sync.Mutex, len(endpoints)),
		entries:      make(map[Endpoint]*cacheEntry, len(endpoints)),
	}
	for _, ep := range endpoints {
		p.flights[ep] = &sync.Mutex{}
		p.entries[ep] = &cacheEntry{}
	}
	return p, nil
}

// Name returns the printer's display name.
func (p *Printer) Name() string {
	return p.name
}

// BaseURL returns the URL prefix endpoint keys are appended to.
func (p *Printer) BaseURL() string {
	return p.baseURL
}

// Available reports whether the most recent fetch of every endpoint succeeded.
func (p *Printer) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.available
}

// Status returns a snapshot of the printer's per-endpoint health.
func (p *Printer) Status() PrinterStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := PrinterStatus{
		Name:      p.name,
		BaseURL:   p.baseURL,
		Available: p.available,
		Endpoints: make([]EndpointStatus, 0, len(endpoints)),
	}
	for _, ep := range endpoints {
		entry := p.entries[ep]
		status.Endpoints = append(status.Endpoints, EndpointStatus{
			Endpoint:  ep,
			Available: entry.available,
			FetchedAt: entry.fetchedAt,
			LastError: entry.lastErr,
		})
	}
	return status
}

// Prime fetches every endpoint once and reports overall availability.
// Failures are handled like any other fetch failure.
func (p *Printer) Prime(ctx context.Context) bool {
	for _, ep := range endpoints {
		p.Fetch(ctx, ep)
	}
	return p.Available()
}

// Update returns the value for (sensorType, endpoint, group, tool) from the
// freshest payload of endpoint, fetching it if the cached copy is older
// than the minimum interval.
//
// Update returns nil with a nil error while the endpoint is unreachable,
// for unknown endpoints and for unsupported groups. A non-nil error is
// always an [*ExtractError]: the payload did not have the expected shape.
func (p *Printer) Update(ctx context.Context, sensorType string, endpoint Endpoint, group string, tool Tool) (any, error) {
	p.logger.Debug("updating sensor",
		"sensor_type", sensorType,
		"endpoint", endpoint,
		"group", group,
		"tool", tool,
	)

	if !endpoint.Valid() {
		return nil, nil
	}
	payload, ok := p.Fetch(ctx, endpoint)
	if !ok {
		return nil, nil
	}
	return Extract(payload, endpoint, sensorType, group, tool)
}

// Fetch returns the payload for endpoint, from cache when the last
// successful fetch is younger than the minimum interval, otherwise from
// the controller. ok is false when the request failed; a stale payload is
// never returned after a failure.
//
// If ctx is cancelled by the caller, Fetch returns ok=false without
// changing the endpoint's state.
func (p *Printer) Fetch(ctx context.Context, endpoint Endpoint) (payload Value, ok bool) {
	flight, known := p.flights[endpoint]
	if !known {
		return Value{}, false
	}
	flight.Lock()
	defer flight.Unlock()

	if cached, hit := p.cached(endpoint); hit {
		p.observe(FetchEvent{Endpoint: endpoint, Outcome: OutcomeCached, Available: true})
		return cached, true
	}

	start := time.Now()
	payload, err := p.request(ctx, endpoint)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return Value{}, false
		}
		p.recordFailure(endpoint, err)
		p.observe(FetchEvent{Endpoint: endpoint, Outcome: OutcomeError, Latency: latency, Err: err})
		return Value{}, false
	}

	p.recordSuccess(endpoint, payload)
	p.observe(FetchEvent{Endpoint: endpoint, Outcome: OutcomeNetwork, Latency: latency, Available: true})
	return payload, true
}

// Close releases idle connections to the controller.
func (p *Printer) Close() {
	p.client.Close()
}

// cached returns the last payload if it is still inside the throttle window.
func (p *Printer) cached(endpoint Endpoint) (Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry := p.entries[endpoint]
	if !entry.fetched || !entry.available {
		return Value{}, false
	}
	if p.now().Sub(entry.fetchedAt) >= p.minInterval {
		return Value{}, false
	}
	return entry.payload, true
}

// endpointURL builds the request URL for endpoint. A base URL normalised to
// end with "/" would otherwise produce "/&key=".
func (p *Printer) endpointURL(endpoint Endpoint) string {
	return strings.ReplaceAll(p.baseURL+"&key="+string(endpoint), "/&", "&")
}

func (p *Printer) request(ctx context.Context, endpoint Endpoint) (Value, error) {
	resp := p.client.Fetch(ctx, http.MethodGet, p.endpointURL(endpoint), p.headers, p.timeout)
	if resp.Error != nil {
		kind := FetchConnection
		if errors.Is(resp.Error, poller.ErrTimeout) {
			kind = FetchTimeout
		}
		return Value{}, &FetchError{Endpoint: endpoint, Kind: kind, Err: resp.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Value{}, &FetchError{
			Endpoint:   endpoint,
			Kind:       FetchStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}
	payload, err := ParseValue(resp.Body)
	if err != nil {
		return Value{}, &FetchError{Endpoint: endpoint, Kind: FetchDecode, StatusCode: resp.StatusCode, Err: err}
	}
	return payload, nil
}

func (p *Printer) recordSuccess(endpoint Endpoint, payload Value) {
	p.mu.Lock()
	entry := p.entries[endpoint]
	entry.payload = payload
	if now := p.now(); !entry.fetched || now.After(entry.fetchedAt) {
		entry.fetchedAt = now
	}
	entry.fetched = true
	entry.available = true
	entry.lastErr = nil

	wasAvailable := p.available
	p.available = p.allAvailableLocked()
	if p.available {
		for _, e := range p.entries {
			e.errorLogged = false
		}
	}
	recovered := p.available && !wasAvailable
	p.mu.Unlock()

	if recovered {
		p.logger.Info("printer available")
	}
}

func (p *Printer) recordFailure(endpoint Endpoint, err error) {
	p.mu.Lock()
	entry := p.entries[endpoint]
	entry.available = false
	entry.lastErr = err
	p.available = false
	report := !entry.errorLogged
	entry.errorLogged = true
	p.mu.Unlock()

	if report {
		attrs := []any{"endpoint", endpoint, "error", err}
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			attrs = append(attrs, "kind", fetchErr.Kind)
		}
		p.logger.Error("failed to update printer status", attrs...)
	}
}

func (p *Printer) allAvailableLocked() bool {
	for _, e := range p.entries {
		if !e.available {
			return false
		}
	}
	return true
}

// ScanInterval returns the interval set with [WithScanInterval], or zero.
func (p *Printer) ScanInterval() time.Duration {
	return p.scanInterval
}

func (p *Printer) addObserver(fn func(FetchEvent)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

func (p *Printer) observe(ev FetchEvent) {
	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()

	ev.Printer = p.name
	for _, fn := range observers {
		fn(ev)
	}
}
