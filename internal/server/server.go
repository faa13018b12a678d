package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/duetboard/internal/history"
	"github.com/jpalmerr/duetboard/internal/store"
)

const (
	// sseWriteTimeout bounds a single SSE write so a stalled client cannot
	// pin its handler. Must be <= the shutdown timeout.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	defaultTitle = "DuetBoard"

	titlePlaceholder = "{{.Title}}"
)

// HistoryReader returns recorded values of a sensor, oldest first.
type HistoryReader interface {
	Latest(ctx context.Context, sensorID string, limit int) ([]history.Entry, error)
}

// Option configures optional [Server] features.
type Option func(*Server)

// WithHistory enables GET /api/history backed by h.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server handles HTTP requests for the dashboard and API.
//
// Routes:
//   - GET /: embedded dashboard HTML
//   - GET /api/sensors: latest reading of every sensor
//   - GET /api/printers: printer and endpoint availability
//   - GET /api/history?sensor=<id>&limit=<n>: recorded values (with [WithHistory])
//   - GET /api/sse: Server-Sent Events stream of store events
//   - GET /api/ws: WebSocket stream of store events
//   - GET /metrics: Prometheus exposition (with [WithMetrics])
type Server struct {
	store      store.Store
	port       int
	httpServer *http.Server
	assets     fs.FS
	title      string
	logger     *slog.Logger
	history    HistoryReader
	metrics    http.Handler
}

// NewServer creates a new HTTP [Server]. assets may be nil, in which case
// no dashboard is served. An empty title falls back to "DuetBoard".
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, port int, assets fs.FS, title string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		port:   port,
		assets: assets,
		title:  title,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sensors", s.handleSensors)
	mux.HandleFunc("/api/printers", s.handlePrinters)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/sse", s.handleSSE)
	mux.HandleFunc("/api/ws", s.handleWS)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.assets != nil {
		mux.HandleFunc("/", s.handleDashboard)
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start returns once the listener is bound. The server runs until ctx is
// cancelled, then shuts down gracefully with a 5-second timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// request contexts end with the server context, which stops SSE and
		// WebSocket handlers on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	title := s.title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.store.Readings())
}

func (s *Server) handlePrinters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.store.Printers())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "History is not enabled", http.StatusNotFound)
		return
	}

	sensorID := r.URL.Query().Get("sensor")
	if sensorID == "" {
		http.Error(w, "sensor query parameter is required", http.StatusBadRequest)
		return
	}

	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.Latest(r.Context(), sensorID, limit)
	if err != nil {
		s.logger.Error("failed to query history", "sensor", sensorID, "error", err)
		http.Error(w, "Failed to query history", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// snapshot returns the current store contents as events, printers first.
func (s *Server) snapshot() []store.Event {
	printers := s.store.Printers()
	readings := s.store.Readings()

	events := make([]store.Event, 0, len(printers)+len(readings))
	for i := range printers {
		events = append(events, store.Event{Type: store.EventPrinter, Printer: &printers[i]})
	}
	for i := range readings {
		events = append(events, store.Event{Type: store.EventReading, Reading: &readings[i]})
	}
	return events
}

// handleSSE streams store events via Server-Sent Events, starting with a
// snapshot of the current state.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// subscribe before the snapshot so no event falls in between
	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	for _, ev := range s.snapshot() {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// fires on client disconnect and on server shutdown
			return
		}
	}
}
