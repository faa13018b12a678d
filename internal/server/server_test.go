package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/duetboard/internal/history"
	"github.com/jpalmerr/duetboard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockStore implements store.Store for testing.
type mockStore struct {
	mu       sync.RWMutex
	readings map[string]store.SensorReading
	printers map[string]store.PrinterStatus

	subMu       sync.Mutex
	subscribers map[chan store.Event]struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		readings:    make(map[string]store.SensorReading),
		printers:    make(map[string]store.PrinterStatus),
		subscribers: make(map[chan store.Event]struct{}),
	}
}

func (m *mockStore) UpdateReading(r store.SensorReading) {
	m.mu.Lock()
	m.readings[r.ID] = r
	m.mu.Unlock()
	m.publish(store.Event{Type: store.EventReading, Reading: &r})
}

func (m *mockStore) UpdatePrinter(p store.PrinterStatus) {
	m.mu.Lock()
	m.printers[p.Name] = p
	m.mu.Unlock()
	m.publish(store.Event{Type: store.EventPrinter, Printer: &p})
}

func (m *mockStore) publish(ev store.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *mockStore) Readings() []store.SensorReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.SensorReading, 0, len(m.readings))
	for _, r := range m.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockStore) Printers() []store.PrinterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.PrinterStatus, 0, len(m.printers))
	for _, p := range m.printers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *mockStore) Subscribe() <-chan store.Event {
	ch := make(chan store.Event, 100)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *mockStore) Unsubscribe(ch <-chan store.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

type stubHistory struct {
	entries   []history.Entry
	err       error
	gotSensor string
	gotLimit  int
}

func (h *stubHistory) Latest(_ context.Context, sensorID string, limit int) ([]history.Entry, error) {
	h.gotSensor = sensorID
	h.gotLimit = limit
	return h.entries, h.err
}

func parseSSEEvents(body string) []store.Event {
	var events []store.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev store.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
			events = append(events, ev)
		}
	}
	return events
}

// --- REST API ---

func TestHandleSensors(t *testing.T) {
	ms := newMockStore()
	ms.UpdateReading(store.SensorReading{ID: "voron_job_percentage", Value: 42.0})
	ms.UpdateReading(store.SensorReading{ID: "voron_current_state", Value: "processing"})

	srv := NewServer(ms, 0, nil, "", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/sensors", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var got []store.SensorReading
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "voron_current_state" || got[1].Value != 42.0 {
		t.Errorf("sensors = %+v, want both readings sorted by id", got)
	}
}

func TestHandlePrinters(t *testing.T) {
	ms := newMockStore()
	ms.UpdatePrinter(store.PrinterStatus{
		Name:      "Voron",
		Available: false,
		Endpoints: []store.EndpointStatus{{Endpoint: "heat", Available: false}},
	})

	srv := NewServer(ms, 0, nil, "", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/printers", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var got []store.PrinterStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Voron" || got[0].Available {
		t.Errorf("printers = %+v, want one unavailable Voron", got)
	}
	if len(got[0].Endpoints) != 1 || got[0].Endpoints[0].Endpoint != "heat" {
		t.Errorf("endpoints = %+v, want heat", got[0].Endpoints)
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "", testLogger(), WithHistory(&stubHistory{}))

	for _, path := range []string{"/api/sensors", "/api/printers", "/api/history?sensor=x"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want %d", path, rec.Code, http.StatusMethodNotAllowed)
		}
	}
}

func TestHandleHistory(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		history    *stubHistory
		query      string
		wantStatus int
		wantLimit  int
	}{
		{
			name:       "returns entries",
			history:    &stubHistory{entries: []history.Entry{{SensorID: "s", Value: 1.5, RecordedAt: at}}},
			query:      "?sensor=s&limit=5",
			wantStatus: http.StatusOK,
			wantLimit:  5,
		},
		{
			name:       "default limit",
			history:    &stubHistory{},
			query:      "?sensor=s",
			wantStatus: http.StatusOK,
			wantLimit:  history.DefaultLimit,
		},
		{
			name:       "missing sensor",
			history:    &stubHistory{},
			query:      "",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid limit",
			history:    &stubHistory{},
			query:      "?sensor=s&limit=abc",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "zero limit",
			history:    &stubHistory{},
			query:      "?sensor=s&limit=0",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "query error",
			history:    &stubHistory{err: errors.New("database is locked")},
			query:      "?sensor=s",
			wantStatus: http.StatusInternalServerError,
			wantLimit:  history.DefaultLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(newMockStore(), 0, nil, "", testLogger(), WithHistory(tt.history))

			req := httptest.NewRequest(http.MethodGet, "/api/history"+tt.query, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.history.gotLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", tt.history.gotLimit, tt.wantLimit)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got []history.Entry
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != len(tt.history.entries) {
				t.Errorf("entries = %d, want %d", len(got), len(tt.history.entries))
			}
		})
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/history?sensor=s", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "duetboard_printer_available 1\n")
	})

	withMetrics := NewServer(newMockStore(), 0, nil, "", testLogger(), WithMetrics(metrics))
	rec := httptest.NewRecorder()
	withMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "duetboard_printer_available") {
		t.Errorf("GET /metrics body = %q, want exporter output", rec.Body.String())
	}

	without := NewServer(newMockStore(), 0, nil, "", testLogger())
	rec = httptest.NewRecorder()
	without.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without exporter status = %d, want 404", rec.Code)
	}
}

// --- SSE ---

func TestHandleSSE_Snapshot(t *testing.T) {
	ms := newMockStore()
	ms.UpdatePrinter(store.PrinterStatus{Name: "Voron", Available: true})
	ms.UpdateReading(store.SensorReading{ID: "voron_temperatures_bed_current", Value: 60.1})

	srv := NewServer(ms, 0, nil, "", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	events := parseSSEEvents(rec.Body.String())
	if len(events) != 2 {
		t.Fatalf("received %d events, want 2: %s", len(events), rec.Body.String())
	}
	if events[0].Type != store.EventPrinter || events[0].Printer.Name != "Voron" {
		t.Errorf("events[0] = %+v, want printer Voron", events[0])
	}
	if events[1].Type != store.EventReading || events[1].Reading.Value != 60.1 {
		t.Errorf("events[1] = %+v, want bed reading", events[1])
	}
}

func TestHandleSSE_StreamsUpdates(t *testing.T) {
	ms := newMockStore()
	srv := NewServer(ms, 0, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	// give handler time to subscribe
	time.Sleep(50 * time.Millisecond)
	ms.UpdateReading(store.SensorReading{ID: "voron_job_name", Value: "benchy.gcode"})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("handler did not exit after context cancellation")
	}

	if !strings.Contains(rec.Body.String(), "benchy.gcode") {
		t.Errorf("response should contain streamed update, got: %s", rec.Body.String())
	}
}

func TestHandleSSE_ServerShutdown(t *testing.T) {
	ms := newMockStore()
	srv := NewServer(ms, 0, nil, "", testLogger())

	// handleSSE called directly: derive the request context from the
	// server context by hand, as BaseContext does in production
	serverCtx, serverCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(serverCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.handleSSE(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	serverCancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after server shutdown")
	}
}

func TestHandleSSE_NoGoroutineLeaks(t *testing.T) {
	runtime.GC()
	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	srv := NewServer(newMockStore(), 0, nil, "", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()

	runtime.GC()
	time.Sleep(200 * time.Millisecond)

	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Errorf("potential goroutine leak: before=%d, after=%d", before, after)
	}
}

func TestHandleSSE_ConcurrentClientsShutdown(t *testing.T) {
	ms := newMockStore()
	ms.UpdatePrinter(store.PrinterStatus{Name: "Voron", Available: true})
	srv := NewServer(ms, 0, nil, "", testLogger())

	serverCtx, serverCancel := context.WithCancel(context.Background())

	numClients := 10
	var wg sync.WaitGroup
	started := make(chan struct{})
	var startedCount atomic.Int32

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(serverCtx)
			if startedCount.Add(1) == int32(numClients) {
				close(started)
			}
			srv.handleSSE(httptest.NewRecorder(), req)
		}()
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("clients did not start in time")
	}
	time.Sleep(100 * time.Millisecond)
	serverCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all handlers exited after shutdown")
	}
}

type nonFlushWriter struct {
	header     http.Header
	statusCode int
	body       []byte
}

func (n *nonFlushWriter) Header() http.Header { return n.header }

func (n *nonFlushWriter) Write(b []byte) (int, error) {
	n.body = append(n.body, b...)
	return len(b), nil
}

func (n *nonFlushWriter) WriteHeader(statusCode int) { n.statusCode = statusCode }

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "", testLogger())

	w := &nonFlushWriter{header: make(http.Header)}
	srv.handleSSE(w, httptest.NewRequest(http.MethodGet, "/api/sse", nil))

	if w.statusCode != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.statusCode)
	}
}

func TestHandleSSE_Headers(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.handleSSE(rec, req)

	expectedHeaders := map[string]string{
		"Content-Type":                "text/event-stream",
		"Cache-Control":               "no-cache",
		"Connection":                  "keep-alive",
		"Access-Control-Allow-Origin": "*",
	}
	for key, expected := range expectedHeaders {
		if got := rec.Header().Get(key); got != expected {
			t.Errorf("header %s = %q, want %q", key, got, expected)
		}
	}
}

// TestHandleSSE_ServerShutdownIntegration uses a real connection, which
// supports write deadlines unlike httptest.ResponseRecorder.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	ms := newMockStore()
	ms.UpdatePrinter(store.PrinterStatus{Name: "Voron", Available: true})
	srv := NewServer(ms, 0, nil, "", testLogger())

	serverCtx, serverCancel := context.WithCancel(context.Background())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleSSE(w, r.WithContext(serverCtx))
	}))
	defer ts.Close()

	connDone := make(chan error, 1)
	go func() {
		resp, err := ts.Client().Get(ts.URL)
		if err != nil {
			connDone <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		buf := make([]byte, 1024)
		for {
			if _, err := resp.Body.Read(buf); err != nil {
				connDone <- nil
				return
			}
		}
	}()

	time.Sleep(100 * time.Millisecond)
	serverCancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE connection did not close after server shutdown")
	}
}

// --- Start ---

func TestStart_ServesAPI(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	ms := newMockStore()
	ms.UpdateReading(store.SensorReading{ID: "voron_printing", Value: true, Binary: true})
	srv := NewServer(ms, port, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/api/sensors")
	if err != nil {
		t.Fatalf("GET /api/sensors: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "voron_printing") {
		t.Errorf("body = %s, want voron_printing", body)
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	srv := NewServer(newMockStore(), ln.Addr().(*net.TCPAddr).Port, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(newMockStore(), -1, nil, "", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}

// --- Dashboard ---

// mockFS implements fs.ReadFileFS for dashboard rendering.
type mockFS struct {
	content string
}

func (m *mockFS) Open(name string) (fs.File, error) {
	return nil, fs.ErrNotExist
}

func (m *mockFS) ReadFile(name string) ([]byte, error) {
	if name == "assets/index.html" {
		return []byte(m.content), nil
	}
	return nil, fs.ErrNotExist
}

func TestHandleDashboard_Title(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"custom", "Print Farm", "<title>Print Farm</title><h1>Print Farm</h1>"},
		{"default", "", "<title>DuetBoard</title><h1>DuetBoard</h1>"},
		{"escaped", "<script>alert('x')</script>", "<title>&lt;script&gt;alert(&#39;x&#39;)&lt;/script&gt;</title>"},
		{"ampersand", "Voron & Prusa", "<title>Voron &amp; Prusa</title>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assets := &mockFS{content: "<title>{{.Title}}</title><h1>{{.Title}}</h1>"}
			srv := NewServer(newMockStore(), 0, assets, tt.title, testLogger())

			rec := httptest.NewRecorder()
			srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.want)
			}
			if strings.Contains(rec.Body.String(), "<script>") {
				t.Error("title should be HTML-escaped")
			}
		})
	}
}

func TestHandleDashboard_NotFound(t *testing.T) {
	srv := NewServer(newMockStore(), 0, nil, "", testLogger())
	rec := httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("nil assets status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	srv = NewServer(newMockStore(), 0, &mockFS{content: "x"}, "", testLogger())
	rec = httptest.NewRecorder()
	srv.handleDashboard(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("non-root status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func BenchmarkHandleSSE_Snapshot(b *testing.B) {
	ms := newMockStore()
	for i := 0; i < 10; i++ {
		ms.UpdateReading(store.SensorReading{ID: "sensor_" + string(rune('a'+i)), Value: float64(i)})
	}
	srv := NewServer(ms, 0, nil, "", testLogger())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		req := httptest.NewRequest(http.MethodGet, "/api/sse", nil).WithContext(ctx)
		srv.handleSSE(httptest.NewRecorder(), req)
		cancel()
	}
}
