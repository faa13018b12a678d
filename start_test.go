package duetboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jpalmerr/duetboard/internal/history"
	"github.com/jpalmerr/duetboard/internal/store"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// runBoard starts board in the background and returns a stop function that
// cancels it and waits for Start to return.
func runBoard(t *testing.T, board *Board) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- board.Start(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Start() returned error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Start() did not return after context cancellation")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

// collectReadings registers a callback and returns a function that waits
// until n readings arrived.
func collectReadings(t *testing.T, n int) (Option, func() map[string]Reading) {
	t.Helper()
	ch := make(chan Reading, 64)
	opt := WithReadingCallback(func(r Reading) {
		select {
		case ch <- r:
		default:
		}
	})
	wait := func() map[string]Reading {
		got := make(map[string]Reading, n)
		timeout := time.After(5 * time.Second)
		for len(got) < n {
			select {
			case r := <-ch:
				got[r.SensorID] = r
			case <-timeout:
				t.Fatalf("received %d/%d readings", len(got), n)
			}
		}
		return got
	}
	return opt, wait
}

func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock(), WithName("Voron"))

	board, err := New(WithPrinter(p, "Current State"), WithPort(freePort(t)), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- board.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock())

	board, err := New(WithPrinter(p), WithPort(freePort(t)), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := board.Start(ctx); err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
	if got := f.hitCount(EndpointHeat); got != 0 {
		t.Errorf("controller hit %d times with a cancelled context, want 0", got)
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock())
	board, err := New(WithPrinter(p, "Current State"), WithPort(ln.Addr().(*net.TCPAddr).Port), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := board.Start(ctx); err == nil {
		t.Fatal("Start() on an occupied port should return an error")
	}
}

func TestStart_ReadsSensorsAndServesThem(t *testing.T) {
	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock(), WithName("Voron"), WithToolCount(1), WithBed(true))
	port := freePort(t)

	collect, wait := collectReadings(t, 6)
	board, err := New(
		WithPrinter(p, "Temperatures", "Current State", "Printing"),
		WithPort(port),
		WithLogger(testLogger()),
		collect,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runBoard(t, board)

	got := wait()
	want := map[string]any{
		"voron_temperatures_1_current":   210.0,
		"voron_temperatures_1_target":    215.0,
		"voron_temperatures_bed_current": 60.1,
		"voron_temperatures_bed_target":  60.0,
		"voron_current_state":            "idle",
		"voron_printing":                 nil,
	}
	for id, v := range want {
		r, ok := got[id]
		if !ok {
			t.Errorf("no reading for %s", id)
			continue
		}
		if r.Value != v {
			t.Errorf("%s value = %v, want %v", id, r.Value, v)
		}
		if !r.Available {
			t.Errorf("%s Available = false, want true", id)
		}
		if r.Printer != "Voron" {
			t.Errorf("%s Printer = %q, want Voron", id, r.Printer)
		}
	}
	if !got["voron_printing"].Binary {
		t.Error("voron_printing Binary = false, want true")
	}

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/api/sensors")
	if err != nil {
		t.Fatalf("GET /api/sensors: %v", err)
	}
	defer resp.Body.Close()

	var sensors []store.SensorReading
	if err := json.NewDecoder(resp.Body).Decode(&sensors); err != nil {
		t.Fatalf("decode /api/sensors: %v", err)
	}
	if len(sensors) != 6 {
		t.Errorf("/api/sensors returned %d readings, want 6", len(sensors))
	}
}

func TestStart_UnavailablePrinterIsNotFatal(t *testing.T) {
	f := newFakeDuet(t)
	f.fail(EndpointState, http.StatusServiceUnavailable)
	p := newTestPrinter(t, f, newFakeClock(), WithName("Voron"))

	collect, wait := collectReadings(t, 2)
	board, err := New(
		WithPrinter(p, "Current State", "Job Name"),
		WithPort(freePort(t)),
		WithLogger(testLogger()),
		collect,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runBoard(t, board)

	got := wait()
	state := got["voron_current_state"]
	if state.Value != nil || state.Err != nil {
		t.Errorf("current state = %v (err %v), want unknown without error", state.Value, state.Err)
	}
	if state.Available {
		t.Error("Available = true while the state endpoint fails")
	}
	if name := got["voron_job_name"]; name.Value != "test.gcode" {
		t.Errorf("job name = %v, want test.gcode", name.Value)
	}
}

func TestStart_RecordsHistory(t *testing.T) {
	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock(), WithName("Voron"))
	path := filepath.Join(t.TempDir(), "history.db")

	collect, wait := collectReadings(t, 1)
	board, err := New(
		WithPrinter(p, "Job Percentage"),
		WithPort(freePort(t)),
		WithLogger(testLogger()),
		WithHistory(path, time.Hour),
		collect,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stop := runBoard(t, board)
	wait()
	stop()

	rec, err := history.Open(path)
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}
	defer func() { _ = rec.Close() }()

	entries, err := rec.Latest(context.Background(), "voron_job_percentage", 10)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no history entries recorded")
	}
	if entries[0].Value != 25.0 || entries[0].Printer != "Voron" {
		t.Errorf("entry = %+v, want 25 for Voron", entries[0])
	}
}

func TestStart_ExportsMetrics(t *testing.T) {
	f := newFakeDuet(t)
	p := newTestPrinter(t, f, newFakeClock(), WithName("Voron"))
	reg := prometheus.NewRegistry()

	collect, wait := collectReadings(t, 1)
	board, err := New(
		WithPrinter(p, "Job Percentage"),
		WithPort(freePort(t)),
		WithLogger(testLogger()),
		WithMetricsRegistry(reg),
		collect,
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runBoard(t, board)
	wait()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	seen := make(map[string]bool)
	for _, mf := range families {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{
		"duetboard_printer_available",
		"duetboard_endpoint_available",
		"duetboard_endpoint_fetches_total",
		"duetboard_sensor_value",
	} {
		if !seen[name] {
			t.Errorf("metric %s not exported", name)
		}
	}
}
