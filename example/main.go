package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/duetboard"
	"github.com/jpalmerr/duetboard/internal/mockduet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// two simulated controllers on :9999 and :9998
	voronURL, err := serveMock(ctx, ":9999", mockduet.New(mockduet.WithTools(2)))
	if err != nil {
		slog.Error("failed to start mock printer", "error", err)
		os.Exit(1)
	}
	enderURL, err := serveMock(ctx, ":9998", mockduet.New(
		mockduet.WithFileName("calibration-cube.gcode"),
		mockduet.WithCycle(10*time.Second, 2*time.Minute, 30*time.Second),
	))
	if err != nil {
		slog.Error("failed to start mock printer", "error", err)
		os.Exit(1)
	}

	voron, err := duetboard.NewPrinter(voronURL,
		duetboard.WithName("Voron"),
		duetboard.WithToolCount(2),
		duetboard.WithBed(true),
	)
	if err != nil {
		slog.Error("failed to create printer", "error", err)
		os.Exit(1)
	}

	// faster per-printer schedule than the board default
	ender, err := duetboard.NewPrinter(enderURL,
		duetboard.WithName("Ender"),
		duetboard.WithToolCount(1),
		duetboard.WithBed(true),
		duetboard.WithScanInterval(5*time.Second),
	)
	if err != nil {
		slog.Error("failed to create printer", "error", err)
		os.Exit(1)
	}

	board, err := duetboard.New(
		duetboard.WithTitle("DuetBoard Demo"),
		duetboard.WithPrinter(voron),
		duetboard.WithPrinter(ender, "Temperatures", "Current State", "Job Percentage", "Printing"),
		duetboard.WithPollingInterval(10*time.Second),
		duetboard.WithPort(8080),
	)
	if err != nil {
		slog.Error("failed to create board", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   DuetBoard Demo                                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Printers:                                           ║")
	fmt.Println("  ║   • Voron (2 tools, all conditions, 10s)              ║")
	fmt.Println("  ║   • Ender (1 tool, 4 conditions, 5s)                  ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	if err := board.Start(ctx); err != nil {
		slog.Error("duetboard error", "error", err)
		os.Exit(1)
	}
}

// serveMock serves sim on addr until ctx is cancelled and returns the
// printer base URL for it.
func serveMock(ctx context.Context, addr string, sim *mockduet.Simulator) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock printer stopped", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://127.0.0.1:%d/rr_model?flags=d99vn/", port), nil
}
