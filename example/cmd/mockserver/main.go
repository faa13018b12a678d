// Standalone mock Duet3D controller for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/duetboard serve -c example/config.yaml
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jpalmerr/duetboard/internal/mockduet"
)

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	tools := flag.Int("tools", 1, "number of tool heaters")
	job := flag.Duration("job", 5*time.Minute, "length of the simulated print")
	flag.Parse()

	fmt.Printf("Mock Duet3D controller starting on %s\n", *addr)
	fmt.Println("Printer cycles through: heating → printing → idle")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	sim := mockduet.New(
		mockduet.WithTools(*tools),
		mockduet.WithCycle(30*time.Second, *job, time.Minute),
	)

	srv := &http.Server{Addr: *addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
