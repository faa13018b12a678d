// Package server provides the HTTP server for the duetboard dashboard and API.
//
// It serves the embedded dashboard at "/", JSON snapshots of sensors and
// printers under "/api", recorded history when a [HistoryReader] is
// configured, live store events over both Server-Sent Events and
// WebSocket, and Prometheus metrics when a handler is mounted.
//
// The server shuts down gracefully when its context is cancelled, with a
// 5-second timeout for in-flight requests. It is started by
// [duetboard.Board.Start]; library users should not need it directly.
package server
