// Package poller provides the HTTP client used to talk to printer
// controllers and the scheduler that reads sensors periodically.
//
// The main components are:
//
//   - [Client]: pooled HTTP client with per-request timeout and size limits
//   - [Scheduler]: runs [Task] reads on their intervals with a worker pool
//   - [Result]: outcome of a single task read
//
// Users of the duetboard library should not need to interact with this
// package directly.
package poller
