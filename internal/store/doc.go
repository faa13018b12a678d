// Package store keeps the latest sensor readings and printer statuses in
// memory and fans changes out to subscribers.
//
// The main components are:
//
//   - [Store]: interface defining storage and subscription operations
//   - [MemoryStore]: in-memory implementation of Store with pub/sub
//   - [SensorReading], [PrinterStatus]: JSON representations served by the API
//   - [Event]: a change delivered to subscribers
//
// Subscribers receive events via channels with non-blocking sends: slow
// subscribers miss events rather than block the read path.
package store
