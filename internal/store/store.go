package store

import "time"

// SensorReading is the latest value of one sensor.
//
// SensorReading is the storage representation used by the REST API, SSE
// and WebSocket streams. It is decoupled from the duetboard types so the
// wire format can evolve independently.
type SensorReading struct {
	// ID is the sensor's slug, unique across all printers.
	ID string `json:"id"`

	// Name is the display name, e.g. "Voron Temperatures bed current".
	Name string `json:"name"`

	// Printer is the name of the printer the sensor belongs to.
	Printer string `json:"printer"`

	// Condition is the monitored condition, e.g. "Temperatures".
	Condition string `json:"condition"`

	// Tool is the tool identifier for per-tool sensors, empty otherwise.
	Tool string `json:"tool,omitempty"`

	Unit   string `json:"unit,omitempty"`
	Icon   string `json:"icon,omitempty"`
	Binary bool   `json:"binary"`

	// Value is a number, string, bool or nil when unknown.
	Value any `json:"value"`

	// Available mirrors the printer's availability when the value was read.
	Available bool `json:"available"`

	// ReadAt is when the value was read.
	ReadAt time.Time `json:"read_at"`

	// ResponseTimeMs is the read latency in milliseconds.
	ResponseTimeMs int64 `json:"response_time_ms"`

	// Error contains the extraction error, if any.
	Error *string `json:"error"`
}

// EndpointStatus is the health of one printer endpoint.
type EndpointStatus struct {
	Endpoint  string    `json:"endpoint"`
	Available bool      `json:"available"`
	FetchedAt time.Time `json:"fetched_at"`
	Error     *string   `json:"error"`
}

// PrinterStatus is the health of one printer.
type PrinterStatus struct {
	Name      string           `json:"name"`
	URL       string           `json:"url"`
	Available bool             `json:"available"`
	Endpoints []EndpointStatus `json:"endpoints"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// EventType distinguishes the payload of an [Event].
type EventType string

const (
	EventReading EventType = "reading"
	EventPrinter EventType = "printer"
)

// Event is a change published to subscribers. Exactly one of Reading and
// Printer is set, according to Type.
type Event struct {
	Type    EventType      `json:"type"`
	Reading *SensorReading `json:"reading,omitempty"`
	Printer *PrinterStatus `json:"printer,omitempty"`
}

// Store defines the interface for storing and subscribing to sensor updates.
//
// Store implementations must be safe for concurrent access.
type Store interface {
	// UpdateReading stores a reading, keyed by ID, and notifies subscribers.
	UpdateReading(r SensorReading)

	// UpdatePrinter stores a printer status, keyed by Name. Subscribers are
	// notified only when availability changed.
	UpdatePrinter(p PrinterStatus)

	// Readings returns all readings sorted by ID.
	Readings() []SensorReading

	// Printers returns all printer statuses sorted by name.
	Printers() []PrinterStatus

	// Subscribe returns a channel that receives events.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan Event

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan Event)
}
