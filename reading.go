package duetboard

import "time"

// Reading is one sensor read, passed to callbacks registered with
// [WithReadingCallback].
type Reading struct {
	// SensorID is the sensor's slug, e.g. "voron_temperatures_bed_current".
	SensorID string

	// Name is the display name, e.g. "Voron Temperatures bed current".
	Name string

	// Printer is the name of the printer the sensor belongs to.
	Printer string

	// Condition is the monitored condition, e.g. "Temperatures".
	Condition string

	// Tool is set for per-tool sensors.
	Tool Tool

	Unit   string
	Binary bool

	// Value is a float64, string or bool, or nil when the value is unknown
	// (printer unreachable or field absent).
	Value any

	// Available reports whether every endpoint of the printer answered its
	// most recent fetch.
	Available bool

	// Latency is the time taken by the read, including any fetch.
	Latency time.Duration

	// ReadAt is when the read started.
	ReadAt time.Time

	// Err is set when the payload did not have the expected shape
	// (an [*ExtractError]) or the read panicked.
	Err error
}

// Known reports whether the reading carries a value.
func (r Reading) Known() bool {
	return r.Value != nil
}
