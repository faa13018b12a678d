package duetboard

import (
	"fmt"
	"strconv"
)

// Endpoint identifies one of the status categories served by the Duet
// object model API. Each endpoint is fetched and cached independently.
type Endpoint string

const (
	// EndpointHeat carries heater temperatures.
	EndpointHeat Endpoint = "heat"

	// EndpointJob carries the current print job.
	EndpointJob Endpoint = "job"

	// EndpointMove carries axis positions.
	EndpointMove Endpoint = "move"

	// EndpointState carries the machine status.
	EndpointState Endpoint = "state"
)

// endpoints is the fixed set of endpoints in fetch order.
var endpoints = [...]Endpoint{EndpointHeat, EndpointJob, EndpointMove, EndpointState}

// Endpoints returns all known endpoints in a stable order.
func Endpoints() []Endpoint {
	out := make([]Endpoint, len(endpoints))
	copy(out, endpoints[:])
	return out
}

// Valid reports whether e is one of the four known endpoints.
func (e Endpoint) Valid() bool {
	for _, known := range endpoints {
		if e == known {
			return true
		}
	}
	return false
}

// String returns the endpoint key as sent in the request query.
func (e Endpoint) String() string {
	return string(e)
}

// ParseEndpoint converts a key such as "heat" into an [Endpoint].
func ParseEndpoint(s string) (Endpoint, error) {
	e := Endpoint(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown endpoint %q", s)
	}
	return e, nil
}

// Tool identifies a monitored temperature point: a numbered tool ("1".."N")
// or the heated bed ([BedTool]). Tools discovered from a heat payload may
// carry any identifier the controller reports.
type Tool string

// BedTool is the heated bed. It always maps to heater index 0.
const BedTool Tool = "bed"

// NoTool is passed to [Printer.Update] for endpoints that are not per-tool.
const NoTool Tool = ""

// ToolNumber returns the [Tool] for the numbered tool n.
func ToolNumber(n int) Tool {
	return Tool(strconv.Itoa(n))
}

// heaterIndex returns the position of the tool in the heaters array.
func (t Tool) heaterIndex(path string) (int, error) {
	if t == BedTool {
		return 0, nil
	}
	return parseIndex(path, string(t))
}
