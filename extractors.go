package duetboard

import (
	"errors"
	"fmt"
)

// Job groups understood by [Extract] for [EndpointJob].
const (
	GroupFileName        = "fileName"
	GroupFractionPrinted = "fractionPrinted"
	GroupTimesLeft       = "timesLeft"
	GroupPrintDuration   = "printDuration"
)

// ErrToolRequired is returned when a heat value is requested without a tool.
var ErrToolRequired = errors.New("tool is required for heat values")

// ExtractError reports that a payload did not match the shape expected for
// a value. It signals a firmware or configuration mismatch and is never
// collapsed into a nil value.
type ExtractError struct {
	Endpoint   Endpoint
	SensorType string
	Group      string
	Tool       Tool
	Err        error
}

func (e *ExtractError) Error() string {
	msg := fmt.Sprintf("extract %s/%s/%s", e.Endpoint, e.Group, e.SensorType)
	if e.Tool != NoTool {
		msg += " tool " + string(e.Tool)
	}
	return msg + ": " + e.Err.Error()
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// Extract returns the value selected by (endpoint, sensorType, group, tool)
// from a payload previously fetched for endpoint.
//
// Extract is a pure function. It returns:
//   - float64, string or bool for a present scalar
//   - nil with a nil error for an absent payload, a JSON null leaf, an
//     unsupported job group or an unknown endpoint
//   - nil with an [*ExtractError] when the payload has an unexpected shape
//
// Selection rules per endpoint:
//   - heat: result[group][i][sensorType], i = 0 for [BedTool], else the tool number
//   - move: result[group][sensorType].userPosition, sensorType being the axis index
//   - job: see [GroupFileName], [GroupFractionPrinted], [GroupTimesLeft], [GroupPrintDuration]
//   - state: result.status
func Extract(payload Value, endpoint Endpoint, sensorType, group string, tool Tool) (any, error) {
	if payload.IsZero() {
		return nil, nil
	}

	var (
		value any
		err   error
	)
	switch endpoint {
	case EndpointHeat:
		value, err = extractHeat(payload, sensorType, group, tool)
	case EndpointMove:
		value, err = extractMove(payload, sensorType, group)
	case EndpointJob:
		value, err = extractJob(payload, group)
	case EndpointState:
		value, err = scalarAt(payload, "result", "status")
	default:
		return nil, nil
	}

	if err != nil {
		return nil, &ExtractError{
			Endpoint:   endpoint,
			SensorType: sensorType,
			Group:      group,
			Tool:       tool,
			Err:        err,
		}
	}
	return value, nil
}

func extractHeat(payload Value, sensorType, group string, tool Tool) (any, error) {
	if tool == NoTool {
		return nil, ErrToolRequired
	}
	heaters, err := payload.Lookup("result", group)
	if err != nil {
		return nil, err
	}
	idx, err := tool.heaterIndex(heaters.Path())
	if err != nil {
		return nil, err
	}
	return scalarAt(heaters, idx, sensorType)
}

func extractMove(payload Value, sensorType, group string) (any, error) {
	axes, err := payload.Lookup("result", group)
	if err != nil {
		return nil, err
	}
	idx, err := parseIndex(axes.Path(), sensorType)
	if err != nil {
		return nil, err
	}
	return scalarAt(axes, idx, "userPosition")
}

func extractJob(payload Value, group string) (any, error) {
	switch group {
	case GroupFileName:
		name, err := payload.Lookup("result", "file", "fileName")
		if err != nil {
			return nil, err
		}
		if !name.empty() {
			return name.Scalar()
		}
		return scalarAt(payload, "result", "lastFileName")

	case GroupFractionPrinted:
		size, err := floatAt(payload, "result", "file", "size")
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			return 0.0, nil
		}
		position, err := floatAt(payload, "result", "filePosition")
		if err != nil {
			return nil, err
		}
		return 100.0 * position / size, nil

	case GroupTimesLeft:
		return scalarAt(payload, "result", "timesLeft", "slicer")

	case GroupPrintDuration:
		return scalarAt(payload, "result", "duration")

	default:
		// reserved groups such as "status" have no extraction rule
		return nil, nil
	}
}

func scalarAt(v Value, steps ...any) (any, error) {
	leaf, err := v.Lookup(steps...)
	if err != nil {
		return nil, err
	}
	return leaf.Scalar()
}

func floatAt(v Value, steps ...any) (float64, error) {
	leaf, err := v.Lookup(steps...)
	if err != nil {
		return 0, err
	}
	return leaf.Float()
}
