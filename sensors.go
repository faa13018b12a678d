package duetboard

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// Condition describes a monitorable group of values served by one endpoint.
// Each key of a condition becomes one [Sensor]; per-tool conditions are
// expanded once per tool.
type Condition struct {
	Name     string
	Endpoint Endpoint
	Group    string
	Keys     []string
	Labels   []string // display label per key
	Units    []string // unit per key, "" when unitless
	Icons    []string // icon per key
	Binary   bool
	PerTool  bool
}

func (c Condition) at(i int, values []string) string {
	switch {
	case i < len(values):
		return values[i]
	case len(values) == 1:
		return values[0]
	default:
		return ""
	}
}

var catalog = []Condition{
	{
		Name: "Temperatures", Endpoint: EndpointHeat, Group: "heaters",
		Keys: []string{"current", "active"}, Labels: []string{"current", "target"},
		Units: []string{"°C"}, Icons: []string{"mdi:thermometer"}, PerTool: true,
	},
	{
		Name: "Current State", Endpoint: EndpointState, Group: "status",
		Keys: []string{"text"}, Icons: []string{"mdi:printer-3d"},
	},
	{
		Name: "Job Percentage", Endpoint: EndpointJob, Group: GroupFractionPrinted,
		Keys: []string{"completion"}, Units: []string{"%"}, Icons: []string{"mdi:file-percent"},
	},
	{
		Name: "Time Remaining", Endpoint: EndpointJob, Group: GroupTimesLeft,
		Keys: []string{"file"}, Units: []string{"seconds"}, Icons: []string{"mdi:clock-end"},
	},
	{
		Name: "Time Elapsed", Endpoint: EndpointJob, Group: GroupPrintDuration,
		Keys: []string{"printTime"}, Units: []string{"seconds"}, Icons: []string{"mdi:clock-start"},
	},
	{
		Name: "Job Name", Endpoint: EndpointJob, Group: GroupFileName,
		Keys: []string{"text"}, Icons: []string{"mdi:printer-3d"},
	},
	{
		Name: "Position", Endpoint: EndpointMove, Group: "axes",
		Keys: []string{"0", "1", "2"}, Labels: []string{"x", "y", "z"},
		Units: []string{"mm", "mm", "mm"},
		Icons: []string{"mdi:axis-x-arrow", "mdi:axis-y-arrow", "mdi:axis-z-arrow"},
	},
	{
		Name: "Printing", Endpoint: EndpointJob, Group: "status",
		Keys: []string{"printing"}, Binary: true,
	},
}

// Conditions returns every known condition, sensors first, then binary sensors.
func Conditions() []Condition {
	out := make([]Condition, len(catalog))
	copy(out, catalog)
	return out
}

// ConditionNames returns the names of the sensor (binary=false) or binary
// sensor (binary=true) conditions in catalog order.
func ConditionNames(binary bool) []string {
	var names []string
	for _, c := range catalog {
		if c.Binary == binary {
			names = append(names, c.Name)
		}
	}
	return names
}

// LookupCondition returns the condition with the given name.
func LookupCondition(name string) (Condition, bool) {
	for _, c := range catalog {
		if c.Name == name {
			return c, true
		}
	}
	return Condition{}, false
}

// Sensor is one value read from a [Printer]: a (condition, key, tool) triple.
type Sensor struct {
	ID        string
	Name      string
	Printer   string
	Condition string
	Endpoint  Endpoint
	Group     string
	Key       string
	Tool      Tool
	Unit      string
	Icon      string
	Binary    bool

	printer *Printer
}

// Read returns the sensor's current value.
//
// A nil value means unknown: the printer is unreachable or the value is
// not reported. Binary sensors return a bool or nil.
func (s Sensor) Read(ctx context.Context) (any, error) {
	v, err := s.printer.Update(ctx, s.Key, s.Endpoint, s.Group, s.Tool)
	if err != nil {
		return nil, err
	}
	if s.Binary {
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, nil
	}
	return v, nil
}

// Source returns the printer the sensor reads from.
func (s Sensor) Source() *Printer {
	return s.printer
}

// ExpandSensors creates the sensors for the named conditions of p, in the
// order given. Per-tool conditions use [Printer.Tools], so printers that
// discover their tools should be primed first.
//
// Returns an error for an unknown condition name.
func ExpandSensors(p *Printer, conditions ...string) ([]Sensor, error) {
	var sensors []Sensor
	for _, name := range conditions {
		c, ok := LookupCondition(name)
		if !ok {
			return nil, fmt.Errorf("unknown condition %q", name)
		}

		tools := []Tool{NoTool}
		if c.PerTool {
			tools = p.Tools()
		}

		for _, tool := range tools {
			for i, key := range c.Keys {
				label := c.at(i, c.Labels)
				if label == "" {
					label = key
				}

				parts := []string{p.Name(), c.Name}
				if tool != NoTool {
					parts = append(parts, string(tool))
				}
				if len(c.Keys) > 1 {
					parts = append(parts, label)
				}
				name := strings.Join(parts, " ")

				sensors = append(sensors, Sensor{
					ID:        Slugify(name),
					Name:      name,
					Printer:   p.Name(),
					Condition: c.Name,
					Endpoint:  c.Endpoint,
					Group:     c.Group,
					Key:       key,
					Tool:      tool,
					Unit:      c.at(i, c.Units),
					Icon:      c.at(i, c.Icons),
					Binary:    c.Binary,
					printer:   p,
				})
			}
		}
	}
	return sensors, nil
}

// Slugify lowercases s and joins its alphanumeric runs with underscores,
// e.g. "My Duet 2" becomes "my_duet_2". Printer names must be unique after
// slugification.
func Slugify(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}
