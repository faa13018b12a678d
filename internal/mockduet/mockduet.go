// Package mockduet simulates a Duet3D controller's object-model endpoint.
//
// The simulated printer loops through a print cycle: it heats the bed and
// tools, prints a job, then cools down while idle. Responses follow the
// shape of "GET /rr_model?key=<heat|job|move|state>&flags=d99vn".
package mockduet

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	ambient   = 21.0
	bedTarget = 60.0
	toolBase  = 210.0

	fileSize = 4_000_000
)

// Phase is the simulator's position in the print cycle.
type Phase string

const (
	PhaseHeating  Phase = "heating"
	PhasePrinting Phase = "printing"
	PhaseIdle     Phase = "idle"
)

// Simulator serves object-model payloads for a simulated printer.
type Simulator struct {
	tools    int
	heatUp   time.Duration
	job      time.Duration
	cooldown time.Duration
	fileName string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	started time.Time
	last    Phase
	failing map[string]bool
}

// Option configures a [Simulator].
type Option func(*Simulator)

// WithTools sets the number of tool heaters. Defaults to 1.
func WithTools(n int) Option {
	return func(s *Simulator) { s.tools = n }
}

// WithCycle sets the duration of the heating, printing and idle phases.
func WithCycle(heatUp, job, cooldown time.Duration) Option {
	return func(s *Simulator) {
		s.heatUp, s.job, s.cooldown = heatUp, job, cooldown
	}
}

// WithFileName sets the name of the simulated job.
func WithFileName(name string) Option {
	return func(s *Simulator) { s.fileName = name }
}

// WithLogger sets the logger for phase changes.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New creates a Simulator whose cycle starts now.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		tools:    1,
		heatUp:   30 * time.Second,
		job:      5 * time.Minute,
		cooldown: time.Minute,
		fileName: "benchy.gcode",
		logger:   slog.Default(),
		now:      time.Now,
		failing:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// Fail makes the endpoint key answer 503 until [Simulator.Recover] is called.
func (s *Simulator) Fail(key string) {
	s.mu.Lock()
	s.failing[key] = true
	s.mu.Unlock()
}

// Recover undoes [Simulator.Fail].
func (s *Simulator) Recover(key string) {
	s.mu.Lock()
	delete(s.failing, key)
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving /rr_model.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rr_model", s.handleModel)
	return mux
}

// Phase returns the current phase and the time spent in it.
func (s *Simulator) Phase() (Phase, time.Duration) {
	cycle := s.heatUp + s.job + s.cooldown
	if cycle <= 0 {
		return PhaseIdle, 0
	}
	elapsed := s.now().Sub(s.started) % cycle

	switch {
	case elapsed < s.heatUp:
		return PhaseHeating, elapsed
	case elapsed < s.heatUp+s.job:
		return PhasePrinting, elapsed - s.heatUp
	default:
		return PhaseIdle, elapsed - s.heatUp - s.job
	}
}

func (s *Simulator) handleModel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	s.mu.Lock()
	failing := s.failing[key]
	s.mu.Unlock()
	if failing {
		http.Error(w, "simulated outage", http.StatusServiceUnavailable)
		return
	}

	phase, in := s.Phase()
	s.logPhase(phase)

	var result any
	switch key {
	case "heat":
		result = s.heat(phase, in)
	case "job":
		result = s.jobModel(phase, in)
	case "move":
		result = s.move(phase, in)
	case "state":
		result = map[string]any{"status": stateStatus(phase)}
	default:
		http.Error(w, "unknown key", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"key":    key,
		"flags":  r.URL.Query().Get("flags"),
		"result": result,
	}); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Simulator) logPhase(phase Phase) {
	s.mu.Lock()
	changed := s.last != phase
	prev := s.last
	s.last = phase
	s.mu.Unlock()

	if changed && prev != "" {
		s.logger.Info("phase change", "from", prev, "to", phase)
	}
}

// heaters: index 0 is the bed, index n is tool n.
func (s *Simulator) heat(phase Phase, in time.Duration) map[string]any {
	heaters := make([]map[string]any, 0, s.tools+1)
	heaters = append(heaters, heater(phase, in, s.heatUp, bedTarget))
	for i := 1; i <= s.tools; i++ {
		heaters = append(heaters, heater(phase, in, s.heatUp, toolBase+float64(5*(i-1))))
	}
	return map[string]any{"heaters": heaters}
}

func heater(phase Phase, in, heatUp time.Duration, target float64) map[string]any {
	var current, active float64
	switch phase {
	case PhaseHeating:
		active = target
		frac := 1.0
		if heatUp > 0 {
			frac = float64(in) / float64(heatUp)
		}
		current = ambient + (target-ambient)*frac
	case PhasePrinting:
		active = target
		current = target + 0.4*math.Sin(in.Seconds()/3)
	default:
		// exponential cool-down with a 60s time constant
		current = ambient + (target-ambient)*math.Exp(-in.Seconds()/60)
	}
	return map[string]any{
		"current": math.Round(current*10) / 10,
		"active":  active,
		"standby": 0,
		"state":   heaterState(phase),
	}
}

func heaterState(phase Phase) string {
	if phase == PhaseIdle {
		return "off"
	}
	return "active"
}

func (s *Simulator) jobModel(phase Phase, in time.Duration) map[string]any {
	if phase != PhasePrinting {
		return map[string]any{
			"file":         map[string]any{"fileName": nil, "size": 0},
			"filePosition": 0,
			"lastFileName": s.fileName,
			"timesLeft":    map[string]any{"slicer": nil},
			"duration":     nil,
		}
	}

	frac := float64(in) / float64(s.job)
	return map[string]any{
		"file":         map[string]any{"fileName": "0:/gcodes/" + s.fileName, "size": fileSize},
		"filePosition": int(frac * fileSize),
		"lastFileName": s.fileName,
		"timesLeft":    map[string]any{"slicer": int((s.job - in).Seconds())},
		"duration":     int(in.Seconds()),
	}
}

func (s *Simulator) move(phase Phase, in time.Duration) map[string]any {
	x, y, z := 0.0, 0.0, 0.0
	if phase == PhasePrinting {
		t := in.Seconds()
		x = 110 + 40*math.Cos(t)
		y = 110 + 40*math.Sin(t)
		z = 0.2 + 0.2*math.Floor(t/10)
	}
	round := func(v float64) float64 { return math.Round(v*100) / 100 }
	return map[string]any{
		"axes": []map[string]any{
			{"letter": "X", "userPosition": round(x)},
			{"letter": "Y", "userPosition": round(y)},
			{"letter": "Z", "userPosition": round(z)},
		},
	}
}

func stateStatus(phase Phase) string {
	switch phase {
	case PhasePrinting, PhaseHeating:
		return "processing"
	default:
		return "idle"
	}
}
