// Package config provides YAML configuration parsing for DuetBoard.
//
// This package enables running DuetBoard as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	title: Print Farm
//	port: 8080
//	polling_interval: 30s
//
//	history:
//	  path: duetboard.db
//	  retention: 168h
//
//	printers:
//	  - name: Voron
//	    host: 192.168.1.20
//	    number_of_tools: 1
//	    bed: true
//	    headers:
//	      Authorization: ${DUET_TOKEN}
//	    sensors:
//	      monitored_conditions: [Temperatures, Current State, Job Percentage]
//	    binary_sensors:
//	      monitored_conditions: [Printing]
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/duetboard"
)

const (
	defaultPort            = 8080
	defaultPollingInterval = 30 * time.Second
	defaultPrinterPort     = 80
	defaultPath            = "/rr_model?flags=d99vn"

	// minPollingInterval prevents accidentally hammering a controller.
	minPollingInterval = time.Second
)

// Config is the root configuration structure for DuetBoard.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Title is the dashboard title. Defaults to "DuetBoard" if not set.
	Title string `yaml:"title"`

	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollingInterval is the default time between sensor reads.
	// Accepts duration strings like "10s", "1m". Defaults to 30s.
	PollingInterval Duration `yaml:"polling_interval"`

	// MaxConcurrency bounds concurrent sensor reads. Zero keeps the default.
	MaxConcurrency int `yaml:"max_concurrency"`

	// History enables the SQLite reading history when Path is set.
	History HistoryConfig `yaml:"history"`

	// Printers lists the monitored controllers.
	Printers []PrinterConfig `yaml:"printers"`
}

// HistoryConfig configures the reading history database.
type HistoryConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path"`

	// Retention is how long readings are kept. Zero keeps the default (7 days).
	Retention Duration `yaml:"retention"`
}

// PrinterConfig defines one Duet3D controller.
type PrinterConfig struct {
	// Name is the display name. Defaults to "Duet3D Printer".
	// Names must be unique after slugification.
	Name string `yaml:"name"`

	// Host is the controller's hostname or IP address. Required.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Host string `yaml:"host"`

	// SSL selects https. Defaults to false.
	SSL bool `yaml:"ssl"`

	// Port is the controller's HTTP port. Defaults to 80.
	Port int `yaml:"port"`

	// Path is the object model path and query prefix.
	// Defaults to "/rr_model?flags=d99vn"; normalised to start and end with "/".
	Path string `yaml:"path"`

	// NumberOfTools is the number of numbered tools. Zero means none declared.
	NumberOfTools int `yaml:"number_of_tools"`

	// Bed declares a heated bed.
	Bed bool `yaml:"bed"`

	// Headers are custom HTTP headers sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// ScanInterval overrides polling_interval for this printer's sensors.
	ScanInterval Duration `yaml:"scan_interval"`

	// Timeout bounds each request. Defaults to 2s.
	Timeout Duration `yaml:"timeout"`

	// Sensors selects the monitored sensor conditions.
	// Defaults to every sensor condition.
	Sensors ConditionsConfig `yaml:"sensors"`

	// BinarySensors selects the monitored binary conditions.
	// Defaults to every binary condition.
	BinarySensors ConditionsConfig `yaml:"binary_sensors"`
}

// ConditionsConfig lists condition names such as "Temperatures".
type ConditionsConfig struct {
	MonitoredConditions []string `yaml:"monitored_conditions"`
}

// BaseURL returns the printer's object model URL,
// "http{s}://{host}:{port}{path}".
func (p PrinterConfig) BaseURL() string {
	scheme := "http"
	if p.SSL {
		scheme = "https"
	}
	return scheme + "://" + p.Host + ":" + strconv.Itoa(p.Port) + p.Path
}

// Conditions returns the sensor conditions followed by the binary conditions.
func (p PrinterConfig) Conditions() []string {
	out := make([]string, 0, len(p.Sensors.MonitoredConditions)+len(p.BinarySensors.MonitoredConditions))
	out = append(out, p.Sensors.MonitoredConditions...)
	return append(out, p.BinarySensors.MonitoredConditions...)
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		name := sub[1]
		hasDefault := len(sub) > 2 && sub[2] != ""

		value, ok := os.LookupEnv(name)
		if ok {
			return value
		}
		if hasDefault {
			return sub[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", name)
		return match
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in host and header values.
// Defaults are applied for Port (8080), PollingInterval (30s) and every
// printer field documented on [PrinterConfig].
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = Duration(defaultPollingInterval)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables, applies printer
// defaults and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PollingInterval.Duration() < minPollingInterval {
		return fmt.Errorf("polling_interval must be at least %s, got %s", minPollingInterval, c.PollingInterval.Duration())
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative, got %d", c.MaxConcurrency)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention cannot be negative, got %s", c.History.Retention.Duration())
	}

	if len(c.Printers) == 0 {
		return errors.New("at least one printer must be defined")
	}

	slugs := make(map[string]string, len(c.Printers))
	for i := range c.Printers {
		p := &c.Printers[i]

		if p.Name == "" {
			p.Name = duetboard.DefaultPrinterName
		}
		ctx := fmt.Sprintf("printers[%d] (%s)", i, p.Name)

		slug := duetboard.Slugify(p.Name)
		if prev, dup := slugs[slug]; dup {
			return fmt.Errorf("%s: name conflicts with %q", ctx, prev)
		}
		slugs[slug] = p.Name

		if err := p.expandAndValidate(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (p *PrinterConfig) expandAndValidate(ctx string) error {
	if p.Host == "" {
		return fmt.Errorf("%s: host is required", ctx)
	}
	host, err := expandEnvVars(p.Host)
	if err != nil {
		return fmt.Errorf("%s: host: %w", ctx, err)
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return fmt.Errorf("%s: invalid host %q", ctx, host)
	}
	p.Host = host

	for k, v := range p.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("%s: headers[%s]: %w", ctx, k, err)
		}
		p.Headers[k] = expanded
	}

	if p.Port == 0 {
		p.Port = defaultPrinterPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535, got %d", ctx, p.Port)
	}

	if p.Path == "" {
		p.Path = defaultPath
	}
	p.Path = normalizePath(p.Path)

	if p.NumberOfTools < 0 {
		return fmt.Errorf("%s: number_of_tools cannot be negative, got %d", ctx, p.NumberOfTools)
	}

	if p.ScanInterval != 0 && p.ScanInterval.Duration() < minPollingInterval {
		return fmt.Errorf("%s: scan_interval must be at least %s, got %s", ctx, minPollingInterval, p.ScanInterval.Duration())
	}
	if p.Timeout < 0 {
		return fmt.Errorf("%s: timeout cannot be negative, got %s", ctx, p.Timeout.Duration())
	}

	if p.Sensors.MonitoredConditions == nil {
		p.Sensors.MonitoredConditions = duetboard.ConditionNames(false)
	}
	if p.BinarySensors.MonitoredConditions == nil {
		p.BinarySensors.MonitoredConditions = duetboard.ConditionNames(true)
	}
	if err := validateConditions(p.Sensors.MonitoredConditions, false); err != nil {
		return fmt.Errorf("%s: sensors: %w", ctx, err)
	}
	if err := validateConditions(p.BinarySensors.MonitoredConditions, true); err != nil {
		return fmt.Errorf("%s: binary_sensors: %w", ctx, err)
	}
	if len(p.Conditions()) == 0 {
		return fmt.Errorf("%s: at least one monitored condition is required", ctx)
	}

	return nil
}

// normalizePath makes path start and end with "/".
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func validateConditions(names []string, binary bool) error {
	for _, name := range names {
		c, ok := duetboard.LookupCondition(name)
		if !ok || c.Binary != binary {
			return fmt.Errorf("unknown condition %q (expected one of %s)",
				name, strings.Join(duetboard.ConditionNames(binary), ", "))
		}
	}
	return nil
}
