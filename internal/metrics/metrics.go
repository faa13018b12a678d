// Package metrics exposes printer and sensor state as Prometheus metrics.
//
// Metrics:
//   - duetboard_sensor_value{sensor,printer} (Gauge): last numeric or boolean reading
//   - duetboard_printer_available{printer} (Gauge): 1 when every endpoint is reachable
//   - duetboard_endpoint_available{printer,endpoint} (Gauge): 1 when the last fetch succeeded
//   - duetboard_endpoint_fetches_total{printer,endpoint,outcome} (Counter): fetches by outcome
//   - duetboard_endpoint_fetch_duration_seconds{printer,endpoint} (Histogram): network fetch latency
//
// Example queries:
//
//	# Cache hit ratio per printer
//	sum by (printer) (rate(duetboard_endpoint_fetches_total{outcome="cached"}[5m])) /
//	sum by (printer) (rate(duetboard_endpoint_fetches_total[5m]))
//
//	# Printers offline
//	duetboard_printer_available == 0
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duetboard"

// Exporter owns a registry and the collectors registered in it.
type Exporter struct {
	registry *prometheus.Registry

	sensorValue       *prometheus.GaugeVec
	printerAvailable  *prometheus.GaugeVec
	endpointAvailable *prometheus.GaugeVec
	fetches           *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
}

// New creates an Exporter that registers its collectors in reg.
// A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) (*Exporter, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Exporter{
		registry: reg,
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Last numeric value read by a sensor. Booleans are exported as 0 or 1.",
		}, []string{"sensor", "printer"}),
		printerAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "printer_available",
			Help:      "Whether every endpoint of the printer answered its last fetch.",
		}, []string{"printer"}),
		endpointAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_available",
			Help:      "Whether the last fetch of the endpoint succeeded.",
		}, []string{"printer", "endpoint"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_fetches_total",
			Help:      "Endpoint fetches by outcome (network, cached, error).",
		}, []string{"printer", "endpoint", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "endpoint_fetch_duration_seconds",
			Help:      "Latency of fetches that reached the controller.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"printer", "endpoint"}),
	}

	for _, c := range []prometheus.Collector{
		e.sensorValue,
		e.printerAvailable,
		e.endpointAvailable,
		e.fetches,
		e.fetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ObserveFetch records one endpoint fetch. Cached fetches do not observe latency.
func (e *Exporter) ObserveFetch(printer, endpoint, outcome string, latency time.Duration, available bool) {
	e.fetches.WithLabelValues(printer, endpoint, outcome).Inc()
	e.endpointAvailable.WithLabelValues(printer, endpoint).Set(boolToFloat(available))
	if outcome != "cached" {
		e.fetchDuration.WithLabelValues(printer, endpoint).Observe(latency.Seconds())
	}
}

// SetPrinterAvailable records the overall availability of a printer.
func (e *Exporter) SetPrinterAvailable(printer string, available bool) {
	e.printerAvailable.WithLabelValues(printer).Set(boolToFloat(available))
}

// SetSensorValue records a reading. Values that are neither numbers nor
// booleans remove the series, so stale numbers do not linger.
func (e *Exporter) SetSensorValue(sensor, printer string, value any) {
	v, ok := numeric(value)
	if !ok {
		e.sensorValue.DeleteLabelValues(sensor, printer)
		return
	}
	e.sensorValue.WithLabelValues(sensor, printer).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		return boolToFloat(v), true
	default:
		return 0, false
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
