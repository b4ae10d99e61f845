// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"psu-service/internal/model"
	"psu-service/internal/protocol"
)

const namespace = "psu"

// Collectors holds the service metrics. It observes the link, the protocol
// engine and the monitor.
type Collectors struct {
	linkOpen        prometheus.Gauge
	reconnects      prometheus.Counter
	backoff         prometheus.Gauge
	openErrors      prometheus.Counter
	closes          *prometheus.CounterVec
	answers         *prometheus.CounterVec
	answerLatency   *prometheus.HistogramVec
	timeouts        *prometheus.CounterVec
	identityChecks  *prometheus.CounterVec
	voltageOut      prometheus.Gauge
	currentOut      prometheus.Gauge
	readingsCounter prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		linkOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "open",
			Help: "1 while the serial port is open.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "discovery_attempts_total",
			Help: "Scheduled discovery attempts.",
		}),
		backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "backoff_seconds",
			Help: "Delay before the next discovery attempt.",
		}),
		openErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "open_errors_total",
			Help: "Failed attempts to open a matching port.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "closes_total",
			Help: "Port closes by cause.",
		}, []string{"cause"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "protocol", Name: "answers_total",
			Help: "Completed query exchanges by kind.",
		}, []string{"kind"}),
		answerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "protocol", Name: "answer_latency_seconds",
			Help:    "Time from request to complete answer.",
			Buckets: []float64{.005, .01, .02, .05, .1, .15, .25, .5},
		}, []string{"kind"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "protocol", Name: "timeouts_total",
			Help: "Queries that timed out before a full answer, by kind.",
		}, []string{"kind"}),
		identityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "protocol", Name: "identity_checks_total",
			Help: "Identity answers by result.",
		}, []string{"result"}),
		voltageOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "output", Name: "voltage_volts",
			Help: "Last measured output voltage.",
		}),
		currentOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "output", Name: "current_amperes",
			Help: "Last measured output current.",
		}),
		readingsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "readings_total",
			Help: "Completed polling cycles.",
		}),
	}

	reg.MustRegister(
		c.linkOpen, c.reconnects, c.backoff, c.openErrors, c.closes,
		c.answers, c.answerLatency, c.timeouts, c.identityChecks,
		c.voltageOut, c.currentOut, c.readingsCounter,
	)
	return c
}

// OnReconnectScheduled implements link.Observer
func (c *Collectors) OnReconnectScheduled(attempt int, interval time.Duration) {
	c.reconnects.Inc()
	c.backoff.Set(interval.Seconds())
}

// OnOpen implements link.Observer
func (c *Collectors) OnOpen(port string) {
	c.linkOpen.Set(1)
	c.backoff.Set(0)
}

// OnOpenError implements link.Observer
func (c *Collectors) OnOpenError(port string, err error) {
	c.openErrors.Inc()
}

// OnClose implements link.Observer
func (c *Collectors) OnClose(port string, cause error) {
	c.linkOpen.Set(0)
	label := "requested"
	if cause != nil {
		label = "error"
	}
	c.closes.WithLabelValues(label).Inc()
}

// OnAnswer implements protocol.Observer
func (c *Collectors) OnAnswer(kind protocol.Kind, latency time.Duration) {
	c.answers.WithLabelValues(kind.String()).Inc()
	c.answerLatency.WithLabelValues(kind.String()).Observe(latency.Seconds())
}

// OnTimeout implements protocol.Observer
func (c *Collectors) OnTimeout(kind protocol.Kind) {
	c.timeouts.WithLabelValues(kind.String()).Inc()
}

// OnIdentity implements protocol.Observer
func (c *Collectors) OnIdentity(verified bool) {
	result := "rejected"
	if verified {
		result = "verified"
	}
	c.identityChecks.WithLabelValues(result).Inc()
}

// ObserveReading records a completed polling cycle
func (c *Collectors) ObserveReading(r *model.Reading) {
	c.readingsCounter.Inc()
	c.voltageOut.Set(r.VoltageOut.InexactFloat64())
	c.currentOut.Set(r.CurrentOut.InexactFloat64())
}
