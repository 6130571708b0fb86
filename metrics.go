package ddnio

import (
	"github.com/bassosimone/errclass"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics are the prometheus collectors shared by the selectors of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	exceptions *prometheus.CounterVec
	channels   *prometheus.GaugeVec
	bytesTotal *prometheus.CounterVec
	hookAge    *prometheus.GaugeVec
	hangs      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "events_total",
			Help:      "Readiness events and tasks dispatched by the selector.",
		}, []string{"selector", "kind"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "exceptions_total",
			Help:      "Failures routed to exception hooks.",
		}, []string{"selector", "category", "class"}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "channels",
			Help:      "Channels registered with the selector.",
		}, []string{"selector"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "bytes_total",
			Help:      "Bytes moved between sockets and channel buffers.",
		}, []string{"selector", "direction"}),
		hookAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "hook_age_seconds",
			Help:      "Age of the hook running on the selector thread, 0 when idle.",
		}, []string{"selector"}),
		hangs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "hangs_total",
			Help:      "Hooks that ran past the watchdog threshold.",
		}, []string{"selector", "hook"}),
	}
}

// Register adds every collector to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, r.Register(c))
	}
	return err
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.events, m.exceptions, m.channels, m.bytesTotal, m.hookAge, m.hangs}
}

func (m *Metrics) event(selector, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(selector, kind).Inc()
}

func (m *Metrics) exception(selector string, category Category, err error) {
	if m == nil {
		return
	}
	m.exceptions.WithLabelValues(selector, string(category), errclass.New(err)).Inc()
}

func (m *Metrics) setChannels(selector string, n int) {
	if m == nil {
		return
	}
	m.channels.WithLabelValues(selector).Set(float64(n))
}

func (m *Metrics) bytes(selector, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(selector, direction).Add(float64(n))
}

func (m *Metrics) setHookAge(selector string, seconds float64) {
	if m == nil {
		return
	}
	m.hookAge.WithLabelValues(selector).Set(seconds)
}

func (m *Metrics) hang(selector, hook string) {
	if m == nil {
		return
	}
	m.hangs.WithLabelValues(selector, hook).Inc()
}
