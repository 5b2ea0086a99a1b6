package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Roman-Samoilenko/dnsblock/internal/dnsproxy"
)

// Collector counts proxy events. It is a dnsproxy.Listener.
type Collector struct {
	received prometheus.Counter
	queries  *prometheus.CounterVec
	errors   prometheus.Counter
	running  prometheus.GaugeFunc
}

// NewCollector registers the counters on reg. running reports the proxy
// state for the running gauge and may be nil.
func NewCollector(reg prometheus.Registerer, running func() bool) *Collector {
	c := &Collector{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dnsblock",
			Name:      "received_total",
			Help:      "DNS queries received.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnsblock",
			Name:      "queries_total",
			Help:      "Answered DNS queries by outcome, passed or blocked.",
		}, []string{"outcome"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dnsblock",
			Name:      "errors_total",
			Help:      "Proxy errors, fatal or per query.",
		}),
	}

	reg.MustRegister(c.received, c.queries, c.errors)

	if running != nil {
		c.running = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dnsblock",
			Name:      "running",
			Help:      "1 while the proxy loop is serving.",
		}, func() float64 {
			if running() {
				return 1
			}
			return 0
		})
		reg.MustRegister(c.running)
	}

	return c
}

func (c *Collector) OnEvent(ev dnsproxy.Event) {
	switch ev.Kind {
	case dnsproxy.EventReceived:
		c.received.Inc()
	case dnsproxy.EventPassed, dnsproxy.EventBlocked:
		c.queries.WithLabelValues(ev.Kind.String()).Inc()
	case dnsproxy.EventError:
		c.errors.Inc()
	}
}
