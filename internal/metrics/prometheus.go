package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "premium_hedge_bot"

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
	premium  prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.premium = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "premium_percent",
		Help:      "Last observed premium in percent for the configured basis.",
	})
	p.registry.MustRegister(p.premium)

	p.Metrics = &Metrics{
		OrdersPlaced:         p.counter("orders_placed_total", "Total number of live orders accepted by a venue."),
		OrdersFailed:         p.counter("orders_failed_total", "Total number of order submissions that failed after retries."),
		OrdersRetried:        p.counter("orders_retried_total", "Total number of order submission retries."),
		Entries:              p.counter("entries_total", "Total number of completed hedge entries."),
		Exits:                p.counter("exits_total", "Total number of completed hedge exits."),
		EntryFailed:          p.counter("entry_failed_total", "Total number of entry flow failures."),
		ExitFailed:           p.counter("exit_failed_total", "Total number of exit flow failures."),
		Rollbacks:            p.counter("rollbacks_total", "Total number of compensating orders sent."),
		CompensationFailed:   p.counter("compensation_failed_total", "Total number of compensating orders that failed."),
		SafetyTripped:        p.counter("safety_tripped_total", "Total number of safety circuit trips."),
		SafetyRestored:       p.counter("safety_restored_total", "Total number of safety circuit resets."),
		IdempotencyReplays:   p.counter("idempotency_replays_total", "Total number of replayed order responses."),
		IdempotencyConflicts: p.counter("idempotency_conflicts_total", "Total number of rejected idempotency key reuses."),
		Ticks:                p.counter("ticks_total", "Total number of engine ticks."),
		SnapshotErrors:       p.counter("snapshot_errors_total", "Total number of market snapshot failures."),
		Premium:              p.premium,
	}
	return p
}

func (p *Prometheus) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
