package scanning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's operational counters and gauges.
type Metrics struct {
	ScansStarted   prometheus.Counter
	ScansFinished  *prometheus.CounterVec
	ActiveScans    prometheus.Gauge
	WorkersSpawned prometheus.Counter
	WorkerFailures *prometheus.CounterVec
	EventsIngested *prometheus.CounterVec
	Findings       *prometheus.CounterVec
	Subscribers    prometheus.Gauge
}

// NewMetrics registers the scan metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScansStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scans_started_total",
			Help: "Number of scans started.",
		}),
		ScansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_scans_finished_total",
			Help: "Number of scans reaching a terminal status.",
		}, []string{"status"}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_scans_active",
			Help: "Number of scans currently running.",
		}),
		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_workers_spawned_total",
			Help: "Number of worker processes spawned.",
		}),
		WorkerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_worker_failures_total",
			Help: "Worker failures by reason.",
		}, []string{"reason"}),
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Protocol events ingested by kind.",
		}, []string{"kind"}),
		Findings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_findings_total",
			Help: "Findings reported by severity.",
		}, []string{"severity"}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_event_subscribers",
			Help: "Live event stream subscribers.",
		}),
	}
}
