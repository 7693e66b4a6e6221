package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctf"

// Registry holds every collector exported on /metrics.
var Registry = prometheus.NewRegistry()

var (
	instanceSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_spawns_total",
			Help:      "Count of spawn requests by outcome.",
		},
		[]string{"result"},
	)
	instanceTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_terminations_total",
			Help:      "Count of instance terminations by trigger.",
		},
		[]string{"trigger"},
	)
	ledgerRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_repairs_total",
			Help:      "Count of ledger writes that found no placeholder and were force-written.",
		},
		[]string{"operation"},
	)
	orchestratorConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_conflicts_total",
			Help:      "Count of workload name conflicts seen while spawning.",
		},
		[]string{"backend"},
	)
	sseSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_subscribers",
			Help:      "Number of event stream clients connected to this process.",
		},
	)
	sseDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_dropped_messages_total",
			Help:      "Count of events dropped because a client queue was full.",
		},
	)
	listenerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_listener_reconnects_total",
			Help:      "Count of pub/sub listener reconnect attempts.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		Registry.MustRegister(instanceSpawns)
		Registry.MustRegister(instanceTerminations)
		Registry.MustRegister(ledgerRepairs)
		Registry.MustRegister(orchestratorConflicts)
		Registry.MustRegister(sseSubscribers)
		Registry.MustRegister(sseDropped)
		Registry.MustRegister(listenerReconnects)
	})
}

// RegisterActiveInstances exports the limiter's live slot count, read at scrape time.
func RegisterActiveInstances(count func(ctx context.Context) (int64, error)) {
	Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Number of live capacity limiter slots.",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := count(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		},
	))
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordSpawn(result string) {
	instanceSpawns.WithLabelValues(result).Inc()
}

func RecordTermination(trigger string) {
	instanceTerminations.WithLabelValues(trigger).Inc()
}

// RecordLedgerRepair counts a Set that had to fall back to ForceSet.
func RecordLedgerRepair(operation string) {
	ledgerRepairs.WithLabelValues(operation).Inc()
}

func RecordOrchestratorConflict(backend string) {
	orchestratorConflicts.WithLabelValues(backend).Inc()
}

func SSESubscriberAdded() {
	sseSubscribers.Inc()
}

func SSESubscriberRemoved() {
	sseSubscribers.Dec()
}

func RecordSSEDropped() {
	sseDropped.Inc()
}

func RecordListenerReconnect() {
	listenerReconnects.Inc()
}
