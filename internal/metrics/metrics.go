package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autoposter"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	postingsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_created_total",
			Help:      "Postings created by the preparation pipeline, by request kind.",
		},
		[]string{"kind"},
	)

	postingsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_skipped_total",
			Help:      "Vehicles skipped during preparation, by reason.",
		},
		[]string{"reason"},
	)

	postingsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_finished_total",
			Help:      "Postings that reached a terminal status, by status and path.",
		},
		[]string{"status", "path"},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch events emitted, by event and whether a live member received them.",
		},
		[]string{"event", "delivered"},
	)

	schedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_postings_total",
			Help:      "Postings handled by the scheduler, by outcome.",
		},
		[]string{"outcome"},
	)

	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_lock_contention_total",
			Help:      "Worker jobs deferred because the user lock was held.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_queue_ready_depth",
			Help:      "Jobs waiting in the ready list.",
		},
	)

	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Ephemeral relay activity by operation.",
		},
		[]string{"op"},
	)

	connectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Live transport connections by role.",
		},
		[]string{"role"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			postingsCreated,
			postingsSkipped,
			postingsFinished,
			dispatches,
			schedulerTicks,
			lockContention,
			queueDepth,
			relayEvents,
			connectedClients,
		)
	})
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncPostingCreated(kind string) {
	postingsCreated.WithLabelValues(kind).Inc()
}

func IncPostingSkipped(reason string) {
	postingsSkipped.WithLabelValues(reason).Inc()
}

// IncPostingFinished counts a terminal transition. path is worker, scheduler or bridge.
func IncPostingFinished(status, path string) {
	postingsFinished.WithLabelValues(status, path).Inc()
}

func IncDispatch(event string, delivered bool) {
	d := "false"
	if delivered {
		d = "true"
	}
	dispatches.WithLabelValues(event, d).Inc()
}

func IncScheduler(outcome string) {
	schedulerTicks.WithLabelValues(outcome).Inc()
}

func IncLockContention() {
	lockContention.Inc()
}

func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

func IncRelay(op string, n int) {
	relayEvents.WithLabelValues(op).Add(float64(n))
}

func ClientConnected(role string) {
	connectedClients.WithLabelValues(role).Inc()
}

func ClientDisconnected(role string) {
	connectedClients.WithLabelValues(role).Dec()
}
