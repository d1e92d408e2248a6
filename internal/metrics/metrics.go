package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay exposes Prometheus metrics for the relay pipeline. A nil *Relay is
// valid and records nothing.
type Relay struct {
	registry       *prometheus.Registry
	eventsReceived *prometheus.CounterVec
	executions     *prometheus.CounterVec
	queueJobs      *prometheus.CounterVec
	mediaBytes     prometheus.Counter
	mediaDownloads *prometheus.CounterVec
	listenerStates *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
}

func NewRelay() (*Relay, error) {
	registry := prometheus.NewRegistry()

	r := &Relay{
		registry: registry,
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "listener",
			Name:      "events_received_total",
			Help:      "Source events received by platform.",
		}, []string{"platform"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "relay",
			Name:      "executions_total",
			Help:      "Target publish attempts by platform and status.",
		}, []string{"platform", "status"}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Execution queue submissions by outcome.",
		}, []string{"outcome"}),
		mediaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "media",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the media cache.",
		}),
		mediaDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "media",
			Name:      "downloads_total",
			Help:      "Media downloads by status.",
		}, []string{"status"}),
		listenerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relayflow",
			Subsystem: "listener",
			Name:      "sessions",
			Help:      "Source sessions by platform and state.",
		}, []string{"platform", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Source connection retries by platform.",
		}, []string{"platform"}),
	}

	collectors := []prometheus.Collector{
		r.eventsReceived, r.executions, r.queueJobs, r.mediaBytes,
		r.mediaDownloads, r.listenerStates, r.reconnects,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (r *Relay) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Relay) EventReceived(platform string) {
	if r == nil {
		return
	}
	r.eventsReceived.WithLabelValues(platform).Inc()
}

func (r *Relay) Execution(platform, status string) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(platform, status).Inc()
}

func (r *Relay) QueueJob(outcome string) {
	if r == nil {
		return
	}
	r.queueJobs.WithLabelValues(outcome).Inc()
}

func (r *Relay) MediaDownloaded(bytes int64, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.mediaDownloads.WithLabelValues("failed").Inc()
		return
	}
	r.mediaDownloads.WithLabelValues("success").Inc()
	r.mediaBytes.Add(float64(bytes))
}

// ListenerStates replaces the session gauge of one platform.
func (r *Relay) ListenerStates(platform string, counts map[string]int) {
	if r == nil {
		return
	}
	r.listenerStates.DeletePartialMatch(prometheus.Labels{"platform": platform})
	for state, n := range counts {
		r.listenerStates.WithLabelValues(platform, state).Set(float64(n))
	}
}

func (r *Relay) Reconnect(platform string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(platform).Inc()
}
