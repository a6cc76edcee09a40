// Package metrics exposes the Prometheus collectors shared by the HTTP
// API, the façades, and the scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "krillgo",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "krillgo",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "krillgo",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "krillgo",
		Subsystem: "aggregate",
		Name:      "commands_total",
		Help:      "Commands processed per aggregate type and outcome.",
	}, []string{"aggregate", "command", "outcome"})

	commandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "krillgo",
		Subsystem: "aggregate",
		Name:      "command_duration_seconds",
		Help:      "Duration of command processing (including store commit).",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"aggregate", "command"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "krillgo",
		Subsystem: "facade",
		Name:      "concurrent_modification_retries_total",
		Help:      "Count of ConcurrentModification retries attempted by façades.",
	}, []string{"aggregate"})

	publishDelta = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "krillgo",
		Subsystem: "publish",
		Name:      "delta_atoms",
		Help:      "Number of publish/update/withdraw atoms in each committed delta.",
		Buckets:   prometheus.LinearBuckets(0, 5, 10),
	}, []string{"namespace"})

	schedulerTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "krillgo",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler task executions by task name and outcome.",
	}, []string{"task", "outcome"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "krillgo",
		Subsystem: "mq",
		Name:      "queue_depth",
		Help:      "Current number of queued work items.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		commandsTotal, commandDuration, retriesTotal,
		publishDelta, schedulerTicks, queueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// InstrumentHandler wraps an http.Handler with request count/duration/
// in-flight metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(dur.Seconds())
	})
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 {
		switch parts[0] {
		case "cas", "publishers", "rfc6492", "rfc8181":
			return "/" + parts[0] + "/:handle"
		}
	}
	return "/" + parts[0]
}

// RecordCommand records the outcome of a single aggregate command.
func RecordCommand(aggregate, command, outcome string, dur time.Duration) {
	commandsTotal.WithLabelValues(aggregate, command, outcome).Inc()
	commandDuration.WithLabelValues(aggregate, command).Observe(dur.Seconds())
}

// RecordRetry records a ConcurrentModification retry for the given
// aggregate namespace.
func RecordRetry(aggregate string) {
	retriesTotal.WithLabelValues(aggregate).Inc()
}

// RecordPublishDelta records the size of a committed publish delta.
func RecordPublishDelta(namespace string, atoms int) {
	publishDelta.WithLabelValues(namespace).Observe(float64(atoms))
}

// RecordSchedulerTick records a scheduler task execution.
func RecordSchedulerTick(task string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	schedulerTicks.WithLabelValues(task, outcome).Inc()
}

// SetQueueDepth updates the current message queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
