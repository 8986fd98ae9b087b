package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	// PollsTotal counts device poll cycles by protocol family and outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerhub_polls_total",
			Help: "Poll cycles by protocol family and outcome.",
		},
		[]string{"family", "outcome"},
	)

	// WatchdogActionsTotal counts corrective actions the watchdog issued.
	WatchdogActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minerhub_watchdog_actions_total",
			Help: "Corrective actions issued by the watchdog, by kind.",
		},
		[]string{"kind"},
	)

	// RetentionDeletedTotal counts snapshot rows pruned by retention runs.
	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "minerhub_retention_deleted_rows_total",
			Help: "Snapshot rows removed by retention pruning.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, PollsTotal, WatchdogActionsTotal, RetentionDeletedTotal)
}

// Handler exposes the prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// RequestMetricsMiddleware counts every API request by endpoint, method, and
// response status.
func RequestMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		requestCounter.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
