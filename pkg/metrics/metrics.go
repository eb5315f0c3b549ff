package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "silo_build_info",
			Help: "Build information of the silo storage node",
		},
		[]string{"version", "commit", "date"},
	)

	FragmentRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fragment_requests_total",
			Help: "Total number of plan fragment requests received",
		},
	)

	FragmentRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fragment_request_duration_us",
			Help:    "Duration of plan fragment requests in microseconds",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_us",
			Help:    "Duration of HTTP requests in microseconds",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		},
		[]string{"method", "path"},
	)

	HTTPRequestSendBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "http_request_send_bytes",
			Help: "Total bytes written in HTTP responses",
		},
	)

	QueryScanBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_scan_bytes",
			Help: "Total bytes read by scans",
		},
	)

	QueryScanRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_scan_rows",
			Help: "Total rows read by scans",
		},
	)

	RangesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ranges_processed_total",
			Help: "Total number of scan ranges processed",
		},
	)

	PushRequestsSuccessTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_requests_success_total",
			Help: "Total number of successful push requests",
		},
	)

	PushRequestsFailTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_requests_fail_total",
			Help: "Total number of failed push requests",
		},
	)

	PushRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_request_duration_us",
			Help:    "Duration of push requests in microseconds",
			Buckets: prometheus.ExponentialBuckets(1000, 4, 10),
		},
	)

	PushRequestWriteBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_request_write_bytes",
			Help: "Total bytes written by push requests",
		},
	)

	PushRequestWriteRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_request_write_rows",
			Help: "Total rows written by push requests",
		},
	)

	CreateTabletRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "create_tablet_requests_total",
			Help: "Total number of create tablet requests",
		},
		[]string{"status"},
	)

	DropTabletRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drop_tablet_requests_total",
			Help: "Total number of drop tablet requests",
		},
	)

	SchemaChangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_change_requests_total",
			Help: "Total number of schema change requests",
		},
		[]string{"status"},
	)

	CreateRollupRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "create_rollup_requests_total",
			Help: "Total number of create rollup requests",
		},
		[]string{"status"},
	)

	DeleteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delete_requests_total",
			Help: "Total number of delete requests",
		},
		[]string{"status"},
	)

	CloneRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clone_requests_total",
			Help: "Total number of clone requests",
		},
		[]string{"status"},
	)

	FinishTaskRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finish_task_requests_total",
			Help: "Total number of finish task requests",
		},
		[]string{"status"},
	)

	BaseCompactionRequestTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "base_compaction_request_total",
			Help: "Total number of base compaction runs attempted",
		},
	)

	BaseCompactionRequestFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "base_compaction_request_failed",
			Help: "Total number of failed base compaction runs",
		},
	)

	BaseCompactionDeltasTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "base_compaction_deltas_total",
			Help: "Total number of delta versions merged by base compaction",
		},
	)

	BaseCompactionBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "base_compaction_bytes_total",
			Help: "Total bytes merged by base compaction",
		},
	)

	CumulativeCompactionRequestTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulative_compaction_request_total",
			Help: "Total number of cumulative compaction runs attempted",
		},
	)

	CumulativeCompactionRequestFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulative_compaction_request_failed",
			Help: "Total number of failed cumulative compaction runs",
		},
	)

	CumulativeCompactionDeltasTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulative_compaction_deltas_total",
			Help: "Total number of delta versions merged by cumulative compaction",
		},
	)

	CumulativeCompactionBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cumulative_compaction_bytes_total",
			Help: "Total bytes merged by cumulative compaction",
		},
	)

	AlterTaskSuccessTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alter_task_success_total",
			Help: "Total number of successful alter tasks",
		},
	)

	AlterTaskFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alter_task_failed_total",
			Help: "Total number of failed alter tasks",
		},
	)

	MemoryPoolBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memory_pool_bytes_total",
			Help: "Aggregate bytes held by reader and writer memory pools",
		},
	)
)

// Middleware records HTTP request metrics for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.Status())
		elapsedUS := float64(time.Since(start).Microseconds())

		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(elapsedUS)
		HTTPRequestSendBytes.Add(float64(ww.BytesWritten()))
	})
}

// RecordPush records the outcome of one push request.
func RecordPush(duration time.Duration, bytes, rows int64, err error) {
	if err != nil {
		PushRequestsFailTotal.Inc()
	} else {
		PushRequestsSuccessTotal.Inc()
	}
	PushRequestDuration.Observe(float64(duration.Microseconds()))
	if bytes > 0 {
		PushRequestWriteBytes.Add(float64(bytes))
	}
	if rows > 0 {
		PushRequestWriteRows.Add(float64(rows))
	}
}

// RecordBaseCompaction records the outcome of one base compaction run.
func RecordBaseCompaction(deltas int, bytes int64, err error) {
	BaseCompactionRequestTotal.Inc()
	if err != nil {
		BaseCompactionRequestFailed.Inc()
		return
	}
	BaseCompactionDeltasTotal.Add(float64(deltas))
	BaseCompactionBytesTotal.Add(float64(bytes))
}
