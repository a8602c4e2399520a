package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "reportpump_"

var (
	m    *Metrics
	once sync.Once
)

// Get returns the process-wide metric set. promauto registers with the
// default registry, so construction happens at most once.
func Get() *Metrics {
	once.Do(func() {
		m = NewMetrics(MetricsPrefix)
	})
	return m
}

type Metrics struct {
	globalConcurrency prometheus.Gauge
	laneCap           *prometheus.GaugeVec
	fetchBufferLen    *prometheus.GaugeVec
	inflightFetches   *prometheus.GaugeVec
	activeProcessing  *prometheus.GaugeVec
	fetchLatency      *prometheus.HistogramVec
	processLatency    *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	failures          *prometheus.CounterVec
	laneAdaptations   *prometheus.CounterVec
}

func NewMetrics(prefix string) *Metrics {
	return &Metrics{
		globalConcurrency: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "global_concurrency_limit",
			Help: "Current global concurrency limit of the request scheduler",
		}),
		laneCap: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "lane_cap",
			Help: "Current per-lane concurrency cap",
		}, []string{"lane"}),
		fetchBufferLen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "fetch_buffer_length",
			Help: "Number of fetched pages buffered awaiting processing",
		}, []string{"report", "facility"}),
		inflightFetches: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "inflight_fetches",
			Help: "Number of page fetches currently in flight",
		}, []string{"report", "facility"}),
		activeProcessing: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "active_processing",
			Help: "Number of pages currently being consumed",
		}, []string{"report", "facility"}),
		fetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "fetch_latency_seconds",
			Help:    "Page fetch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"lane"}),
		processLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "process_latency_seconds",
			Help:    "Row consumer latency per page in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"lane"}),
		retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "retries",
			Help: "Number of transient failures retried, grouped by lane",
		}, []string{"lane"}),
		failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "failures",
			Help: "Number of terminal failures grouped by error category",
		}, []string{"category"}),
		laneAdaptations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "lane_adaptations",
			Help: "Number of concurrency limit adjustments grouped by direction and reason",
		}, []string{"direction", "reason"}),
	}
}

func (m *Metrics) SetGlobalConcurrency(limit int) {
	m.globalConcurrency.Set(float64(limit))
}

func (m *Metrics) SetLaneCap(lane string, cap int) {
	m.laneCap.WithLabelValues(lane).Set(float64(cap))
}

func (m *Metrics) SetPipelineGauges(report, facility string, buffered, inflight, active int) {
	m.fetchBufferLen.WithLabelValues(report, facility).Set(float64(buffered))
	m.inflightFetches.WithLabelValues(report, facility).Set(float64(inflight))
	m.activeProcessing.WithLabelValues(report, facility).Set(float64(active))
}

func (m *Metrics) ObserveFetchLatency(lane string, d time.Duration) {
	m.fetchLatency.WithLabelValues(lane).Observe(d.Seconds())
}

func (m *Metrics) ObserveProcessLatency(lane string, d time.Duration) {
	m.processLatency.WithLabelValues(lane).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(lane string) {
	m.retries.WithLabelValues(lane).Inc()
}

func (m *Metrics) RecordFailure(category string) {
	m.failures.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordLaneAdaptation(direction, reason string) {
	m.laneAdaptations.WithLabelValues(direction, reason).Inc()
}
