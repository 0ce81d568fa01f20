package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Metrics holds all the Prometheus metrics for the analyzer service
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	AnalyzedRecords  prometheus.Counter
	ChunksTotal      *prometheus.CounterVec
	ThreatsFound     *prometheus.CounterVec
	OverallRiskScore prometheus.Gauge
	FilterApplied    prometheus.Counter
	FilterSuperseded prometheus.Counter
	CacheStoreErrors prometheus.Counter
	CacheStoreReads  *prometheus.CounterVec
	PublishErrors    prometheus.Counter
}

// Analysis outcomes
const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeCached    = "cached"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// NewMetrics registers the analyzer metrics on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AnalysesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_analyses_total",
			Help: "Total number of analysis requests by outcome",
		}, []string{"outcome"}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "analyzer_analysis_duration_seconds",
			Help:    "Duration of detection runs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		AnalyzedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_records_analyzed_total",
			Help: "Total number of records passed to detection",
		}),
		ChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_chunks_total",
			Help: "Total number of detection tasks completed by pass",
		}, []string{"pass"}),
		ThreatsFound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_threats_found_total",
			Help: "Total number of threats found by severity",
		}, []string{"severity"}),
		OverallRiskScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_overall_risk_score",
			Help: "Overall risk score of the last completed analysis",
		}),
		FilterApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_filter_applied_total",
			Help: "Total number of completed filter applications",
		}),
		FilterSuperseded: f.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_filter_superseded_total",
			Help: "Total number of filter applications cancelled by a newer one",
		}),
		CacheStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_cache_store_errors_total",
			Help: "Total number of persistent cache load or save failures",
		}),
		CacheStoreReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_cache_store_reads_total",
			Help: "Total number of persistent cache lookups by result",
		}, []string{"result"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
	}
}

// IncAnalysis counts one analysis request with the given outcome
func (m *Metrics) IncAnalysis(outcome string) {
	m.AnalysesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records a completed detection run
func (m *Metrics) ObserveRun(records int, d time.Duration, threats []model.Threat, sm model.SecurityMetrics) {
	m.AnalyzedRecords.Add(float64(records))
	m.AnalysisDuration.Observe(d.Seconds())
	for i := range threats {
		m.ThreatsFound.WithLabelValues(threats[i].Severity.String()).Inc()
	}
	m.OverallRiskScore.Set(sm.OverallRiskScore)
}

// IncChunk counts one completed detection task
func (m *Metrics) IncChunk(pass string, _ int) {
	m.ChunksTotal.WithLabelValues(pass).Inc()
}

func (m *Metrics) IncFilterApplied() {
	m.FilterApplied.Inc()
}

func (m *Metrics) IncFilterSuperseded() {
	m.FilterSuperseded.Inc()
}

func (m *Metrics) IncCacheStoreErrors() {
	m.CacheStoreErrors.Inc()
}

// IncCacheStoreRead counts one persistent cache lookup
func (m *Metrics) IncCacheStoreRead(hit bool) {
	if hit {
		m.CacheStoreReads.WithLabelValues("hit").Inc()
		return
	}
	m.CacheStoreReads.WithLabelValues("miss").Inc()
}

// IncrementPublishErrors increments the publish error counter
func (m *Metrics) IncrementPublishErrors() {
	m.PublishErrors.Inc()
}
