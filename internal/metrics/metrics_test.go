package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncAnalysis(OutcomeCompleted)
	m.IncAnalysis(OutcomeCompleted)
	m.IncAnalysis(OutcomeRejected)
	assert.Equal(t, 2.0, value(t, m.AnalysesTotal.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, value(t, m.AnalysesTotal.WithLabelValues(OutcomeRejected)))

	threats := []model.Threat{
		{Severity: model.SeverityCritical, RiskScore: 9},
		{Severity: model.SeverityLow, RiskScore: 3},
	}
	sm := model.SecurityMetrics{OverallRiskScore: 8.4}
	m.ObserveRun(600, time.Second, threats, sm)
	assert.Equal(t, 600.0, value(t, m.AnalyzedRecords))
	assert.Equal(t, 1.0, value(t, m.ThreatsFound.WithLabelValues("critical")))
	assert.Equal(t, 8.4, value(t, m.OverallRiskScore))

	m.IncChunk("structural", 100)
	assert.Equal(t, 1.0, value(t, m.ChunksTotal.WithLabelValues("structural")))

	m.IncFilterSuperseded()
	m.IncrementPublishErrors()
	assert.Equal(t, 1.0, value(t, m.FilterSuperseded))
	assert.Equal(t, 1.0, value(t, m.PublishErrors))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
