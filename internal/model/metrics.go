package model

import "math"

// SecurityMetrics aggregates a threat list. It is always derived from the
// list it describes and never stored on its own.
type SecurityMetrics struct {
	CriticalCount    int     `json:"critical_count"`
	HighCount        int     `json:"high_count"`
	MediumCount      int     `json:"medium_count"`
	LowCount         int     `json:"low_count"`
	InfoCount        int     `json:"info_count"`
	TotalThreats     int     `json:"total_threats"`
	TotalOccurrences int     `json:"total_occurrences"`
	OverallRiskScore float64 `json:"overall_risk_score"`
}

// severityWeight weights each threat's risk score in the overall score
var severityWeight = map[Severity]float64{
	SeverityCritical: 10,
	SeverityHigh:     6,
	SeverityMedium:   3,
	SeverityLow:      1,
	SeverityInfo:     0.25,
}

// ComputeSecurityMetrics derives metrics from a threat list. The overall risk
// score is the severity-weighted mean of the threats' risk scores, rounded to
// one decimal and capped at 10.
func ComputeSecurityMetrics(threats []Threat) SecurityMetrics {
	var m SecurityMetrics
	var weighted, weights float64

	for i := range threats {
		t := &threats[i]
		switch t.Severity {
		case SeverityCritical:
			m.CriticalCount++
		case SeverityHigh:
			m.HighCount++
		case SeverityMedium:
			m.MediumCount++
		case SeverityLow:
			m.LowCount++
		default:
			m.InfoCount++
		}
		m.TotalThreats++
		m.TotalOccurrences += t.OccurrenceCount

		w := severityWeight[t.Severity]
		weighted += t.RiskScore * w
		weights += w
	}

	if weights > 0 {
		score := math.Round(weighted/weights*10) / 10
		m.OverallRiskScore = math.Min(score, 10)
	}
	return m
}
