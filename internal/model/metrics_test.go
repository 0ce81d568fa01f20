package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeSecurityMetrics(t *testing.T) {
	tests := []struct {
		name     string
		threats  []Threat
		expected SecurityMetrics
	}{
		{
			name:     "empty list",
			threats:  nil,
			expected: SecurityMetrics{},
		},
		{
			name: "single critical",
			threats: []Threat{
				{Severity: SeverityCritical, RiskScore: 9, OccurrenceCount: 3},
			},
			expected: SecurityMetrics{CriticalCount: 1, TotalThreats: 1, TotalOccurrences: 3, OverallRiskScore: 9},
		},
		{
			name: "mixed severities",
			threats: []Threat{
				{Severity: SeverityCritical, RiskScore: 9, OccurrenceCount: 1},
				{Severity: SeverityLow, RiskScore: 3, OccurrenceCount: 4},
			},
			// (9*10 + 3*1) / 11 = 8.45 -> 8.5
			expected: SecurityMetrics{CriticalCount: 1, LowCount: 1, TotalThreats: 2, TotalOccurrences: 5, OverallRiskScore: 8.5},
		},
		{
			name: "info counted",
			threats: []Threat{
				{Severity: SeverityInfo, RiskScore: 1, OccurrenceCount: 2},
				{Severity: SeverityMedium, RiskScore: 5, OccurrenceCount: 1},
				{Severity: SeverityHigh, RiskScore: 7, OccurrenceCount: 1},
			},
			// (0.25 + 15 + 42) / 9.25 = 6.189 -> 6.2
			expected: SecurityMetrics{InfoCount: 1, MediumCount: 1, HighCount: 1, TotalThreats: 3, TotalOccurrences: 4, OverallRiskScore: 6.2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ComputeSecurityMetrics(tt.threats))
		})
	}
}

func TestThreat_Observe(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	threat := &Threat{Name: "Telnet"}

	threat.Observe(&Record{SourceAddress: "10.0.0.2", DestinationAddress: "10.0.0.9", Timestamp: base.Add(time.Minute)})
	threat.Observe(&Record{SourceAddress: "10.0.0.1", DestinationAddress: "10.0.0.9", Timestamp: base})

	assert.Equal(t, 2, threat.OccurrenceCount)
	assert.Equal(t, base, threat.FirstSeen)
	assert.Equal(t, base.Add(time.Minute), threat.LastSeen)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.9"}, threat.AffectedAddresses)
	assert.Equal(t, []string{"10.0.0.9"}, threat.Metadata.Destinations)
	assert.Equal(t, []string{"10.0.0.1 -> 10.0.0.9", "10.0.0.2 -> 10.0.0.9"}, threat.Metadata.Connections)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("HIGH")
	assert.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)

	assert.True(t, SeverityCritical.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
}

func TestParseTransportProtocol(t *testing.T) {
	assert.Equal(t, ProtocolTCP, ParseTransportProtocol("tcp"))
	assert.Equal(t, ProtocolICMPv6, ParseTransportProtocol("ICMPV6"))
	assert.Equal(t, ProtocolOther, ParseTransportProtocol("sctp"))
	assert.Equal(t, "UDP", ProtocolUDP.String())
}
