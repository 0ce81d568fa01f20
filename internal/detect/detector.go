package detect

import (
	"context"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Detector maps a batch of records to candidate threats. Implementations
// hold no mutable state and are safe to run on disjoint batches concurrently.
type Detector interface {
	Name() string
	Detect(ctx context.Context, records []*model.Record) ([]model.Threat, error)
}

// AnomalyDetector produces behavioral anomalies from a batch of records
type AnomalyDetector interface {
	Name() string
	DetectAnomalies(ctx context.Context, records []*model.Record) ([]model.Anomaly, error)
}

// DefaultMonitoredPorts limits version sniffing to services that negotiate
// a protocol version on the wire
var DefaultMonitoredPorts = []uint16{21, 22, 23, 25, 80, 110, 143, 443, 465, 587, 993, 995, 8080, 8443}

// Set is the detector collaborators of one analysis run. Nil detectors are
// skipped.
type Set struct {
	Structural         Detector
	Version            Detector
	Behavioral         AnomalyDetector
	MonitoredPorts     []uint16
	MinAnomalySeverity model.Severity
}

// DefaultSet builds the built-in detectors
func DefaultSet() Set {
	return Set{
		Structural:         NewInsecurePortDetector(model.KnownInsecureServices),
		Version:            NewInsecureVersionDetector(),
		Behavioral:         NewBehaviorDetector(DefaultBehaviorConfig()),
		MonitoredPorts:     append([]uint16(nil), DefaultMonitoredPorts...),
		MinAnomalySeverity: model.SeverityMedium,
	}
}

// Monitored returns a predicate selecting records on a monitored port. An
// empty port list selects every record.
func (s *Set) Monitored() func(*model.Record) bool {
	if len(s.MonitoredPorts) == 0 {
		return func(*model.Record) bool { return true }
	}
	ports := make(map[uint16]struct{}, len(s.MonitoredPorts))
	for _, p := range s.MonitoredPorts {
		ports[p] = struct{}{}
	}
	return func(r *model.Record) bool {
		if _, ok := ports[r.DestinationPort]; ok {
			return true
		}
		_, ok := ports[r.SourcePort]
		return ok
	}
}

// MonitoredSubset applies the monitored-port pre-filter once over records
func (s *Set) MonitoredSubset(records []*model.Record) []*model.Record {
	if len(s.MonitoredPorts) == 0 {
		return records
	}
	keep := s.Monitored()
	var out []*model.Record
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

var anomalyCategories = map[model.AnomalyCategory]model.ThreatCategory{
	model.AnomalyScan:         model.CategoryReconnaissance,
	model.AnomalyFlood:        model.CategoryDenialOfService,
	model.AnomalyExfiltration: model.CategoryDataExfiltration,
	model.AnomalyBeacon:       model.CategoryCommandAndControl,
	model.AnomalyCredentials:  model.CategoryCleartextCredentials,
	model.AnomalyProtocol:     model.CategoryMaliciousActivity,
	model.AnomalyMalformed:    model.CategoryMaliciousActivity,
}

// anomalyRisk derives a risk score from anomaly severity
func anomalyRisk(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 9
	case model.SeverityHigh:
		return 7
	default:
		return 5
	}
}

// ConvertAnomalies turns anomalies at or above MinAnomalySeverity into threats
func (s *Set) ConvertAnomalies(anomalies []model.Anomaly) []model.Threat {
	var threats []model.Threat
	for _, a := range anomalies {
		if !a.Severity.AtLeast(s.MinAnomalySeverity) {
			continue
		}
		category, ok := anomalyCategories[a.Category]
		if !ok {
			category = model.CategoryMaliciousActivity
		}
		count := a.Count
		if count < 1 {
			count = 1
		}
		threats = append(threats, model.Threat{
			Category:          category,
			Severity:          a.Severity,
			Name:              a.Type,
			Description:       a.Description,
			RiskScore:         anomalyRisk(a.Severity),
			OccurrenceCount:   count,
			FirstSeen:         a.FirstSeen,
			LastSeen:          a.LastSeen,
			AffectedAddresses: model.UnionSorted(a.AffectedAddresses),
		})
	}
	return threats
}
