package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ThreatCategory classifies a threat
type ThreatCategory string

const (
	CategoryInsecureProtocol     ThreatCategory = "insecure-protocol"
	CategoryUnencryptedService   ThreatCategory = "unencrypted-service"
	CategoryLegacyProtocol       ThreatCategory = "legacy-protocol"
	CategoryKnownVulnerability   ThreatCategory = "known-vulnerability"
	CategoryMaliciousActivity    ThreatCategory = "malicious-activity"
	CategoryReconnaissance       ThreatCategory = "reconnaissance"
	CategoryDataExfiltration     ThreatCategory = "data-exfiltration"
	CategoryCommandAndControl    ThreatCategory = "command-and-control"
	CategoryDenialOfService      ThreatCategory = "denial-of-service"
	CategoryCleartextCredentials ThreatCategory = "cleartext-credentials"
	CategoryDefaultCredentials   ThreatCategory = "default-credentials"
)

// Severity of a threat or anomaly
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "info"
}

// Rank orders severities; higher is worse
func (s Severity) Rank() int {
	return int(s)
}

// AtLeast reports whether s is as severe as min or worse
func (s Severity) AtLeast(min Severity) bool {
	return s >= min
}

// ParseSeverity parses a severity name (case-insensitive)
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return SeverityInfo, fmt.Errorf("invalid severity %q, must be critical/high/medium/low/info", name)
}

// MarshalJSON encodes the severity as its name
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity name
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the severity as its name
func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML decodes a severity name
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ThreatMetadata carries per-threat source/destination sub-lists and
// connection pairs. All lists are kept sorted and distinct.
type ThreatMetadata struct {
	Sources      []string          `json:"sources,omitempty"`
	Destinations []string          `json:"destinations,omitempty"`
	Connections  []string          `json:"connections,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Threat is a categorized security finding derived from one or more records
type Threat struct {
	ID                string         `json:"id"`
	Category          ThreatCategory `json:"category"`
	Severity          Severity       `json:"severity"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Service           string         `json:"service,omitempty"`
	Port              int            `json:"port,omitempty"`
	RiskScore         float64        `json:"risk_score"`
	OccurrenceCount   int            `json:"occurrence_count"`
	FirstSeen         time.Time      `json:"first_seen"`
	LastSeen          time.Time      `json:"last_seen"`
	AffectedAddresses []string       `json:"affected_addresses"`
	Metadata          ThreatMetadata `json:"metadata"`
}

// ThreatKey identifies structurally identical threats
type ThreatKey struct {
	Category ThreatCategory
	Name     string
	Service  string
	Port     int
	Severity Severity
}

func (k ThreatKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", k.Category, k.Name, k.Service, k.Port, k.Severity)
}

// Key returns the merge identity of the threat
func (t *Threat) Key() ThreatKey {
	return ThreatKey{
		Category: t.Category,
		Name:     t.Name,
		Service:  t.Service,
		Port:     t.Port,
		Severity: t.Severity,
	}
}

// Observe folds one record's timestamp and addresses into the threat
func (t *Threat) Observe(r *Record) {
	t.OccurrenceCount++
	if t.FirstSeen.IsZero() || r.Timestamp.Before(t.FirstSeen) {
		t.FirstSeen = r.Timestamp
	}
	if r.Timestamp.After(t.LastSeen) {
		t.LastSeen = r.Timestamp
	}
	t.AffectedAddresses = InsertSorted(t.AffectedAddresses, r.SourceAddress, r.DestinationAddress)
	t.Metadata.Sources = InsertSorted(t.Metadata.Sources, r.SourceAddress)
	t.Metadata.Destinations = InsertSorted(t.Metadata.Destinations, r.DestinationAddress)
	t.Metadata.Connections = InsertSorted(t.Metadata.Connections, r.SourceAddress+" -> "+r.DestinationAddress)
}

// InsertSorted adds values into a sorted distinct list, skipping empty values
func InsertSorted(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		i := sort.SearchStrings(list, v)
		if i < len(list) && list[i] == v {
			continue
		}
		list = append(list, "")
		copy(list[i+1:], list[i:])
		list[i] = v
	}
	return list
}

// UnionSorted returns the sorted distinct union of the given lists
func UnionSorted(lists ...[]string) []string {
	seen := make(map[string]struct{})
	for _, l := range lists {
		for _, v := range l {
			if v != "" {
				seen[v] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// AnomalyCategory classifies a behavioral anomaly
type AnomalyCategory string

const (
	AnomalyScan         AnomalyCategory = "scan"
	AnomalyFlood        AnomalyCategory = "flood"
	AnomalyExfiltration AnomalyCategory = "exfiltration"
	AnomalyBeacon       AnomalyCategory = "beacon"
	AnomalyCredentials  AnomalyCategory = "credentials"
	AnomalyProtocol     AnomalyCategory = "protocol"
	AnomalyMalformed    AnomalyCategory = "malformed"
)

// Anomaly is a behavioral finding produced by an anomaly detector
type Anomaly struct {
	Type              string          `json:"type"`
	Category          AnomalyCategory `json:"category"`
	Severity          Severity        `json:"severity"`
	Description       string          `json:"description"`
	AffectedAddresses []string        `json:"affected_addresses"`
	FrameNumbers      []uint64        `json:"frame_numbers,omitempty"`
	Count             int             `json:"count"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`
}
