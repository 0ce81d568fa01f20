package detect

import (
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// DefaultRiskScore is the risk assigned to a threat a detector left unscored
func DefaultRiskScore(s model.Severity) float64 {
	switch s {
	case model.SeverityCritical:
		return 9.0
	case model.SeverityHigh:
		return 7.0
	case model.SeverityMedium:
		return 5.0
	case model.SeverityLow:
		return 3.0
	default:
		return 1.0
	}
}

// NormalizeRiskScores fills zero risk scores from severity, in place
func NormalizeRiskScores(threats []model.Threat) {
	for i := range threats {
		if threats[i].RiskScore == 0 {
			threats[i].RiskScore = DefaultRiskScore(threats[i].Severity)
		}
	}
}

// MergeThreats combines threats with the same key. The merge is associative
// and commutative, so partial results may arrive in any order. Output is
// sorted by risk descending, then name, then key.
func MergeThreats(threats []model.Threat) []model.Threat {
	merged := make(map[model.ThreatKey]*model.Threat, len(threats))
	for i := range threats {
		t := threats[i]
		key := t.Key()
		existing, ok := merged[key]
		if !ok {
			c := cloneThreat(t)
			merged[key] = &c
			continue
		}
		mergeInto(existing, &t)
	}

	out := make([]model.Threat, 0, len(merged))
	for _, t := range merged {
		out = append(out, *t)
	}
	SortThreats(out)
	return out
}

// SortThreats orders threats by risk descending, then name, then key
func SortThreats(threats []model.Threat) {
	sort.SliceStable(threats, func(i, j int) bool {
		a, b := &threats[i], &threats[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Key().String() < b.Key().String()
	})
}

func mergeInto(dst, src *model.Threat) {
	dst.OccurrenceCount += src.OccurrenceCount
	if src.RiskScore > dst.RiskScore {
		dst.RiskScore = src.RiskScore
	}
	mergeCommon(dst, src)
}

// mergeCommon folds the order-independent fields of src into dst. Conflicting
// scalar fields keep the lexically smaller value.
func mergeCommon(dst, src *model.Threat) {
	if !src.FirstSeen.IsZero() && (dst.FirstSeen.IsZero() || src.FirstSeen.Before(dst.FirstSeen)) {
		dst.FirstSeen = src.FirstSeen
	}
	if src.LastSeen.After(dst.LastSeen) {
		dst.LastSeen = src.LastSeen
	}
	if src.Description != "" && (dst.Description == "" || src.Description < dst.Description) {
		dst.Description = src.Description
	}
	if src.ID != "" && (dst.ID == "" || src.ID < dst.ID) {
		dst.ID = src.ID
	}

	dst.AffectedAddresses = model.UnionSorted(dst.AffectedAddresses, src.AffectedAddresses)
	dst.Metadata.Sources = model.UnionSorted(dst.Metadata.Sources, src.Metadata.Sources)
	dst.Metadata.Destinations = model.UnionSorted(dst.Metadata.Destinations, src.Metadata.Destinations)
	dst.Metadata.Connections = model.UnionSorted(dst.Metadata.Connections, src.Metadata.Connections)

	for k, v := range src.Metadata.Extra {
		if dst.Metadata.Extra == nil {
			dst.Metadata.Extra = make(map[string]string)
		}
		if cur, ok := dst.Metadata.Extra[k]; !ok || v < cur {
			dst.Metadata.Extra[k] = v
		}
	}
}

func cloneThreat(t model.Threat) model.Threat {
	c := t
	c.AffectedAddresses = append([]string(nil), t.AffectedAddresses...)
	c.Metadata.Sources = append([]string(nil), t.Metadata.Sources...)
	c.Metadata.Destinations = append([]string(nil), t.Metadata.Destinations...)
	c.Metadata.Connections = append([]string(nil), t.Metadata.Connections...)
	if t.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(t.Metadata.Extra))
		for k, v := range t.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return c
}

type serviceKey struct {
	name     string
	service  string
	port     int
	severity model.Severity
}

// GroupByService collapses threats sharing name, service, port and severity
// into one threat whose occurrence count is the group size. Groups keep the
// order of their first member.
func GroupByService(threats []model.Threat) []model.Threat {
	index := make(map[serviceKey]int)
	var out []model.Threat
	var sizes []int

	for i := range threats {
		t := &threats[i]
		k := serviceKey{name: t.Name, service: t.Service, port: t.Port, severity: t.Severity}
		if at, ok := index[k]; ok {
			g := &out[at]
			sizes[at]++
			if t.RiskScore > g.RiskScore {
				g.RiskScore = t.RiskScore
			}
			mergeCommon(g, t)
			continue
		}
		index[k] = len(out)
		out = append(out, cloneThreat(*t))
		sizes = append(sizes, 1)
	}

	for i := range out {
		out[i].OccurrenceCount = sizes[i]
		if sizes[i] > 1 {
			out[i].Description = fmt.Sprintf("%s (%d occurrences)", out[i].Description, sizes[i])
		}
	}
	return out
}
