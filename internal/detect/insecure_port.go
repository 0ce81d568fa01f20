package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// ctxCheckInterval is how many records detectors scan between context checks
const ctxCheckInterval = 4096

// InsecurePortDetector reports traffic to or from services on a configured
// insecure port table. Risk scores are left for normalization.
type InsecurePortDetector struct {
	byPort map[uint16]model.InsecureService
}

// NewInsecurePortDetector creates a detector for the given services
func NewInsecurePortDetector(services []model.InsecureService) *InsecurePortDetector {
	byPort := make(map[uint16]model.InsecureService, len(services))
	for _, s := range services {
		byPort[s.Port] = s
	}
	return &InsecurePortDetector{byPort: byPort}
}

func (d *InsecurePortDetector) Name() string { return "insecure-port" }

// lookup prefers the destination port, then the source port of a response
func (d *InsecurePortDetector) lookup(r *model.Record) (model.InsecureService, bool) {
	if s, ok := d.byPort[r.DestinationPort]; ok {
		return s, true
	}
	s, ok := d.byPort[r.SourcePort]
	return s, ok
}

// Detect emits one threat per service port with the matching record count
func (d *InsecurePortDetector) Detect(ctx context.Context, records []*model.Record) ([]model.Threat, error) {
	found := make(map[uint16]*model.Threat)

	for i, r := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		svc, ok := d.lookup(r)
		if !ok {
			continue
		}
		t, ok := found[svc.Port]
		if !ok {
			t = &model.Threat{
				Category:    svc.Category,
				Severity:    svc.Severity,
				Name:        fmt.Sprintf("Insecure service: %s", svc.Service),
				Description: svc.Description,
				Service:     svc.Service,
				Port:        int(svc.Port),
			}
			found[svc.Port] = t
		}
		t.Observe(r)
	}

	ports := make([]int, 0, len(found))
	for p := range found {
		ports = append(ports, int(p))
	}
	sort.Ints(ports)

	threats := make([]model.Threat, 0, len(ports))
	for _, p := range ports {
		threats = append(threats, *found[uint16(p)])
	}
	return threats, nil
}
