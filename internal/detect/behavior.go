package detect

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// BehaviorConfig holds the thresholds of the behavioral detector
type BehaviorConfig struct {
	PortScanThreshold int           `yaml:"port_scan_threshold"`
	FloodThreshold    int           `yaml:"flood_threshold"`
	FloodWindow       time.Duration `yaml:"flood_window"`
	ExfiltrationBytes int64         `yaml:"exfiltration_bytes"`
	MaxFrameNumbers   int           `yaml:"max_frame_numbers"`
}

// DefaultBehaviorConfig returns the default thresholds
func DefaultBehaviorConfig() BehaviorConfig {
	return BehaviorConfig{
		PortScanThreshold: 20,
		FloodThreshold:    1000,
		FloodWindow:       10 * time.Second,
		ExfiltrationBytes: 50 << 20,
		MaxFrameNumbers:   100,
	}
}

// BehaviorDetector finds flow-level anomalies: port scans, floods, bulk
// transfers to public addresses, cleartext credentials and decoder-flagged
// frames. Its signals span flows, so it is run over a whole subset.
type BehaviorDetector struct {
	cfg BehaviorConfig
}

// NewBehaviorDetector creates a behavioral detector, filling zero thresholds
// with defaults
func NewBehaviorDetector(cfg BehaviorConfig) *BehaviorDetector {
	def := DefaultBehaviorConfig()
	if cfg.PortScanThreshold <= 0 {
		cfg.PortScanThreshold = def.PortScanThreshold
	}
	if cfg.FloodThreshold <= 0 {
		cfg.FloodThreshold = def.FloodThreshold
	}
	if cfg.FloodWindow <= 0 {
		cfg.FloodWindow = def.FloodWindow
	}
	if cfg.ExfiltrationBytes <= 0 {
		cfg.ExfiltrationBytes = def.ExfiltrationBytes
	}
	if cfg.MaxFrameNumbers <= 0 {
		cfg.MaxFrameNumbers = def.MaxFrameNumbers
	}
	return &BehaviorDetector{cfg: cfg}
}

func (d *BehaviorDetector) Name() string { return "behavior" }

type pair struct {
	src, dst string
}

type floodBucket struct {
	pair
	window int64
}

// span accumulates the common anomaly bookkeeping
type span struct {
	count  int
	first  time.Time
	last   time.Time
	frames []uint64
	addrs  []string
}

func (s *span) add(r *model.Record, maxFrames int) {
	s.count++
	if s.first.IsZero() || r.Timestamp.Before(s.first) {
		s.first = r.Timestamp
	}
	if r.Timestamp.After(s.last) {
		s.last = r.Timestamp
	}
	if len(s.frames) < maxFrames {
		s.frames = append(s.frames, r.FrameNumber)
	}
}

func (s *span) anomaly(typ string, cat model.AnomalyCategory, sev model.Severity, desc string, addrs ...string) model.Anomaly {
	return model.Anomaly{
		Type:              typ,
		Category:          cat,
		Severity:          sev,
		Description:       desc,
		AffectedAddresses: model.UnionSorted(s.addrs, addrs),
		FrameNumbers:      s.frames,
		Count:             s.count,
		FirstSeen:         s.first,
		LastSeen:          s.last,
	}
}

// DetectAnomalies scans records once and reports anomalies in a stable order
func (d *BehaviorDetector) DetectAnomalies(ctx context.Context, records []*model.Record) ([]model.Anomaly, error) {
	scanPorts := make(map[string]map[uint16]struct{})
	scanSpans := make(map[string]*span)
	floods := make(map[floodBucket]int)
	floodSpans := make(map[pair]*span)
	transfers := make(map[pair]int64)
	transferSpans := make(map[pair]*span)
	creds := make(map[pair]*span)
	flagged := make(map[model.AnomalyCategory]*span)

	for i, r := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		p := pair{src: r.SourceAddress, dst: r.DestinationAddress}

		if r.SourceAddress != "" && r.DestinationPort != 0 && r.Protocol != model.ProtocolUDP {
			ports, ok := scanPorts[r.SourceAddress]
			if !ok {
				ports = make(map[uint16]struct{})
				scanPorts[r.SourceAddress] = ports
				scanSpans[r.SourceAddress] = &span{}
			}
			ports[r.DestinationPort] = struct{}{}
			sp := scanSpans[r.SourceAddress]
			sp.add(r, d.cfg.MaxFrameNumbers)
			if len(sp.addrs) < d.cfg.MaxFrameNumbers {
				sp.addrs = model.InsertSorted(sp.addrs, r.DestinationAddress)
			}
		}

		if r.SourceAddress != "" && r.DestinationAddress != "" {
			b := floodBucket{pair: p, window: r.Timestamp.Truncate(d.cfg.FloodWindow).Unix()}
			floods[b]++
			sp, ok := floodSpans[p]
			if !ok {
				sp = &span{}
				floodSpans[p] = sp
			}
			sp.add(r, d.cfg.MaxFrameNumbers)
		}

		if r.Length > 0 && isPrivate(r.SourceAddress) && isPublic(r.DestinationAddress) {
			transfers[p] += int64(r.Length)
			sp, ok := transferSpans[p]
			if !ok {
				sp = &span{}
				transferSpans[p] = sp
			}
			sp.add(r, d.cfg.MaxFrameNumbers)
		}

		if hasCleartextCredentials(r) {
			sp, ok := creds[p]
			if !ok {
				sp = &span{}
				creds[p] = sp
			}
			sp.add(r, d.cfg.MaxFrameNumbers)
		}

		if cat, ok := flaggedCategory(r); ok {
			sp, ok := flagged[cat]
			if !ok {
				sp = &span{}
				flagged[cat] = sp
			}
			sp.add(r, d.cfg.MaxFrameNumbers)
			if len(sp.addrs) < d.cfg.MaxFrameNumbers {
				sp.addrs = model.InsertSorted(sp.addrs, r.SourceAddress, r.DestinationAddress)
			}
		}
	}

	var anomalies []model.Anomaly

	for src, ports := range scanPorts {
		n := len(ports)
		if n < d.cfg.PortScanThreshold {
			continue
		}
		sev := model.SeverityMedium
		if n >= 4*d.cfg.PortScanThreshold {
			sev = model.SeverityHigh
		}
		anomalies = append(anomalies, scanSpans[src].anomaly("Port scan", model.AnomalyScan, sev,
			fmt.Sprintf("%s contacted %d distinct destination ports", src, n), src))
	}

	peak := make(map[pair]int)
	for b, n := range floods {
		if n > peak[b.pair] {
			peak[b.pair] = n
		}
	}
	for p, n := range peak {
		if n < d.cfg.FloodThreshold {
			continue
		}
		sev := model.SeverityHigh
		if n >= 10*d.cfg.FloodThreshold {
			sev = model.SeverityCritical
		}
		anomalies = append(anomalies, floodSpans[p].anomaly("Traffic flood", model.AnomalyFlood, sev,
			fmt.Sprintf("%s sent %d frames to %s within %s", p.src, n, p.dst, d.cfg.FloodWindow), p.src, p.dst))
	}

	for p, bytes := range transfers {
		if bytes < d.cfg.ExfiltrationBytes {
			continue
		}
		anomalies = append(anomalies, transferSpans[p].anomaly("Possible data exfiltration", model.AnomalyExfiltration, model.SeverityHigh,
			fmt.Sprintf("%s transferred %d bytes to public address %s", p.src, bytes, p.dst), p.src, p.dst))
	}

	for p, sp := range creds {
		anomalies = append(anomalies, sp.anomaly("Cleartext credentials", model.AnomalyCredentials, model.SeverityHigh,
			fmt.Sprintf("credentials sent in cleartext from %s to %s", p.src, p.dst), p.src, p.dst))
	}

	for cat, sp := range flagged {
		sev := model.SeverityLow
		typ := "Protocol anomaly"
		if cat == model.AnomalyMalformed {
			sev = model.SeverityMedium
			typ = "Malformed frames"
		}
		anomalies = append(anomalies, sp.anomaly(typ, cat, sev,
			fmt.Sprintf("%d frames flagged by the decoder", sp.count)))
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Category != anomalies[j].Category {
			return anomalies[i].Category < anomalies[j].Category
		}
		return anomalies[i].Description < anomalies[j].Description
	})
	return anomalies, nil
}

func hasCleartextCredentials(r *model.Record) bool {
	if r.Meta("credentials") != "" {
		return true
	}
	if strings.HasPrefix(strings.ToLower(r.Meta("http.authorization")), "basic ") {
		return true
	}
	cmd := strings.ToUpper(strings.TrimSpace(r.Meta("ftp.request.command")))
	return cmd == "PASS"
}

// flaggedCategory classifies decoder expert flags
func flaggedCategory(r *model.Record) (model.AnomalyCategory, bool) {
	if strings.EqualFold(r.Meta("malformed"), "true") || strings.EqualFold(r.Meta("expert.severity"), "error") {
		return model.AnomalyMalformed, true
	}
	if r.Meta("anomaly") != "" || strings.EqualFold(r.Meta("expert.severity"), "warning") {
		return model.AnomalyProtocol, true
	}
	return "", false
}

func isPrivate(addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return a.Unmap().IsPrivate()
}

func isPublic(addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	a = a.Unmap()
	return a.IsGlobalUnicast() && !a.IsPrivate()
}
