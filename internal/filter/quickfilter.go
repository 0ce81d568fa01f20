package filter

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// QuickFilter is a named boolean property of a record
type QuickFilter struct {
	Code        string                    `json:"code"`
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Match       func(r *model.Record) bool `json:"-"`
}

// Quick filter codes
const (
	QuickRFC1918          = "rfc1918"
	QuickMulticast        = "multicast"
	QuickBroadcast        = "broadcast"
	QuickLoopback         = "loopback"
	QuickLinkLocal        = "link-local"
	QuickIPv6             = "ipv6"
	QuickInsecureProtocol = "insecure-protocol"
	QuickAnomalousFrame   = "anomalous-frame"
	QuickLargeFrame       = "large-frame"
	QuickRetransmission   = "retransmission"
)

// maxStandardFrame is the largest untagged Ethernet frame
const maxStandardFrame = 1514

var rfc1918Prefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

var limitedBroadcast = netip.MustParseAddr("255.255.255.255")

var insecurePorts = model.InsecurePortSet()

var catalog = []QuickFilter{
	{
		Code:        QuickRFC1918,
		Name:        "RFC1918 address",
		Description: "Source or destination is a private IPv4 address",
		Match: eitherAddr(func(a netip.Addr) bool {
			for _, p := range rfc1918Prefixes {
				if p.Contains(a) {
					return true
				}
			}
			return false
		}),
	},
	{
		Code:        QuickMulticast,
		Name:        "Multicast",
		Description: "Source or destination is a multicast address",
		Match:       eitherAddr(netip.Addr.IsMulticast),
	},
	{
		Code:        QuickBroadcast,
		Name:        "Broadcast",
		Description: "Destination is the limited broadcast address",
		Match: func(r *model.Record) bool {
			a, ok := parseAddr(r.DestinationAddress)
			return ok && a == limitedBroadcast
		},
	},
	{
		Code:        QuickLoopback,
		Name:        "Loopback",
		Description: "Source or destination is a loopback address",
		Match:       eitherAddr(netip.Addr.IsLoopback),
	},
	{
		Code:        QuickLinkLocal,
		Name:        "Link-local",
		Description: "Source or destination is a link-local unicast address",
		Match:       eitherAddr(netip.Addr.IsLinkLocalUnicast),
	},
	{
		Code:        QuickIPv6,
		Name:        "IPv6",
		Description: "Source or destination is an IPv6 address",
		Match:       eitherAddr(netip.Addr.Is6),
	},
	{
		Code:        QuickInsecureProtocol,
		Name:        "Insecure protocol",
		Description: "Either port belongs to a known cleartext or legacy service",
		Match: func(r *model.Record) bool {
			_, src := insecurePorts[r.SourcePort]
			_, dst := insecurePorts[r.DestinationPort]
			return src || dst
		},
	},
	{
		Code:        QuickAnomalousFrame,
		Name:        "Anomalous frame",
		Description: "Frame flagged as malformed or anomalous by the decoder",
		Match: func(r *model.Record) bool {
			if r.Meta("anomaly") != "" || strings.EqualFold(r.Meta("malformed"), "true") {
				return true
			}
			sev := r.Meta("expert.severity")
			return strings.EqualFold(sev, "warning") || strings.EqualFold(sev, "error")
		},
	},
	{
		Code:        QuickLargeFrame,
		Name:        "Large frame",
		Description: "Frame longer than a standard Ethernet frame",
		Match: func(r *model.Record) bool {
			return r.Length > maxStandardFrame
		},
	},
	{
		Code:        QuickRetransmission,
		Name:        "TCP retransmission",
		Description: "TCP analysis marked the segment as a retransmission",
		Match: func(r *model.Record) bool {
			return r.Protocol == model.ProtocolTCP && containsFold(r.Meta("tcp.analysis"), "retransmission")
		},
	},
}

var catalogByCode = func() map[string]QuickFilter {
	m := make(map[string]QuickFilter, len(catalog))
	for _, qf := range catalog {
		m[qf.Code] = qf
	}
	return m
}()

// Catalog returns the quick filters in display order
func Catalog() []QuickFilter {
	return append([]QuickFilter(nil), catalog...)
}

// LookupQuickFilter finds a quick filter by code
func LookupQuickFilter(code string) (QuickFilter, bool) {
	qf, ok := catalogByCode[strings.ToLower(strings.TrimSpace(code))]
	return qf, ok
}

// NewQuickFilterChip materializes a quick filter into a chip tagged with its code
func NewQuickFilterChip(code string, exclude bool) (Chip, error) {
	qf, ok := LookupQuickFilter(code)
	if !ok {
		return Chip{}, fmt.Errorf("%w: %s", ErrUnknownQuickFilter, code)
	}
	return Chip{
		Criterion: NewCriterion(FieldProperty, qf.Code, exclude),
		Kind:      QuickFilterDerived,
		Code:      qf.Code,
	}, nil
}

// ActivateQuickFilter appends the chip for code unless it is already present
func ActivateQuickFilter(chips []Chip, code string, exclude bool) ([]Chip, error) {
	chip, err := NewQuickFilterChip(code, exclude)
	if err != nil {
		return chips, err
	}
	for i := range chips {
		if chips[i].Kind == QuickFilterDerived && chips[i].Code == chip.Code {
			return chips, nil
		}
	}
	return append(chips, chip), nil
}

// DeactivateQuickFilter removes the quick-filter chip with the given code.
// User-authored chips are never removed, even with an identical criterion.
func DeactivateQuickFilter(chips []Chip, code string) []Chip {
	code = strings.ToLower(strings.TrimSpace(code))
	out := chips[:0:0]
	for _, c := range chips {
		if c.Kind == QuickFilterDerived && c.Code == code {
			continue
		}
		out = append(out, c)
	}
	return out
}

func parseAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

func eitherAddr(pred func(netip.Addr) bool) func(*model.Record) bool {
	return func(r *model.Record) bool {
		if a, ok := parseAddr(r.SourceAddress); ok && pred(a) {
			return true
		}
		if a, ok := parseAddr(r.DestinationAddress); ok && pred(a) {
			return true
		}
		return false
	}
}
