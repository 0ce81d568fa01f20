package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransportProtocol is the decoded transport/network protocol of a record
type TransportProtocol uint8

const (
	ProtocolOther TransportProtocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
	ProtocolICMPv6
	ProtocolARP
	ProtocolIGMP
)

var protocolNames = map[TransportProtocol]string{
	ProtocolOther:  "OTHER",
	ProtocolTCP:    "TCP",
	ProtocolUDP:    "UDP",
	ProtocolICMP:   "ICMP",
	ProtocolICMPv6: "ICMPv6",
	ProtocolARP:    "ARP",
	ProtocolIGMP:   "IGMP",
}

// String returns the canonical protocol name
func (p TransportProtocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "OTHER"
}

// ParseTransportProtocol maps a protocol name (any case) to its enum value.
// Unknown names map to ProtocolOther.
func ParseTransportProtocol(name string) TransportProtocol {
	for p, n := range protocolNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return p
		}
	}
	return ProtocolOther
}

// MarshalJSON encodes the protocol as its name
func (p TransportProtocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the protocol name or its numeric value
func (p *TransportProtocol) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = ParseTransportProtocol(name)
		return nil
	}
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid protocol %s: %w", string(data), err)
	}
	*p = TransportProtocol(n)
	return nil
}

// Record is one decoded traffic unit. Records are produced upstream and are
// never mutated by the analyzer.
type Record struct {
	SourceAddress       string            `json:"source_address"`
	DestinationAddress  string            `json:"destination_address"`
	SourcePort          uint16            `json:"source_port"`
	DestinationPort     uint16            `json:"destination_port"`
	Protocol            TransportProtocol `json:"protocol"`
	ApplicationProtocol string            `json:"application_protocol,omitempty"`
	Length              int               `json:"length"`
	Timestamp           time.Time         `json:"timestamp"`
	FrameNumber         uint64            `json:"frame_number"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, or "" when absent
func (r *Record) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Refs returns pointers into the given slice, sharing its backing array
func Refs(records []Record) []*Record {
	refs := make([]*Record, len(records))
	for i := range records {
		refs[i] = &records[i]
	}
	return refs
}
