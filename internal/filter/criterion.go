package filter

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Field is the record field a criterion targets
type Field string

const (
	FieldSourceAddress      Field = "source_address"
	FieldDestinationAddress Field = "destination_address"
	FieldAddress            Field = "address"
	FieldSourcePort         Field = "source_port"
	FieldDestinationPort    Field = "destination_port"
	FieldPort               Field = "port"
	FieldProtocol           Field = "protocol"
	FieldLength             Field = "length"
	FieldFrameNumber        Field = "frame_number"
	FieldProperty           Field = "property"
)

var knownFields = map[Field]bool{
	FieldSourceAddress:      true,
	FieldDestinationAddress: true,
	FieldAddress:            true,
	FieldSourcePort:         true,
	FieldDestinationPort:    true,
	FieldPort:               true,
	FieldProtocol:           true,
	FieldLength:             true,
	FieldFrameNumber:        true,
	FieldProperty:           true,
}

// ParseField validates a field name
func ParseField(name string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(name)))
	if !knownFields[f] {
		return "", &ValidationError{Field: "field", Message: fmt.Sprintf("unknown field %q", name)}
	}
	return f, nil
}

// numRange is an inclusive numeric range
type numRange struct {
	lo, hi uint64
}

func (r numRange) contains(v uint64) bool {
	return v >= r.lo && v <= r.hi
}

// Criterion is a single-field predicate. Values are parsed once by
// NewCriterion; a value that fails to parse makes the criterion never match.
// Exclude records the side the criterion was authored on and does not negate
// the match.
type Criterion struct {
	Field   Field
	Value   string
	Exclude bool

	ranges   []numRange
	terms    []string
	prefixes []netip.Prefix
	property *QuickFilter
	err      error
}

// NewCriterion builds and parses a criterion
func NewCriterion(field Field, value string, exclude bool) Criterion {
	c := Criterion{Field: field, Value: strings.TrimSpace(value), Exclude: exclude}
	if c.Value == "" {
		return c
	}

	switch field {
	case FieldSourcePort, FieldDestinationPort, FieldPort:
		c.ranges, c.err = parseRanges(c.Value, 65535)
	case FieldLength, FieldFrameNumber:
		c.ranges, c.err = parseRanges(c.Value, 0)
	case FieldSourceAddress, FieldDestinationAddress, FieldAddress:
		c.terms, c.prefixes = parseAddressTerms(c.Value)
	case FieldProtocol:
		c.terms = splitTerms(c.Value)
	case FieldProperty:
		qf, ok := LookupQuickFilter(c.Value)
		if !ok {
			c.err = fmt.Errorf("%w: %s", ErrUnknownQuickFilter, c.Value)
		} else {
			c.property = &qf
		}
	default:
		c.err = fmt.Errorf("unknown field %q", field)
	}
	return c
}

// HasCriteria reports whether the criterion carries a value
func (c *Criterion) HasCriteria() bool {
	return c.Value != ""
}

// Err returns the parse error of a malformed value, if any
func (c *Criterion) Err() error {
	return c.err
}

// Matches evaluates the criterion against a record. An empty criterion
// matches vacuously; a malformed one never matches.
func (c *Criterion) Matches(r *model.Record) bool {
	if c.Value == "" {
		return true
	}
	if c.err != nil || r == nil {
		return false
	}

	switch c.Field {
	case FieldSourcePort:
		return c.inRanges(uint64(r.SourcePort))
	case FieldDestinationPort:
		return c.inRanges(uint64(r.DestinationPort))
	case FieldPort:
		return c.inRanges(uint64(r.SourcePort)) || c.inRanges(uint64(r.DestinationPort))
	case FieldLength:
		return r.Length >= 0 && c.inRanges(uint64(r.Length))
	case FieldFrameNumber:
		return c.inRanges(r.FrameNumber)
	case FieldSourceAddress:
		return c.matchAddress(r.SourceAddress)
	case FieldDestinationAddress:
		return c.matchAddress(r.DestinationAddress)
	case FieldAddress:
		return c.matchAddress(r.SourceAddress) || c.matchAddress(r.DestinationAddress)
	case FieldProtocol:
		return c.matchProtocol(r)
	case FieldProperty:
		return c.property.Match(r)
	}
	return false
}

func (c *Criterion) inRanges(v uint64) bool {
	for _, rg := range c.ranges {
		if rg.contains(v) {
			return true
		}
	}
	return false
}

// matchAddress accepts literal or substring matches and CIDR prefixes
func (c *Criterion) matchAddress(addr string) bool {
	if addr == "" {
		return false
	}
	for _, term := range c.terms {
		if containsFold(addr, term) {
			return true
		}
	}
	if len(c.prefixes) > 0 {
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			return false
		}
		for _, p := range c.prefixes {
			if p.Contains(ip.Unmap()) {
				return true
			}
		}
	}
	return false
}

// matchProtocol compares against the transport name or the application tag
func (c *Criterion) matchProtocol(r *model.Record) bool {
	transport := r.Protocol.String()
	for _, term := range c.terms {
		if strings.EqualFold(transport, term) {
			return true
		}
		if r.ApplicationProtocol != "" && containsFold(r.ApplicationProtocol, term) {
			return true
		}
	}
	return false
}

// parseRanges parses "80,443,137-139". max of 0 means unbounded.
func parseRanges(value string, max uint64) ([]numRange, error) {
	var ranges []numRange
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi := part, part
		if i := strings.Index(part, "-"); i >= 0 {
			lo, hi = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}

		l, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		h, err := strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		if l > h {
			return nil, fmt.Errorf("invalid range %q: start exceeds end", part)
		}
		if max > 0 && h > max {
			return nil, fmt.Errorf("invalid value %q: exceeds %d", part, max)
		}
		ranges = append(ranges, numRange{lo: l, hi: h})
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no values in %q", value)
	}
	return ranges, nil
}

func parseAddressTerms(value string) ([]string, []netip.Prefix) {
	var terms []string
	var prefixes []netip.Prefix
	for _, term := range splitTerms(value) {
		if strings.Contains(term, "/") {
			if p, err := netip.ParsePrefix(term); err == nil {
				prefixes = append(prefixes, p.Masked())
				continue
			}
		}
		terms = append(terms, term)
	}
	return terms, prefixes
}

func splitTerms(value string) []string {
	var terms []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			terms = append(terms, part)
		}
	}
	return terms
}

// containsFold is an allocation-free case-insensitive strings.Contains
func containsFold(s, substr string) bool {
	n := len(substr)
	if n == 0 {
		return true
	}
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return true
		}
	}
	return false
}
