package filter

import (
	"fmt"
	"strings"
)

// Mode selects how a side's group drafts compile
type Mode string

const (
	ModeAnd Mode = "and"
	ModeOr  Mode = "or"
)

// QuickFilterMode selects the side quick-filter chips are inserted on
type QuickFilterMode string

const (
	QuickFilterInclude QuickFilterMode = "include"
	QuickFilterExclude QuickFilterMode = "exclude"
)

// CriterionSpec is one field/value pair of a descriptor
type CriterionSpec struct {
	Field string `json:"field" yaml:"field"`
	Value string `json:"value" yaml:"value"`
}

// GroupSpec is a group draft: a set of fields filled in together
type GroupSpec struct {
	Criteria []CriterionSpec `json:"criteria" yaml:"criteria"`
}

// Descriptor is the plain-data form of a filter as authored by a user
type Descriptor struct {
	IncludeGroups   []GroupSpec     `json:"include_groups,omitempty" yaml:"include_groups,omitempty"`
	IncludeChips    []CriterionSpec `json:"include_chips,omitempty" yaml:"include_chips,omitempty"`
	ExcludeGroups   []GroupSpec     `json:"exclude_groups,omitempty" yaml:"exclude_groups,omitempty"`
	ExcludeChips    []CriterionSpec `json:"exclude_chips,omitempty" yaml:"exclude_chips,omitempty"`
	IncludeMode     Mode            `json:"include_mode,omitempty" yaml:"include_mode,omitempty"`
	ExcludeMode     Mode            `json:"exclude_mode,omitempty" yaml:"exclude_mode,omitempty"`
	QuickFilters    []string        `json:"quick_filters,omitempty" yaml:"quick_filters,omitempty"`
	QuickFilterMode QuickFilterMode `json:"quick_filter_mode,omitempty" yaml:"quick_filter_mode,omitempty"`
}

// Validate checks modes and field names without compiling
func (d *Descriptor) Validate() error {
	if err := validateMode("include_mode", d.IncludeMode); err != nil {
		return err
	}
	if err := validateMode("exclude_mode", d.ExcludeMode); err != nil {
		return err
	}
	switch d.QuickFilterMode {
	case "", QuickFilterInclude, QuickFilterExclude:
	default:
		return &ValidationError{Field: "quick_filter_mode", Message: fmt.Sprintf("invalid mode %q, must be include/exclude", d.QuickFilterMode)}
	}
	for _, code := range d.QuickFilters {
		if _, ok := LookupQuickFilter(code); !ok {
			return &ValidationError{Field: "quick_filters", Message: fmt.Sprintf("unknown quick filter %q", code)}
		}
	}
	return nil
}

func validateMode(field string, m Mode) error {
	switch Mode(strings.ToLower(string(m))) {
	case "", ModeAnd, ModeOr:
		return nil
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf("invalid mode %q, must be and/or", m)}
}

// Compile turns a descriptor into an expression. It only fails on unknown
// fields, modes or quick-filter codes; malformed values compile into
// criteria that never match.
func Compile(d Descriptor) (*Expression, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	includeGroups, includeChips, err := compileSide(d.IncludeGroups, d.IncludeChips, d.IncludeMode, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile include side: %w", err)
	}
	excludeGroups, excludeChips, err := compileSide(d.ExcludeGroups, d.ExcludeChips, d.ExcludeMode, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile exclude side: %w", err)
	}

	quickExclude := d.QuickFilterMode == QuickFilterExclude
	for _, code := range d.QuickFilters {
		if quickExclude {
			excludeChips, err = ActivateQuickFilter(excludeChips, code, true)
		} else {
			includeChips, err = ActivateQuickFilter(includeChips, code, false)
		}
		if err != nil {
			return nil, err
		}
	}

	return CompileParts(includeGroups, includeChips, excludeGroups, excludeChips), nil
}

func compileSide(groups []GroupSpec, chips []CriterionSpec, mode Mode, exclude bool) ([]Group, []Chip, error) {
	var outGroups []Group
	var outChips []Chip

	for gi, gs := range groups {
		var populated []Criterion
		for _, cs := range gs.Criteria {
			c, err := buildCriterion(cs, exclude)
			if err != nil {
				return nil, nil, fmt.Errorf("group %d: %w", gi, err)
			}
			if c.HasCriteria() {
				populated = append(populated, c)
			}
		}
		if len(populated) == 0 {
			continue
		}

		if Mode(strings.ToLower(string(mode))) == ModeOr {
			for _, c := range populated {
				outChips = append(outChips, Chip{Criterion: c, Kind: UserAuthored})
			}
			continue
		}
		outGroups = append(outGroups, NewGroup(populated, exclude))
	}

	for _, cs := range chips {
		c, err := buildCriterion(cs, exclude)
		if err != nil {
			return nil, nil, err
		}
		if c.HasCriteria() {
			outChips = append(outChips, Chip{Criterion: c, Kind: UserAuthored})
		}
	}
	return outGroups, outChips, nil
}

func buildCriterion(cs CriterionSpec, exclude bool) (Criterion, error) {
	field, err := ParseField(cs.Field)
	if err != nil {
		return Criterion{}, err
	}
	if field == FieldProperty {
		if _, ok := LookupQuickFilter(cs.Value); !ok && strings.TrimSpace(cs.Value) != "" {
			return Criterion{}, fmt.Errorf("%w: %s", ErrUnknownQuickFilter, cs.Value)
		}
	}
	return NewCriterion(field, cs.Value, exclude), nil
}

// CompileParts combines already-built groups and chips into an expression.
// Groups and chips without a populated criterion are dropped, so removing
// the last one of a side leaves it vacuous.
func CompileParts(includeGroups []Group, includeChips []Chip, excludeGroups []Group, excludeChips []Chip) *Expression {
	return &Expression{
		includeGroups: keepGroups(includeGroups),
		includeChips:  keepChips(includeChips),
		excludeGroups: keepGroups(excludeGroups),
		excludeChips:  keepChips(excludeChips),
	}
}

func keepGroups(groups []Group) []Group {
	var out []Group
	for i := range groups {
		if groups[i].HasCriteria() {
			out = append(out, groups[i])
		}
	}
	return out
}

func keepChips(chips []Chip) []Chip {
	var out []Chip
	for i := range chips {
		if chips[i].HasCriteria() {
			out = append(out, chips[i])
		}
	}
	return out
}
