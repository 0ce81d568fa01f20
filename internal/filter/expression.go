package filter

import (
	"strings"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// Expression is a compiled include/exclude filter. It is immutable once
// built; the accessors return copies.
type Expression struct {
	includeGroups []Group
	includeChips  []Chip
	excludeGroups []Group
	excludeChips  []Chip
}

// Empty returns the empty filter, which matches every record
func Empty() *Expression {
	return &Expression{}
}

func (e *Expression) IncludeGroups() []Group { return cloneGroups(e.includeGroups) }
func (e *Expression) IncludeChips() []Chip   { return append([]Chip(nil), e.includeChips...) }
func (e *Expression) ExcludeGroups() []Group { return cloneGroups(e.excludeGroups) }
func (e *Expression) ExcludeChips() []Chip   { return append([]Chip(nil), e.excludeChips...) }

func cloneGroups(groups []Group) []Group {
	if groups == nil {
		return nil
	}
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = Group{Criteria: append([]Criterion(nil), g.Criteria...), Exclude: g.Exclude}
	}
	return out
}

// IsEmpty reports whether all four collections are empty
func (e *Expression) IsEmpty() bool {
	if e == nil {
		return true
	}
	return len(e.includeGroups) == 0 && len(e.includeChips) == 0 &&
		len(e.excludeGroups) == 0 && len(e.excludeChips) == 0
}

// Active is the filter-active flag
func (e *Expression) Active() bool {
	return !e.IsEmpty()
}

// CriteriaCount returns the number of groups and chips across both sides
func (e *Expression) CriteriaCount() int {
	if e == nil {
		return 0
	}
	return len(e.includeGroups) + len(e.includeChips) + len(e.excludeGroups) + len(e.excludeChips)
}

// Matches evaluates the expression against a record. The include side is
// vacuously true when it holds no criteria; any exclude match rejects.
func (e *Expression) Matches(r *model.Record) bool {
	if e == nil {
		return true
	}

	if len(e.includeGroups) > 0 || len(e.includeChips) > 0 {
		included := false
		for i := range e.includeGroups {
			if e.includeGroups[i].Matches(r) {
				included = true
				break
			}
		}
		if !included {
			for i := range e.includeChips {
				if e.includeChips[i].Matches(r) {
					included = true
					break
				}
			}
		}
		if !included {
			return false
		}
	}

	for i := range e.excludeGroups {
		if e.excludeGroups[i].Matches(r) {
			return false
		}
	}
	for i := range e.excludeChips {
		if e.excludeChips[i].Matches(r) {
			return false
		}
	}
	return true
}

// Predicate returns the matcher as a plain function
func (e *Expression) Predicate() func(*model.Record) bool {
	return e.Matches
}

// MalformedCriteria returns the parse errors of criteria that will never match
func (e *Expression) MalformedCriteria() []error {
	if e == nil {
		return nil
	}
	var errs []error
	collect := func(c *Criterion) {
		if err := c.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, groups := range [][]Group{e.includeGroups, e.excludeGroups} {
		for i := range groups {
			for j := range groups[i].Criteria {
				collect(&groups[i].Criteria[j])
			}
		}
	}
	for _, chips := range [][]Chip{e.includeChips, e.excludeChips} {
		for i := range chips {
			collect(&chips[i].Criterion)
		}
	}
	return errs
}

// String renders the expression in a stable textual form
func (e *Expression) String() string {
	if e.IsEmpty() {
		return "<empty>"
	}
	var b strings.Builder
	writeSide := func(name string, groups []Group, chips []Chip) {
		if len(groups) == 0 && len(chips) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(name)
		b.WriteByte('(')
		parts := make([]string, 0, len(groups)+len(chips))
		for i := range groups {
			terms := make([]string, 0, len(groups[i].Criteria))
			for j := range groups[i].Criteria {
				c := &groups[i].Criteria[j]
				if c.HasCriteria() {
					terms = append(terms, string(c.Field)+"="+c.Value)
				}
			}
			parts = append(parts, "["+strings.Join(terms, " & ")+"]")
		}
		for i := range chips {
			parts = append(parts, string(chips[i].Field)+"="+chips[i].Value)
		}
		b.WriteString(strings.Join(parts, " | "))
		b.WriteByte(')')
	}
	writeSide("include", e.includeGroups, e.includeChips)
	writeSide("exclude", e.excludeGroups, e.excludeChips)
	return b.String()
}
