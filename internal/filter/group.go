package filter

import "github.com/sgerhart/aegisflux/analyzer/internal/model"

// Group is an AND-combination of criteria. There is no OR group: OR at the
// single-group level is expressed as independent chips.
type Group struct {
	Criteria []Criterion
	Exclude  bool
}

// NewGroup builds a group; the exclude flag is stamped onto every criterion
func NewGroup(criteria []Criterion, exclude bool) Group {
	g := Group{Criteria: make([]Criterion, len(criteria)), Exclude: exclude}
	copy(g.Criteria, criteria)
	for i := range g.Criteria {
		g.Criteria[i].Exclude = exclude
	}
	return g
}

// HasCriteria reports whether at least one criterion carries a value
func (g *Group) HasCriteria() bool {
	for i := range g.Criteria {
		if g.Criteria[i].HasCriteria() {
			return true
		}
	}
	return false
}

// Matches requires every populated criterion to match. A group without any
// populated criterion matches nothing.
func (g *Group) Matches(r *model.Record) bool {
	populated := false
	for i := range g.Criteria {
		c := &g.Criteria[i]
		if !c.HasCriteria() {
			continue
		}
		populated = true
		if !c.Matches(r) {
			return false
		}
	}
	return populated
}

// ChipKind tags where a chip came from
type ChipKind int

const (
	UserAuthored ChipKind = iota
	QuickFilterDerived
)

func (k ChipKind) String() string {
	if k == QuickFilterDerived {
		return "quick_filter"
	}
	return "user"
}

// Chip is a single-criterion predicate. Quick-filter chips carry the catalog
// code they were produced from.
type Chip struct {
	Criterion
	Kind ChipKind
	Code string
}

// NewChip builds a user-authored chip
func NewChip(field Field, value string, exclude bool) Chip {
	return Chip{Criterion: NewCriterion(field, value, exclude), Kind: UserAuthored}
}

// Matches evaluates the chip; an empty chip matches nothing
func (c *Chip) Matches(r *model.Record) bool {
	if !c.HasCriteria() {
		return false
	}
	return c.Criterion.Matches(r)
}
