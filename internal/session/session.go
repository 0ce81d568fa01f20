package session

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sgerhart/aegisflux/analyzer/internal/filter"
)

// Side selects the include or exclude half of a filter
type Side int

const (
	Include Side = iota
	Exclude
)

func (s Side) String() string {
	if s == Exclude {
		return "exclude"
	}
	return "include"
}

// Change lists the derived values a mutation actually changed. Unchanged
// values are reported with their *Changed flag false.
type Change struct {
	Expression        *filter.Expression
	ExpressionChanged bool

	FilterActive        bool
	FilterActiveChanged bool

	ChipCount        int
	ChipCountChanged bool
}

// Any reports whether anything changed
func (c Change) Any() bool {
	return c.ExpressionChanged || c.FilterActiveChanged || c.ChipCountChanged
}

// Session holds a filter being edited and recompiles it after every mutation
type Session struct {
	mu         sync.Mutex
	descriptor filter.Descriptor
	expr       *filter.Expression
	rendered   string
	logger     *slog.Logger
}

// New creates a session with an empty filter
func New(logger *slog.Logger) *Session {
	expr := filter.Empty()
	return &Session{
		expr:     expr,
		rendered: expr.String(),
		logger:   logger,
	}
}

// Expression returns the current compiled filter
func (s *Session) Expression() *filter.Expression {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Descriptor returns a copy of the descriptor being edited
func (s *Session) Descriptor() filter.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDescriptor(s.descriptor)
}

// Chips returns the compiled chips of a side, quick-filter chips included
func (s *Session) Chips(side Side) []filter.Chip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if side == Exclude {
		return s.expr.ExcludeChips()
	}
	return s.expr.IncludeChips()
}

// UserChips returns the user-authored chips of a side in descriptor order.
// RemoveChip indexes this list.
func (s *Session) UserChips(side Side) []filter.CriterionSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if side == Exclude {
		return append([]filter.CriterionSpec(nil), s.descriptor.ExcludeChips...)
	}
	return append([]filter.CriterionSpec(nil), s.descriptor.IncludeChips...)
}

// Groups returns the group drafts of a side in descriptor order.
// RemoveGroup indexes this list.
func (s *Session) Groups(side Side) []filter.GroupSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if side == Exclude {
		return cloneGroups(s.descriptor.ExcludeGroups)
	}
	return cloneGroups(s.descriptor.IncludeGroups)
}

// Load replaces the whole descriptor
func (s *Session) Load(d filter.Descriptor) (Change, error) {
	return s.mutate("load", func(next *filter.Descriptor) error {
		*next = cloneDescriptor(d)
		return nil
	})
}

// AddIncludeChip adds a user-authored include chip
func (s *Session) AddIncludeChip(field, value string) (Change, error) {
	return s.addChip(Include, field, value)
}

// AddExcludeChip adds a user-authored exclude chip
func (s *Session) AddExcludeChip(field, value string) (Change, error) {
	return s.addChip(Exclude, field, value)
}

func (s *Session) addChip(side Side, field, value string) (Change, error) {
	if strings.TrimSpace(value) == "" {
		return Change{}, &filter.ValidationError{Field: "value", Message: "chip value must not be empty"}
	}
	return s.mutate("add_chip", func(next *filter.Descriptor) error {
		spec := filter.CriterionSpec{Field: field, Value: value}
		if side == Exclude {
			next.ExcludeChips = append(next.ExcludeChips, spec)
		} else {
			next.IncludeChips = append(next.IncludeChips, spec)
		}
		return nil
	})
}

// RemoveChip removes the user-authored chip at index on a side, as listed
// by UserChips
func (s *Session) RemoveChip(side Side, index int) (Change, error) {
	return s.mutate("remove_chip", func(next *filter.Descriptor) error {
		chips := &next.IncludeChips
		if side == Exclude {
			chips = &next.ExcludeChips
		}
		if index < 0 || index >= len(*chips) {
			return &filter.ValidationError{Field: "index", Message: fmt.Sprintf("%s chip index %d out of range", side, index)}
		}
		*chips = append((*chips)[:index], (*chips)[index+1:]...)
		return nil
	})
}

// AddGroup adds a group draft to a side
func (s *Session) AddGroup(side Side, group filter.GroupSpec) (Change, error) {
	return s.mutate("add_group", func(next *filter.Descriptor) error {
		group = filter.GroupSpec{Criteria: append([]filter.CriterionSpec(nil), group.Criteria...)}
		if side == Exclude {
			next.ExcludeGroups = append(next.ExcludeGroups, group)
		} else {
			next.IncludeGroups = append(next.IncludeGroups, group)
		}
		return nil
	})
}

// RemoveGroup removes the group draft at index on a side, as listed by
// Groups
func (s *Session) RemoveGroup(side Side, index int) (Change, error) {
	return s.mutate("remove_group", func(next *filter.Descriptor) error {
		groups := &next.IncludeGroups
		if side == Exclude {
			groups = &next.ExcludeGroups
		}
		if index < 0 || index >= len(*groups) {
			return &filter.ValidationError{Field: "index", Message: fmt.Sprintf("%s group index %d out of range", side, index)}
		}
		*groups = append((*groups)[:index], (*groups)[index+1:]...)
		return nil
	})
}

// SetMode sets the AND/OR mode of a side
func (s *Session) SetMode(side Side, mode filter.Mode) (Change, error) {
	return s.mutate("set_mode", func(next *filter.Descriptor) error {
		if side == Exclude {
			next.ExcludeMode = mode
		} else {
			next.IncludeMode = mode
		}
		return nil
	})
}

// SetQuickFilter toggles a quick filter. Toggling on twice keeps one chip;
// toggling off removes only the chip the quick filter produced.
func (s *Session) SetQuickFilter(code string, on bool) (Change, error) {
	return s.mutate("set_quick_filter", func(next *filter.Descriptor) error {
		qf, ok := filter.LookupQuickFilter(code)
		if !ok {
			return fmt.Errorf("%w: %s", filter.ErrUnknownQuickFilter, code)
		}

		var kept []string
		present := false
		for _, c := range next.QuickFilters {
			if strings.EqualFold(c, qf.Code) {
				present = true
				if !on {
					continue
				}
			}
			kept = append(kept, c)
		}
		if on && !present {
			kept = append(kept, qf.Code)
		}
		next.QuickFilters = kept
		return nil
	})
}

// SetQuickFilterMode moves quick-filter chips to the include or exclude side
func (s *Session) SetQuickFilterMode(mode filter.QuickFilterMode) (Change, error) {
	return s.mutate("set_quick_filter_mode", func(next *filter.Descriptor) error {
		next.QuickFilterMode = mode
		return nil
	})
}

// Clear resets the session to the empty filter
func (s *Session) Clear() (Change, error) {
	return s.mutate("clear", func(next *filter.Descriptor) error {
		*next = filter.Descriptor{}
		return nil
	})
}

// mutate applies fn to a copy of the descriptor, recompiles, and commits
// only when compilation succeeds
func (s *Session) mutate(op string, fn func(next *filter.Descriptor) error) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneDescriptor(s.descriptor)
	if err := fn(&next); err != nil {
		return Change{}, err
	}
	expr, err := filter.Compile(next)
	if err != nil {
		return Change{}, fmt.Errorf("failed to compile filter: %w", err)
	}

	change := diff(s.expr, s.rendered, expr)
	s.descriptor = next
	s.expr = expr
	s.rendered = change.rendered

	if change.Any() {
		s.logger.Debug("Filter recompiled",
			"op", op,
			"filter_active", change.FilterActive,
			"chip_count", change.ChipCount,
			"expression", change.rendered)
	}
	return change.Change, nil
}

type renderedChange struct {
	Change
	rendered string
}

func diff(prev *filter.Expression, prevRendered string, next *filter.Expression) renderedChange {
	rendered := next.String()
	prevChips := chipCount(prev)
	nextChips := chipCount(next)
	return renderedChange{
		Change: Change{
			Expression:          next,
			ExpressionChanged:   rendered != prevRendered,
			FilterActive:        next.Active(),
			FilterActiveChanged: next.Active() != prev.Active(),
			ChipCount:           nextChips,
			ChipCountChanged:    nextChips != prevChips,
		},
		rendered: rendered,
	}
}

func chipCount(e *filter.Expression) int {
	return len(e.IncludeChips()) + len(e.ExcludeChips())
}

func cloneDescriptor(d filter.Descriptor) filter.Descriptor {
	out := d
	out.IncludeGroups = cloneGroups(d.IncludeGroups)
	out.ExcludeGroups = cloneGroups(d.ExcludeGroups)
	out.IncludeChips = append([]filter.CriterionSpec(nil), d.IncludeChips...)
	out.ExcludeChips = append([]filter.CriterionSpec(nil), d.ExcludeChips...)
	out.QuickFilters = append([]string(nil), d.QuickFilters...)
	return out
}

func cloneGroups(groups []filter.GroupSpec) []filter.GroupSpec {
	if groups == nil {
		return nil
	}
	out := make([]filter.GroupSpec, len(groups))
	for i, g := range groups {
		out[i] = filter.GroupSpec{Criteria: append([]filter.CriterionSpec(nil), g.Criteria...)}
	}
	return out
}
