package filter

import "errors"

var (
	// ErrUnknownQuickFilter is returned for a quick-filter code not in the catalog
	ErrUnknownQuickFilter = errors.New("unknown quick filter")

	// ErrSuperseded is returned by Applier when a newer filter operation on the
	// same target cancelled this one
	ErrSuperseded = errors.New("filter operation superseded")
)

// ValidationError represents a descriptor validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
