package launchscript

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

var (
	// ErrAnchorNotFound means the line or clause an edit needs is not in the script.
	ErrAnchorNotFound = errors.Base("anchor not found")
	// ErrNoToken means the requested value has no spelling in the token tables.
	ErrNoToken = errors.Base("value has no script token")
	// ErrInvalidValue means the change itself is malformed.
	ErrInvalidValue = errors.Base("invalid value")
	// ErrUnverified means the rewritten script does not extract to the requested value.
	ErrUnverified = errors.Base("rewrite did not take effect")
)

// RewriteError reports a change that could not be applied. The input script
// is never partially modified when one is returned.
type RewriteError struct {
	Field  string
	Anchor string
	Err    error
}

func (e *RewriteError) Error() string {
	if e.Anchor == "" {
		return fmt.Sprintf("rewriting %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("rewriting %s (%s): %v", e.Field, e.Anchor, e.Err)
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}

func rewriteError(field, anchor string, err error) error {
	return errors.WithStack(&RewriteError{Field: field, Anchor: anchor, Err: err})
}
