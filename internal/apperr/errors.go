// Package apperr defines the error taxonomy shared by the annotation core.
//
// Every failure returned to a caller belongs to one class. The class tells the
// caller what to do about it: retry later (Conflict, Unavailable), fix the
// input (InvalidInput), or stop asking (NotFound, Exhausted). Specific failure
// kinds are sentinels wrapped by a class, so both apperr.Conflict.Has(err) and
// errors.Is(err, apperr.ErrUserBusy) hold.
package apperr

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

var (
	NotFound     = errs.Class("not found")
	Conflict     = errs.Class("conflict")
	InvalidInput = errs.Class("invalid input")
	Exhausted    = errs.Class("exhausted")
	Unavailable  = errs.Class("unavailable")
)

var (
	ErrUnknownProject   = errors.New("unknown project")
	ErrUnknownScheme    = errors.New("unknown scheme")
	ErrUnknownElement   = errors.New("unknown element")
	ErrUnknownFeature   = errors.New("unknown feature")
	ErrUnknownModel     = errors.New("unknown model")
	ErrUnknownLabel     = errors.New("unknown label")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyPending   = errors.New("already pending")
	ErrStillPending     = errors.New("still pending")
	ErrAlreadyTraining  = errors.New("already training")
	ErrUserBusy         = errors.New("user busy")
	ErrNameCollision    = errors.New("name collision")
	ErrBusy             = errors.New("job in flight")
	ErrInvalidLabel     = errors.New("invalid label")
	ErrNoFeature        = errors.New("no feature")
	ErrNoModelAvailable = errors.New("no model available")
	ErrNotTrained       = errors.New("not trained")
	ErrExhausted        = errors.New("no candidate left")
)

// Newf wraps sentinel in class with a formatted context prefix. The class is
// taken by pointer since errs matches classes by address.
func Newf(class *errs.Class, sentinel error, format string, args ...interface{}) error {
	return class.Wrap(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel))
}

// KindOf names the class of err, or "internal" for unclassified errors.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case NotFound.Has(err):
		return "not_found"
	case Conflict.Has(err):
		return "conflict"
	case InvalidInput.Has(err):
		return "invalid_input"
	case Exhausted.Has(err):
		return "exhausted"
	case Unavailable.Has(err):
		return "unavailable"
	}
	return "internal"
}

// Retryable reports whether the same request may succeed later without changes.
func Retryable(err error) bool {
	return Conflict.Has(err) || Unavailable.Has(err)
}
