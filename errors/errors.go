package errors

import (
	"errors"
	"fmt"
)

var ErrUnsupported = errors.ErrUnsupported

type wrappedError struct {
	cause error
	msg   string
}

func (w *wrappedError) Error() string {
	return w.msg + ": " + w.cause.Error()
}

func (w *wrappedError) Unwrap() error {
	return w.cause
}

// New calls [errors.New].
//
//go:inline
func New(text string) error {
	return errors.New(text) //nolint:err113
}

// Errorf calls [fmt.Errorf].
//
//go:inline
func Errorf(format string, vals ...any) error {
	return fmt.Errorf(format, vals...) //nolint:err113
}

func Wrap(cause error, text string) error {
	if cause == nil {
		return nil
	}

	if text == "" {
		return cause
	}

	return &wrappedError{cause: cause, msg: text}
}

func Wrapf(cause error, format string, vals ...any) error {
	if cause == nil {
		return nil
	}

	msg := fmt.Sprintf(format, vals...)
	if msg == "" {
		return cause
	}

	return &wrappedError{cause: cause, msg: msg}
}

// FatalError stops a sync job. It is never retried internally; Action tells the
// operator what to do about it.
type FatalError struct {
	cause  error
	Action string
}

func (e *FatalError) Error() string {
	if e.Action == "" {
		return e.cause.Error()
	}

	return e.cause.Error() + " (action: " + e.Action + ")"
}

func (e *FatalError) Unwrap() error {
	return e.cause
}

// Fatal marks cause as fatal for the job. It returns nil for a nil cause.
func Fatal(cause error, action string) error {
	if cause == nil {
		return nil
	}

	var fe *FatalError
	if errors.As(cause, &fe) {
		return cause
	}

	return &FatalError{cause: cause, Action: action}
}

// IsFatal reports whether any error in err's chain is a [FatalError].
func IsFatal(err error) bool {
	var fe *FatalError

	return errors.As(err, &fe)
}

// FatalAction returns the operator action of the first [FatalError] in err's
// chain, or an empty string.
func FatalAction(err error) string {
	var fe *FatalError
	if !errors.As(err, &fe) {
		return ""
	}

	return fe.Action
}

// Join calls [errors.Join].
//
//go:inline
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is calls [errors.Is].
//
//go:inline
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As calls [errors.As].
//
//go:inline
func As(err error, target any) bool {
	return errors.As(err, target)
}
