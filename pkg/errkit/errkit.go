package errkit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Error is a structured, serializable workflow error resolved from the
// catalog. Construction logs the error immediately so failures are reported
// even when a caller swallows the return value.
type Error struct {
	Code        int            `json:"code"`
	Key         string         `json:"error_code_key"`
	Message     string         `json:"message"`
	Details     string         `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Cause       error          `json:"-"`
}

// New constructs a catalog error for key with optional detail text.
func New(key, details string) *Error {
	return Wrap(key, details, nil)
}

// Wrap constructs a catalog error wrapping an underlying cause.
func Wrap(key, details string, cause error) *Error {
	code, message, recoverable := Lookup(key)

	e := &Error{
		Code:        code,
		Key:         key,
		Message:     message,
		Details:     details,
		Recoverable: recoverable,
		Timestamp:   time.Now().UTC(),
		Cause:       cause,
	}

	e.log()

	return e
}

func (e *Error) log() {
	attrs := []any{
		"code", e.Code,
		"error_key", e.Key,
		"recoverable", e.Recoverable,
	}
	if e.Details != "" {
		attrs = append(attrs, "details", e.Details)
	}

	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause.Error())
	}

	slog.Error(e.Message, attrs...)
}

// With attaches a context value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}

	e.Context[key] = value

	return e
}

// Suggestion returns the remediation hint for this error's code.
func (e *Error) Suggestion() string {
	return Suggestion(e.Code)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%d %s] %s", e.Code, e.Key, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}

	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches two catalog errors by key, so callers can compare against a
// bare catalog error without caring about details or context.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Key == t.Key
	}

	return false
}

// IsRecoverable reports whether err is a catalog error flagged recoverable.
// Non-catalog errors report false here; the retry policy applies its own
// fail-open default for unknown errors.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}

	return false
}

// CodeOf extracts the catalog code from err, or 0 for non-catalog errors.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return 0
}

// KeyOf extracts the catalog key from err, or an empty string.
func KeyOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Key
	}

	return ""
}

// HasKey reports whether err is a catalog error with the given key.
func HasKey(err error, key string) bool {
	return KeyOf(err) == key
}
