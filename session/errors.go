package session

import "fmt"

// Code classifies a failed build.
type Code string

const (
	CodeEntryNotFound    Code = "ENTRY_NOT_FOUND"
	CodeInvalidEntryGlob Code = "INVALID_ENTRY_GLOB"
	CodeEntryUnreadable  Code = "ENTRY_UNREADABLE"
	CodeCacheFailed      Code = "CACHE_FAILED"
	CodeScanFailed       Code = "SCAN_FAILED"
)

// Error is returned by Build and Update for conditions that abort a build.
// A later call with corrected input recovers.
type Error struct {
	Code    Code
	Message string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, &session.Error{Code: session.CodeEntryNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, path string, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path, Err: err}
}
