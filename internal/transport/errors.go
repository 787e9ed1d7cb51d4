package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a scan transport failure. The polling supervisor keys its
// backoff and error-surfacing policy off this, never off error strings.
type Kind int

const (
	// KindNotFound means the scanner binary does not exist.
	KindNotFound Kind = iota
	// KindSpawn means the subprocess could not be started.
	KindSpawn
	// KindTimeout means the supervisory deadline elapsed.
	KindTimeout
	// KindNonZeroExit means the scanner exited non-zero without a parseable
	// error report.
	KindNonZeroExit
	// KindJSON means stdout was not a valid scan report.
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindSpawn:
		return "spawn"
	case KindTimeout:
		return "timeout"
	case KindNonZeroExit:
		return "non-zero-exit"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Error is a classified scan transport failure.
type Error struct {
	Kind   Kind
	Code   int    // exit code, for KindNonZeroExit
	Stderr string // captured stderr tail, for KindNonZeroExit
	Offset int64  // byte offset of the parse failure, for KindJSON
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNonZeroExit:
		return fmt.Sprintf("scanner exited with code %d: %s", e.Code, e.Detail)
	case KindJSON:
		return fmt.Sprintf("scanner output invalid at offset %d: %s", e.Offset, e.Detail)
	default:
		if e.Err != nil {
			return fmt.Sprintf("scanner %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("scanner %s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or ok=false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
