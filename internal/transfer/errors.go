package transfer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrNotFound is returned for a code that is unknown, already downloaded or expired.
// The three cases are deliberately indistinguishable to callers.
var ErrNotFound = errors.New("transfer not found")

// UnsupportedTypeError is returned when an upload's content type is not on the allow-list.
// Nothing has been stored when it is returned.
type UnsupportedTypeError struct {
	ContentType string   // Normalized type that was rejected ("" when none could be determined)
	Allowed     []string // Accepted types, for the client-facing message
}

func (e *UnsupportedTypeError) Error() string {
	ct := e.ContentType
	if ct == "" {
		ct = "unknown"
	}

	return fmt.Sprintf("file type %s is not allowed; supported types: %s", ct, strings.Join(e.Allowed, ", "))
}

// SizeExceededError is returned when an upload is larger than the configured ceiling.
// Any partially written bytes have been removed.
type SizeExceededError struct {
	Limit int64 // Ceiling in bytes
	Err   error // Underlying error, if any
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("file size too large; maximum size is %s", humanize.IBytes(uint64(e.Limit)))
}

func (e *SizeExceededError) Unwrap() error {
	return e.Err
}

// IOFailureError represents a storage or registry failure. Its message is for logs;
// callers outside the service should only learn that the operation failed.
type IOFailureError struct {
	Operation string // The operation that failed (e.g., "store_blob", "register_transfer")
	Err       error  // Underlying error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Operation, e.Err)
}

func (e *IOFailureError) Unwrap() error {
	return e.Err
}
