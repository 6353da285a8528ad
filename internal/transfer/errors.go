package transfer

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by the write path when the transfer left the running
// state. It is never reported as a failure.
var ErrAborted = errors.New("transfer aborted")

// MetadataError reports a probe that failed or omitted the content length. The
// transfer degrades to unknown-size mode; this error is only logged.
type MetadataError struct {
	URL string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata unavailable for %s: %v", e.URL, e.Err)
}

func (e *MetadataError) Unwrap() error {
	return e.Err
}

// ResumeMismatchError reports on-disk state that disagrees with the recorded
// progress. The transfer restarts from scratch.
type ResumeMismatchError struct {
	Path      string
	OnDisk    int64
	Completed int64
	Total     int64
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("resume mismatch for %s: %d bytes on disk, %d recorded, %d total",
		e.Path, e.OnDisk, e.Completed, e.Total)
}

// ParseError reports a scraped page that lacks an expected marker or field.
// It is fatal to the pipeline that produced it.
type ParseError struct {
	Stage  string // The pipeline stage whose output failed to parse
	Marker string // The marker or field that was expected
	Err    error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: missing %s", e.Stage, e.Marker)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures and unexpected HTTP responses.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "probe", "fetch_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// WriteError represents a failure to write the destination file. The file is left
// in its last written state and the completed counter still matches it.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write error on %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Reason returns a short, bounded label for err suitable for metrics and API payloads.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var (
		parseErr   *ParseError
		networkErr *NetworkError
		writeErr   *WriteError
	)

	switch {
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &networkErr):
		return "network"
	case errors.As(err, &writeErr):
		return "write"
	default:
		return "other"
	}
}
