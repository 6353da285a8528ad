package transfer

import (
	"net/url"
	"path"
	"strings"
)

// Kind names a transfer backend. Its extension selects the descriptor loader.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindHosting Kind = "hosting"
	KindVideo   Kind = "video"
)

// Extension returns the descriptor file extension written by transfers of this kind.
func (k Kind) Extension() string {
	return "." + string(k)
}

// KindForExtension maps a descriptor file extension to the kind that reads it.
func KindForExtension(ext string) (Kind, bool) {
	switch strings.ToLower(ext) {
	case ".http":
		return KindHTTP, true
	case ".hosting":
		return KindHosting, true
	case ".video", ".youtube":
		return KindVideo, true
	}

	return "", false
}

// StateChange is the payload of the state-changed signal. Err is set when the
// transition is the result of a failure.
type StateChange struct {
	State State
	Err   error
}

// Transfer is one logical download job, regardless of backend.
type Transfer interface {
	Kind() Kind
	Source() string
	Destination() string
	Title() string

	// SizeTotal is -1 until the remote length is known.
	SizeTotal() int64
	SizeCompleted() int64
	// TimeRemaining is an estimate in seconds, -1 when unknown.
	TimeRemaining() int64

	State() State
	// Err is the reason for the last failed transition, if any.
	Err() error

	// Queue marks a fresh, paused or stopped transfer as waiting for admission.
	Queue() bool
	Start() bool
	// Pause returns once the worker has stopped writing to the destination.
	Pause() bool
	Stop() bool
	Cancel() bool

	// Export writes the descriptor file used to resume after a restart.
	Export() error

	OnStateChanged(fn func(StateChange))
	OnPositionChanged(fn func())
}

// LastSegment returns the final path component of a URL, the fallback file name
// used when a destination resolves to a directory.
func LastSegment(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}

	if i := strings.LastIndex(rawURL, "/"); i >= 0 && i < len(rawURL)-1 {
		return rawURL[i+1:]
	}

	return "download"
}

// TokenAfterLastEquals returns the text following the last '=' in s, e.g. the
// video or file id in "http://host/watch?v=abc".
func TokenAfterLastEquals(s string) string {
	if i := strings.LastIndex(s, "="); i >= 0 {
		return s[i+1:]
	}

	return LastSegment(s)
}
