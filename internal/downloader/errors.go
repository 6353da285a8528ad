package downloader

import "errors"

var (
	ErrNotFound           = errors.New("transfer not found")
	ErrInvalidURL         = errors.New("invalid download url")
	ErrNoDestination      = errors.New("no destination given and no default download directory configured")
	ErrInvalidTransition  = errors.New("operation not allowed in the current state")
	ErrNoChallengeSupport = errors.New("transfer has no verification step")
)
