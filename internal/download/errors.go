package download

import "errors"

var (
	// ErrDownloadInProgress rejects a second concurrent session.
	ErrDownloadInProgress = errors.New("download already in progress")
	// ErrInvalidRegion wraps the calculator validation error.
	ErrInvalidRegion = errors.New("invalid region")
	// ErrStorageUnavailable ends a session after repeated write failures.
	ErrStorageUnavailable = errors.New("tile storage unavailable")
)
