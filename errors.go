package presscache

import "go.trai.ch/zerr"

var (
	// ErrClearDisabled is returned when clearing the cache is not enabled in the configuration.
	ErrClearDisabled = zerr.New("clearing the cache is disabled")

	// ErrNoSourceFiles is returned when a bundle is built without source files.
	ErrNoSourceFiles = zerr.New("bundle has no source files")

	// ErrSourceRead is returned when a bundle source file cannot be read.
	ErrSourceRead = zerr.New("failed to read bundle source file")
)
