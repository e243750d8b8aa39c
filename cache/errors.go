package cache

import "go.trai.ch/zerr"

var (
	// ErrStoreRead is returned when a stored artifact could not be read back.
	ErrStoreRead = zerr.New("failed to read artifact from store")

	// ErrStoreWrite is returned when an artifact could not be stored.
	ErrStoreWrite = zerr.New("failed to write artifact to store")

	// ErrStoreOpen is returned when the persistent store could not be opened.
	ErrStoreOpen = zerr.New("failed to open artifact store")

	// ErrEmptyKey is returned when storing an artifact without a key.
	ErrEmptyKey = zerr.New("artifact key is empty")

	// ErrUnknownContentType is returned for bundle types other than js and css.
	ErrUnknownContentType = zerr.New("unknown content type, expected 'js' or 'css'")
)
