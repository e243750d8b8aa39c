package cache

import (
	"strings"
	"time"
)

// ContentType is the kind of bundle an artifact holds.
type ContentType int

const (
	JavaScript ContentType = iota
	CSS
)

// String returns the display name used in messages, e.g. "JavaScript".
func (c ContentType) String() string {
	switch c {
	case JavaScript:
		return "JavaScript"
	case CSS:
		return "CSS"
	default:
		return "unknown"
	}
}

// Short returns the short name used in routes and admin messages, e.g. "JS".
func (c ContentType) Short() string {
	switch c {
	case JavaScript:
		return "JS"
	case CSS:
		return "CSS"
	default:
		return "unknown"
	}
}

// MimeType returns the value for the Content-Type header.
func (c ContentType) MimeType() string {
	switch c {
	case CSS:
		return "text/css; charset=utf-8"
	default:
		return "text/javascript; charset=utf-8"
	}
}

// Extension returns the file extension (with dot) for bundles of this type.
func (c ContentType) Extension() string {
	if c == CSS {
		return ".css"
	}
	return ".js"
}

// ParseContentType parses "js", "javascript" or "css".
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(s) {
	case "js", "javascript":
		return JavaScript, nil
	case "css":
		return CSS, nil
	}
	return 0, ErrUnknownContentType
}

// Artifact is a compiled bundle.
// Body must not be modified once the artifact has been stored.
type Artifact struct {
	Key          string
	ContentType  ContentType
	Name         string
	Body         []byte
	LastModified time.Time
}

// clone returns a copy of a that does not share its body with the caller.
func (a Artifact) clone() Artifact {
	body := make([]byte, len(a.Body))
	copy(body, a.Body)
	a.Body = body
	return a
}
