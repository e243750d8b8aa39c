package strategy

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.trai.ch/zerr"
)

var ErrUnknownStrategy = zerr.New("unknown caching strategy, expected 'always', 'never' or 'change'")

// OneYear is the browser cache lifetime for versioned keys.
const OneYear = 365 * 24 * time.Hour

// Strategy decides the shape of cache keys, how long stored bundles live,
// and which caching headers the browser gets.
// It is chosen once at startup.
type Strategy struct {
	name string
	// key embeds a content version token
	versioned bool
	// key is minted per page render
	unique  bool
	headers func(h http.Header, now time.Time)
}

var (
	// Always keeps bundles until cleared. The key carries no version, so the
	// browser must not cache: it would keep old copies after a server-side change.
	Always = Strategy{
		name:    "always",
		headers: cacheControl("no-cache"),
	}
	// Never mints a key per render and lets nobody cache the result.
	Never = Strategy{
		name:    "never",
		unique:  true,
		headers: cacheControl("no-store"),
	}
	// Change puts a version token in the key, so every version can be cached
	// by the browser indefinitely.
	Change = Strategy{
		name:      "change",
		versioned: true,
		headers:   cacheForAYear(""),
	}
)

// Parse returns the strategy for the given (case insensitive) name.
// The P3P header value is only emitted by Change, and only when not empty.
func Parse(name string, p3p string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always":
		return Always, nil
	case "never":
		return Never, nil
	case "change", "":
		return Change.WithP3P(p3p), nil
	default:
		return Strategy{}, zerr.With(ErrUnknownStrategy, "strategy", name)
	}
}

// WithP3P returns a copy of s that also sends the given P3P header.
// It has no effect on strategies that do not allow browser caching.
func (s Strategy) WithP3P(p3p string) Strategy {
	if s.versioned {
		s.headers = cacheForAYear(p3p)
	}
	return s
}

func (s Strategy) Name() string {
	return s.name
}

func (s Strategy) String() string {
	return s.name
}

// VersionedKey reports whether keys must include a content version token.
func (s Strategy) VersionedKey() bool {
	return s.versioned
}

// UniqueKey reports whether a fresh key is minted for every page render.
func (s Strategy) UniqueKey() bool {
	return s.unique
}

// ConsumeOnRead reports whether a stored bundle is dropped after it has been served once.
func (s Strategy) ConsumeOnRead() bool {
	return s.unique
}

// ExpiresUnconfirmed reports whether bundles that were never requested age out
// after the key storage time. Version-stable keys never do.
func (s Strategy) ExpiresUnconfirmed() bool {
	return s.unique
}

// Headers sets the caching headers for a served bundle.
// Vary: Accept-Encoding is always set, so that intermediaries store the
// compressed and uncompressed variants separately.
func (s Strategy) Headers(h http.Header, now time.Time) {
	if s.headers != nil {
		s.headers(h, now)
	}
	h.Set("Vary", "Accept-Encoding")
}

func cacheControl(value string) func(http.Header, time.Time) {
	return func(h http.Header, _ time.Time) {
		h.Set("Cache-Control", value)
	}
}

func cacheForAYear(p3p string) func(http.Header, time.Time) {
	return func(h http.Header, now time.Time) {
		h.Set("Cache-Control", "max-age="+strconv.Itoa(int(OneYear/time.Second)))
		h.Set("Expires", ToHttpDate(now.AddDate(1, 0, 0)))
		if p3p != "" {
			h.Set("P3P", p3p)
		}
	}
}

// ToHttpDate formats t as an IMF-fixdate, e.g. `Sun, 06 Nov 1994 08:49:37 GMT`.
func ToHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
