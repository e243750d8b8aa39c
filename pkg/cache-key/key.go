package cachekey

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	strategy "github.com/always-cache/presscache/pkg/caching-strategy"
	"github.com/cespare/xxhash/v2"
)

const versionSeparator = "-"

// Keyer mints cache keys for bundles.
// The shape of a key depends on the caching strategy:
//
//   - always: hash of the source file list only, so a rebuilt bundle reuses the key
//   - change: file list hash plus a version token of the content and its modification time
//   - never: file list hash plus a per-render nonce
type Keyer struct {
	strategy strategy.Strategy
	// distinguishes nonces across restarts
	epoch string
	seq   *atomic.Uint64
}

func NewKeyer(s strategy.Strategy) Keyer {
	return Keyer{
		strategy: s,
		epoch:    strconv.FormatInt(time.Now().UnixNano(), 36),
		seq:      &atomic.Uint64{},
	}
}

// Key returns the cache key for a bundle built from the given files.
// The order of files matters, since it is the order of concatenation.
func (k Keyer) Key(files []string, body []byte, lastModified time.Time) string {
	key := filesHash(files)
	switch {
	case k.strategy.VersionedKey():
		key += versionSeparator + versionToken(body, lastModified)
	case k.strategy.UniqueKey():
		key += versionSeparator + k.epoch + strconv.FormatUint(k.seq.Add(1), 36)
	}
	return key
}

func filesHash(files []string) string {
	digest := xxhash.New()
	for _, f := range files {
		digest.WriteString(f)
		// separator, so that ["ab", "c"] and ["a", "bc"] differ
		digest.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", digest.Sum64())
}

func versionToken(body []byte, lastModified time.Time) string {
	digest := xxhash.New()
	digest.Write(body)
	var ts [8]byte
	if !lastModified.IsZero() {
		binary.BigEndian.PutUint64(ts[:], uint64(lastModified.UnixNano()))
	}
	digest.Write(ts[:])
	return fmt.Sprintf("%016x", digest.Sum64())
}

// Escape makes a key safe to use as a single URL path segment.
func Escape(key string) string {
	return url.PathEscape(key)
}

// Unescape reverses Escape.
func Unescape(escaped string) (string, error) {
	return url.PathUnescape(escaped)
}
