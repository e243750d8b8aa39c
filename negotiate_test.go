package presscache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/always-cache/presscache/cache"
	strategy "github.com/always-cache/presscache/pkg/caching-strategy"
	gzipencoder "github.com/always-cache/presscache/pkg/gzip-encoder"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow  = time.Date(2023, time.June, 15, 10, 0, 0, 0, time.UTC)
	script   = []byte("(function(){var greeting='hello';console.log(greeting);})();\n")
	styles   = []byte("body{margin:0;padding:0}\n")
	nopLog   = zerolog.Nop()
	testTime = func() time.Time { return testNow }
)

func newTestPress(t *testing.T, config Config) *Press {
	t.Helper()
	config.Logger = &nopLog
	if config.Now == nil {
		config.Now = testTime
	}
	if config.KeyStorageTime == 0 {
		config.KeyStorageTime = 2 * time.Minute
	}
	return New(config)
}

func put(t *testing.T, p *Press, ct cache.ContentType, key string, body []byte) {
	t.Helper()
	require.NoError(t, p.Store(ct).Put(context.Background(), cache.Artifact{
		Key:         key,
		ContentType: ct,
		Name:        "bundle" + ct.Extension(),
		Body:        body,
	}))
}

func gunzip(t *testing.T, b []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func TestNegotiateGzip(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Change, GzipEnabled: true})
	put(t, p, cache.JavaScript, "k", script)

	res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "gzip, deflate, br")
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.Equal(t, strconv.Itoa(len(res.Body)), res.Header.Get("Content-Length"))
	assert.Equal(t, script, gunzip(t, res.Body))
	assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
	assert.Equal(t, "max-age=31536000", res.Header.Get("Cache-Control"))
	assert.Equal(t, "Sat, 15 Jun 2024 10:00:00 GMT", res.Header.Get("Expires"))
	assert.Equal(t, "PressCache; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, "text/javascript; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestNegotiateWithoutAcceptEncoding(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Change, GzipEnabled: true})
	put(t, p, cache.CSS, "k", styles)

	res, err := p.Negotiate(context.Background(), cache.CSS, "k", "")
	require.NoError(t, err)

	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, styles, res.Body)
	assert.Equal(t, strconv.Itoa(len(styles)), res.Header.Get("Content-Length"))
	assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"))
	assert.Equal(t, "text/css; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestNegotiateGzipDisabled(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Change})
	put(t, p, cache.JavaScript, "k", script)

	res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "gzip")
	require.NoError(t, err)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, script, res.Body)
}

func TestNegotiateCompressionFailureFallsBack(t *testing.T) {
	// an invalid level makes every compression attempt fail
	p := newTestPress(t, Config{GzipEnabled: true, Encoder: gzipencoder.Encoder{Level: 99}})
	put(t, p, cache.JavaScript, "k", script)

	res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "gzip")
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, script, res.Body)
	assert.Equal(t, strconv.Itoa(len(script)), res.Header.Get("Content-Length"))
}

func TestNegotiateMiss(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Change, GzipEnabled: true, KeyStorageTime: 90 * time.Second})

	res, err := p.Negotiate(context.Background(), cache.CSS, "missing", "gzip")
	require.NoError(t, err)

	body := string(res.Body)
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, body, "1m30s")
	assert.Contains(t, body, "CSS")
	assert.Contains(t, body, "key storage time")
	assert.Contains(t, body, "exception was thrown while rendering the page")
	assert.True(t, bytes.HasPrefix(res.Body, []byte("/*")))
	assert.True(t, bytes.HasSuffix(res.Body, []byte("*/")))
	assert.NotContains(t, res.Header.Get("Cache-Control"), "max-age")
	assert.Empty(t, res.Header.Get("Expires"))
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "PressCache; fwd=uri-miss", res.Header.Get("Cache-Status"))
}

func TestNegotiateStrategyHeaders(t *testing.T) {
	for _, s := range []strategy.Strategy{strategy.Always, strategy.Never} {
		p := newTestPress(t, Config{Strategy: s})
		put(t, p, cache.JavaScript, "k", script)
		res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "")
		require.NoError(t, err)
		assert.NotContains(t, res.Header.Get("Cache-Control"), "max-age", s.Name())
		assert.Empty(t, res.Header.Get("Expires"), s.Name())
		assert.Equal(t, "Accept-Encoding", res.Header.Get("Vary"), s.Name())
	}
}

func TestNegotiateP3P(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Change.WithP3P(`CP="NOI"`)})
	put(t, p, cache.JavaScript, "k", script)
	res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "")
	require.NoError(t, err)
	assert.Equal(t, `CP="NOI"`, res.Header.Get("P3P"))
}

func TestNegotiateNeverServesOnce(t *testing.T) {
	p := newTestPress(t, Config{Strategy: strategy.Never})
	put(t, p, cache.JavaScript, "k", script)

	res, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "")
	require.NoError(t, err)
	assert.Equal(t, script, res.Body)

	res, err = p.Negotiate(context.Background(), cache.JavaScript, "k", "")
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "could not be found")
}

type failingStore struct {
	cache.MemStore
}

func (failingStore) Get(context.Context, string) (cache.Artifact, bool, error) {
	return cache.Artifact{}, false, errors.New("disk unreadable")
}

func TestNegotiateStoreError(t *testing.T) {
	p := newTestPress(t, Config{Scripts: failingStore{cache.NewMemStore(cache.Options{})}})
	_, err := p.Negotiate(context.Background(), cache.JavaScript, "k", "")
	require.Error(t, err)
}

func TestAcceptsGzip(t *testing.T) {
	for header, want := range map[string]bool{
		"":                     false,
		"gzip":                 true,
		"GZIP":                 true,
		"deflate, gzip;q=1.0":  true,
		"br;q=1.0, gzip;q=0.8": true,
		"gzip;q=0":             false,
		"gzip; q=0.0, deflate": false,
		"x-gzip":               true,
		"deflate, br":          false,
		"identity":             false,
		"gzipped":              false,
		"gzip;level=1":         true,
		"gzip;q=bogus":         false,
	} {
		assert.Equal(t, want, acceptsGzip(header), header)
	}
}
