package presscache

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/presscache/cache"
	cachestatus "github.com/always-cache/presscache/pkg/cache-status"
)

// Response is a fully negotiated response.
// Nothing is sent to the client until Write is called,
// so the encoding decision is final before any header goes out.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Write sends the response to the client and returns the number of body bytes written.
func (res *Response) Write(w http.ResponseWriter) (int, error) {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	return w.Write(res.Body)
}

// Negotiate resolves the key in the store for the content type and builds the response.
//
// A missing or expired key results in an explanatory comment, served with status 200,
// so that a page referencing an old key does not break loudly.
// If gzip is enabled and accepted by the client, the body is gzipped;
// should that fail, the uncompressed body is served instead.
// An error is only returned if the store could not be read.
func (p *Press) Negotiate(ctx context.Context, ct cache.ContentType, key string, acceptEncoding string) (*Response, error) {
	logger := p.ctxLogger(ctx)
	artifact, ok, err := p.Store(ct).Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Debug().Str("key", key).Str("type", ct.Short()).Msg("Key not found")
		return p.badResponse(ct), nil
	}

	res := &Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
	}
	p.strategy.Headers(res.Header, p.now())
	res.Header.Set("Content-Type", ct.MimeType())
	if artifact.Name != "" {
		res.Header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", artifact.Name))
	}
	if !artifact.LastModified.IsZero() {
		res.Header.Set("Last-Modified", artifact.LastModified.UTC().Format(http.TimeFormat))
	}
	var cs cachestatus.CacheStatus
	cs.Hit()
	res.Header.Set("Cache-Status", cs.String())

	body := artifact.Body
	if p.gzipEnabled && acceptsGzip(acceptEncoding) {
		if compressed, err := p.encoder.CompressBytes(body); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Unable to compress output, sending it uncompressed")
		} else {
			res.Header.Set("Content-Encoding", "gzip")
			body = compressed
		}
	}
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Body = body
	return res, nil
}

// badResponse explains in a comment why the bundle could not be served.
// It carries no cache headers that would let the browser keep it.
func (p *Press) badResponse(ct cache.ContentType) *Response {
	var b strings.Builder
	b.WriteString("/*\n")
	fmt.Fprintf(&b, "The compressed %s file could not be found.\n", ct)
	b.WriteString("This can happen for two reasons:\n")
	b.WriteString("1. More time passed between rendering the page on the server and the browser ")
	b.WriteString("requesting the compressed file than the key storage time allows. ")
	fmt.Fprintf(&b, "(The key storage time is currently configured to be %s.)\n", p.keyStorageTime)
	b.WriteString("2. An exception was thrown while rendering the page.\n")
	b.WriteString("*/")

	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdReasonUriMiss)
	body := []byte(b.String())
	header := make(http.Header)
	header.Set("Content-Type", ct.MimeType())
	header.Set("Cache-Control", "no-cache")
	header.Set("Cache-Status", cs.String())
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
	}
}

// acceptsGzip reports whether the Accept-Encoding value lists gzip (or x-gzip)
// with a non-zero quality.
func acceptsGzip(acceptEncoding string) bool {
	for _, item := range strings.Split(acceptEncoding, ",") {
		params := strings.Split(item, ";")
		coding := strings.ToLower(strings.TrimSpace(params[0]))
		if coding != "gzip" && coding != "x-gzip" {
			continue
		}
		if qualityOf(params[1:]) > 0 {
			return true
		}
	}
	return false
}

// qualityOf returns the q parameter value, 1 if absent.
func qualityOf(params []string) float64 {
	for _, param := range params {
		name, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || strings.ToLower(strings.TrimSpace(name)) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0
		}
		return q
	}
	return 1
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
