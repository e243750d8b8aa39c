package presscache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/always-cache/presscache/cache"
	cachekey "github.com/always-cache/presscache/pkg/cache-key"
	strategy "github.com/always-cache/presscache/pkg/caching-strategy"
	gzipencoder "github.com/always-cache/presscache/pkg/gzip-encoder"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultPrefix is the path under which the routes are mounted if none is configured.
const DefaultPrefix = "/press"

type Config struct {
	// Caching strategy. Read once; changing it at runtime is not supported.
	Strategy strategy.Strategy
	// Gzip responses for clients that accept it.
	GzipEnabled bool
	// Allow the clear-js and clear-css routes.
	// Clearing makes pages rendered just before fail to load their bundles.
	ClearEnabled bool
	// How long a key minted for a page render stays valid if never requested.
	// It is also shown to the user when a key cannot be found.
	KeyStorageTime time.Duration
	// Storage for script and style bundles.
	// In-memory stores are created if nil.
	Scripts cache.Store
	Styles  cache.Store
	// Gzip encoder settings.
	Encoder gzipencoder.Encoder
	// Path prefix the routes are mounted under. Defaults to DefaultPrefix.
	Prefix string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Press serves compressed bundles and manages their stores.
type Press struct {
	strategy       strategy.Strategy
	gzipEnabled    bool
	clearEnabled   bool
	keyStorageTime time.Duration
	scripts        cache.Store
	styles         cache.Store
	encoder        gzipencoder.Encoder
	prefix         string
	log            zerolog.Logger
	now            func() time.Time
	router         chi.Router
}

// StoreOptions returns the store options that implement the given strategy.
func StoreOptions(s strategy.Strategy, keyStorageTime time.Duration) cache.Options {
	return cache.Options{
		KeyStorageTime:    keyStorageTime,
		ExpireUnconfirmed: s.ExpiresUnconfirmed(),
		ConsumeOnRead:     s.ConsumeOnRead(),
	}
}

// New creates the press instance and sets up its routes.
func New(config Config) *Press {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Strategy.Name() == "" {
		config.Strategy = strategy.Change
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("strategy", config.Strategy.Name()).
		Logger()

	p := &Press{
		strategy:       config.Strategy,
		gzipEnabled:    config.GzipEnabled,
		clearEnabled:   config.ClearEnabled,
		keyStorageTime: config.KeyStorageTime,
		scripts:        config.Scripts,
		styles:         config.Styles,
		encoder:        config.Encoder,
		prefix:         strings.TrimRight(config.Prefix, "/"),
		log:            logger,
		now:            config.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.prefix == "" {
		p.prefix = DefaultPrefix
	}
	opts := StoreOptions(p.strategy, p.keyStorageTime)
	opts.Now = config.Now
	if p.scripts == nil {
		p.scripts = cache.NewMemStore(opts)
	}
	if p.styles == nil {
		p.styles = cache.NewMemStore(opts)
	}

	p.router = chi.NewRouter()
	p.router.Use(hlog.NewHandler(p.log))
	p.router.Use(hlog.RequestIDHandler("req", "X-Request-Id"))
	p.router.Route(p.prefix, func(r chi.Router) {
		r.Get("/js/{key}", p.ServeJS)
		r.Get("/css/{key}", p.ServeCSS)
		r.Get("/clear-js", p.ClearJS)
		r.Get("/clear-css", p.ClearCSS)
	})

	return p
}

// ServeHTTP implements the http.Handler interface.
func (p *Press) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// Store returns the store for the given content type.
func (p *Press) Store(ct cache.ContentType) cache.Store {
	if ct == cache.CSS {
		return p.styles
	}
	return p.scripts
}

func (p *Press) Strategy() strategy.Strategy {
	return p.strategy
}

// URL returns the path a page should reference to load the bundle with the given key.
func (p *Press) URL(ct cache.ContentType, key string) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, strings.ToLower(ct.Short()), cachekey.Escape(key))
}

// ClearCache removes all bundles of the given type.
// It returns ErrClearDisabled if clearing is not enabled.
func (p *Press) ClearCache(ctx context.Context, ct cache.ContentType) (int, error) {
	if !p.clearEnabled {
		return 0, ErrClearDisabled
	}
	count, err := p.Store(ct).Clear(ctx)
	if err != nil {
		return 0, err
	}
	p.log.Info().Str("type", ct.Short()).Int("count", count).Msg("Cleared cache")
	return count, nil
}

func (p *Press) ServeJS(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, cache.JavaScript)
}

func (p *Press) ServeCSS(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r, cache.CSS)
}

func (p *Press) ClearJS(w http.ResponseWriter, r *http.Request) {
	p.clear(w, r, cache.JavaScript)
}

func (p *Press) ClearCSS(w http.ResponseWriter, r *http.Request) {
	p.clear(w, r, cache.CSS)
}

func (p *Press) serve(w http.ResponseWriter, r *http.Request, ct cache.ContentType) {
	logger := p.getLogger(r)

	key := chi.URLParam(r, "key")
	// chi matches on the raw path when the path contains escaped characters
	if r.URL.RawPath != "" {
		unescaped, err := cachekey.Unescape(key)
		if err != nil {
			logger.Debug().Err(err).Str("key", key).Msg("Could not unescape key")
			http.Error(w, "Invalid key", http.StatusBadRequest)
			return
		}
		key = unescaped
	}

	// resolving may consume the key, so a client that is already gone must not get that far
	if err := r.Context().Err(); err != nil {
		logger.Debug().Err(err).Str("key", key).Msg("Client went away, not resolving key")
		return
	}

	res, err := p.Negotiate(r.Context(), ct, key, r.Header.Get("Accept-Encoding"))
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not resolve key")
		http.Error(w, "Could not read compressed file", http.StatusInternalServerError)
		return
	}
	if err := r.Context().Err(); err != nil {
		logger.Debug().Err(err).Str("key", key).Msg("Client went away, not writing response")
		return
	}
	bytesWritten, err := res.Write(w)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logger.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("key", key).
		Str("cacheStatus", res.Header.Get("Cache-Status")).
		Str("encoding", res.Header.Get("Content-Encoding")).
		Int("bytes", bytesWritten).
		Msg("Sending response to client")
}

func (p *Press) clear(w http.ResponseWriter, r *http.Request, ct cache.ContentType) {
	logger := p.getLogger(r)
	count, err := p.ClearCache(r.Context(), ct)
	if errors.Is(err, ErrClearDisabled) {
		logger.Warn().Str("type", ct.Short()).Msg("Refusing to clear cache, clearing is disabled")
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("type", ct.Short()).Msg("Could not clear cache")
		http.Error(w, "Could not clear cache", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Cleared %d %s files from cache", count, ct.Short())
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the press logger.
func (p *Press) getLogger(r *http.Request) *zerolog.Logger {
	return p.ctxLogger(r.Context())
}

func (p *Press) ctxLogger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &p.log
	}
	return logger
}
