package presscache

import (
	"bytes"
	"context"
	"io/fs"
	"time"

	"github.com/always-cache/presscache/cache"
	cachekey "github.com/always-cache/presscache/pkg/cache-key"
	"go.trai.ch/zerr"
)

// Bundle is a registered artifact and the URL pages use to load it.
type Bundle struct {
	cache.Artifact
	URL string
}

// Producer builds bundles from source files and registers them with the press.
// It concatenates; it does not minify.
type Producer struct {
	press *Press
	files fs.FS
	keyer cachekey.Keyer
}

// NewProducer creates a producer reading source files from files.
func NewProducer(press *Press, files fs.FS) *Producer {
	return &Producer{
		press: press,
		files: files,
		keyer: cachekey.NewKeyer(press.strategy),
	}
}

// Build concatenates the named files in order and registers the result.
// With the never strategy every call mints a new key, so Build is meant to be
// called for each page render; the returned URL is what the page should reference.
func (pr *Producer) Build(ctx context.Context, ct cache.ContentType, name string, files []string) (Bundle, error) {
	if len(files) == 0 {
		return Bundle{}, zerr.With(ErrNoSourceFiles, "bundle", name)
	}
	var (
		body         bytes.Buffer
		lastModified time.Time
	)
	for i, file := range files {
		content, err := fs.ReadFile(pr.files, file)
		if err != nil {
			return Bundle{}, zerr.With(zerr.Wrap(err, ErrSourceRead.Error()), "file", file)
		}
		if info, err := fs.Stat(pr.files, file); err == nil && info.ModTime().After(lastModified) {
			lastModified = info.ModTime()
		}
		if i > 0 {
			body.WriteByte('\n')
		}
		body.Write(content)
	}
	return pr.Register(ctx, ct, name, files, body.Bytes(), lastModified)
}

// Register stores an already built bundle under a key minted for the sources it was built from.
func (pr *Producer) Register(ctx context.Context, ct cache.ContentType, name string, files []string, body []byte, lastModified time.Time) (Bundle, error) {
	if name == "" {
		name = "bundle" + ct.Extension()
	}
	artifact := cache.Artifact{
		Key:          pr.keyer.Key(files, body, lastModified),
		ContentType:  ct,
		Name:         name,
		Body:         body,
		LastModified: lastModified,
	}
	if err := pr.press.Store(ct).Put(ctx, artifact); err != nil {
		return Bundle{}, err
	}
	url := pr.press.URL(ct, artifact.Key)
	pr.press.log.Trace().
		Str("key", artifact.Key).
		Str("url", url).
		Int("size", len(body)).
		Msgf("Registered %s bundle %s", ct, name)
	return Bundle{Artifact: artifact, URL: url}, nil
}
