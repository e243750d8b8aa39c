package gzipencoder

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"go.trai.ch/zerr"
)

// ErrCompress is returned when the input could not be read or the gzip stream
// could not be written or finalized.
var ErrCompress = zerr.New("could not gzip content")

// Encoder gzips byte streams into memory.
// The zero value uses the default compression level.
// It holds no state between calls and is safe for concurrent use.
type Encoder struct {
	// Level is a compress/gzip level. Zero means gzip.DefaultCompression,
	// so gzip.NoCompression cannot be selected; serving uncompressed is
	// done by disabling gzip instead.
	Level int
}

// Compress reads r until EOF and returns the gzipped bytes.
// The gzip trailer is written before returning.
// On error no bytes are returned, since a partially written buffer is corrupt.
func (e Encoder) Compress(r io.Reader) ([]byte, error) {
	level := e.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, zerr.Wrap(err, ErrCompress.Error())
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return nil, zerr.Wrap(err, ErrCompress.Error())
	}
	if err := zw.Close(); err != nil {
		return nil, zerr.Wrap(err, ErrCompress.Error())
	}
	return buf.Bytes(), nil
}

// CompressBytes gzips b.
func (e Encoder) CompressBytes(b []byte) ([]byte, error) {
	return e.Compress(bytes.NewReader(b))
}

// Compress gzips r with the default compression level.
func Compress(r io.Reader) ([]byte, error) {
	return Encoder{}.Compress(r)
}

// CompressBytes gzips b with the default compression level.
func CompressBytes(b []byte) ([]byte, error) {
	return Encoder{}.CompressBytes(b)
}
