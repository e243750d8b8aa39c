package gzipencoder

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gunzip(t *testing.T, b []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())
	return out
}

func TestRoundTrip(t *testing.T) {
	large := make([]byte, 3<<20)
	rand.New(rand.NewSource(1)).Read(large)
	// make part of it compressible, like a real bundle
	copy(large, bytes.Repeat([]byte("function(){return 1;};"), 40000))

	cases := map[string][]byte{
		"empty":    {},
		"one byte": {'x'},
		"multi mb": large,
		"css":      []byte("body{margin:0}"),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			compressed, err := CompressBytes(body)
			require.NoError(t, err)
			assert.Equal(t, body, gunzip(t, compressed))
		})
	}
}

func TestCompressLevel(t *testing.T) {
	body := bytes.Repeat([]byte("a{color:red}"), 1000)
	compressed, err := Encoder{Level: gzip.BestSpeed}.CompressBytes(body)
	require.NoError(t, err)
	assert.Equal(t, body, gunzip(t, compressed))
	assert.Less(t, len(compressed), len(body))
}

func TestZeroLevelIsDefault(t *testing.T) {
	body := bytes.Repeat([]byte("a{color:red}"), 1000)
	zero, err := Encoder{}.CompressBytes(body)
	require.NoError(t, err)
	def, err := Encoder{Level: gzip.DefaultCompression}.CompressBytes(body)
	require.NoError(t, err)
	assert.Equal(t, def, zero)
	assert.Less(t, len(zero), len(body))
}

func TestInvalidLevel(t *testing.T) {
	_, err := Encoder{Level: 42}.CompressBytes([]byte("x"))
	require.Error(t, err)
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n == 0 {
		return 0, errors.New("disk on fire")
	}
	f.n--
	p[0] = 'x'
	return 1, nil
}

func TestReadErrorReturnsNoBytes(t *testing.T) {
	out, err := Compress(&failingReader{n: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Nil(t, out)
}
