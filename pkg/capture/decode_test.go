package capture

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBodyGzip(t *testing.T) {
	plain := []byte("hello gzip world")

	out, err := DecodeBody(gzipped(t, plain), "gzip")
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	// x-gzip is an alias.
	out, err = DecodeBody(gzipped(t, plain), "x-gzip")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyDeflateZlibWrapped(t *testing.T) {
	plain := []byte("zlib wrapped deflate")
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := DecodeBody(buf.Bytes(), "deflate")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyDeflateRaw(t *testing.T) {
	plain := []byte("raw deflate stream")
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := DecodeBody(buf.Bytes(), "deflate")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyBrotli(t *testing.T) {
	plain := []byte("brotli compressed text")
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := DecodeBody(buf.Bytes(), "br")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyZstd(t *testing.T) {
	plain := []byte("zstd compressed text")
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := DecodeBody(buf.Bytes(), "zstd")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyIdentity(t *testing.T) {
	plain := []byte("as-is")

	out, err := DecodeBody(plain, "identity")
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	out, err = DecodeBody(plain, "")
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestDecodeBodyFailureReturnsOriginal(t *testing.T) {
	garbage := []byte("definitely not gzip")

	out, err := DecodeBody(garbage, "gzip")
	assert.Error(t, err)
	assert.Equal(t, garbage, out)

	out, err = DecodeBody(garbage, "lzma")
	assert.Error(t, err)
	assert.Equal(t, garbage, out)
}

func TestFilterAcceptEncoding(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		disabled bool
		want     string
	}{
		{"passthrough supported", "gzip, deflate, br", false, "gzip, deflate, br"},
		{"drops unsupported", "gzip, compress, sdch", false, "gzip"},
		{"strips quality values", "gzip;q=0.8, br;q=0.5", false, "gzip, br"},
		{"all unsupported falls back", "compress, sdch", false, "identity"},
		{"disabled forces identity", "gzip, deflate, br", true, "identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterAcceptEncoding(tt.value, tt.disabled))
		})
	}
}
