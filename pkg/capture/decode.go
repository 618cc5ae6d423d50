package capture

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// SupportedEncodings lists the content-codings the proxy can decode.
// Accept-Encoding headers are filtered down to this set so that origin
// servers never reply with a coding the capture pipeline cannot undo.
var SupportedEncodings = []string{"identity", "gzip", "x-gzip", "deflate", "br", "zstd"}

// DecodeBody decodes data according to a Content-Encoding token.
// An unknown encoding or a decode failure returns the original bytes
// together with an error, so callers can degrade to the raw body.
func DecodeBody(data []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return data, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			out, err := io.ReadAll(r)
			_ = r.Close()
			if err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return data, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return data, fmt.Errorf("brotli: %w", err)
		}
		return out, nil
	case "zstd":
		d, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, fmt.Errorf("zstd: %w", err)
		}
		defer d.Close()
		out, err := io.ReadAll(d)
		if err != nil {
			return data, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return data, fmt.Errorf("unknown content-encoding: %s", encoding)
	}
}

// FilterAcceptEncoding rewrites an Accept-Encoding header value so it
// only advertises codings the proxy can decode. When disabled is true,
// only identity is advertised, which keeps origin bodies unencoded.
func FilterAcceptEncoding(value string, disabled bool) string {
	if disabled {
		return "identity"
	}

	permitted := make(map[string]bool, len(SupportedEncodings))
	for _, enc := range SupportedEncodings {
		permitted[enc] = true
	}

	var kept []string
	for _, tok := range strings.Split(value, ",") {
		enc := strings.TrimSpace(tok)
		// Strip any quality value, e.g. "gzip;q=0.8".
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		if permitted[strings.ToLower(enc)] {
			kept = append(kept, enc)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, "identity")
	}
	return strings.Join(kept, ", ")
}
