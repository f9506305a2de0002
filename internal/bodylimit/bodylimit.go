// Package bodylimit decompresses gzip and deflate request bodies and
// enforces a size cap on the decoded bytes.
package bodylimit

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxBytes caps decoded request bodies at 10 MiB.
const DefaultMaxBytes = 10 << 20

// Middleware returns a middleware that transparently decodes compressed
// request bodies and rejects bodies over maxBytes with 413. maxBytes <= 0
// uses DefaultMaxBytes.
func Middleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			reader := io.Reader(r.Body)
			switch strings.ToLower(r.Header.Get("Content-Encoding")) {
			case "gzip":
				gz, err := gzip.NewReader(r.Body)
				if err != nil {
					http.Error(w, "malformed gzip body", http.StatusBadRequest)
					return
				}
				defer gz.Close()
				reader = gz
			case "deflate":
				fl := flate.NewReader(r.Body)
				defer fl.Close()
				reader = fl
			case "", "identity":
			default:
				http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
				return
			}

			body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
			if err != nil {
				http.Error(w, "malformed request body", http.StatusBadRequest)
				return
			}
			if int64(len(body)) > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}

			r.Header.Del("Content-Encoding")
			r.ContentLength = int64(len(body))
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
