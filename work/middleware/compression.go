package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"freesky-proxy/work/logger"
)

// compressor is the part of the gzip and brotli writers the middleware relies on.
type compressor interface {
	io.WriteCloser
	Flush() error
	Reset(w io.Writer)
}

// Writer pools reuse BestSpeed writers; manifests are small and latency bound.
var (
	gzipWriterPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
			return w
		},
	}
	brotliWriterPool = sync.Pool{
		New: func() any {
			return brotli.NewWriterLevel(io.Discard, brotli.BestSpeed)
		},
	}
)

// compressResponseWriter sends the body through a pooled compressor.
type compressResponseWriter struct {
	http.ResponseWriter
	cw          compressor
	wroteHeader bool
}

func (w *compressResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	// the compressed length is unknown until the body is done
	w.ResponseWriter.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.cw.Write(b)
}

// Flush pushes the compressor's buffer and then the underlying writer.
func (w *compressResponseWriter) Flush() {
	_ = w.cw.Flush()
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// negotiate picks the response encoding from Accept-Encoding, preferring brotli. Codings
// listed with q=0 are refused.
func negotiate(r *http.Request) string {
	var gz, br bool
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if q := strings.ReplaceAll(params, " ", ""); q == "q=0" || q == "q=0.0" {
			continue
		}
		switch strings.ToLower(enc) {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	default:
		return ""
	}
}

// Compress encodes text responses (manifests, playlists and JSON) with brotli or gzip
// for clients that accept either. Media relayed through /content is never wrapped: it is
// already compressed and must keep its byte ranges intact.
//
// Parameters:
//   - next: handler whose response body is compressed
//
// Returns:
//   - http.Handler: the wrapped handler
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")

		encoding := negotiate(r)
		if encoding == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		pool := &gzipWriterPool
		if encoding == "br" {
			pool = &brotliWriterPool
		}
		cw := pool.Get().(compressor)
		cw.Reset(w)
		w.Header().Set("Content-Encoding", encoding)

		defer func() {
			if err := cw.Close(); err != nil {
				logger.Debug("{middleware/compression - Compress} closing %s writer for %s %s: %v", encoding, r.Method, r.URL.Path, err)
			}
			pool.Put(cw)
		}()

		next.ServeHTTP(&compressResponseWriter{ResponseWriter: w, cw: cw}, r)
	})
}

// CompressFunc is Compress for plain handler functions.
func CompressFunc(next http.HandlerFunc) http.HandlerFunc {
	return Compress(next).ServeHTTP
}
