// Package middleware holds the HTTP wrappers shared by the client and admin routes.
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"freesky-proxy/work/client"
	"freesky-proxy/work/logger"
)

// CORS allows any origin to call the wrapped handler and answers preflight requests
// directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, X-Process-Time")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timedWriter stamps X-Process-Time just before the status line goes out.
type timedWriter struct {
	*client.CustomResponseWriter
	start time.Time
}

func (tw *timedWriter) WriteHeader(status int) {
	if !tw.WroteHeader {
		tw.Header().Set("X-Process-Time", processTime(time.Since(tw.start)))
	}
	tw.CustomResponseWriter.WriteHeader(status)
}

func (tw *timedWriter) Write(b []byte) (int, error) {
	if !tw.WroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.CustomResponseWriter.Write(b)
}

func processTime(d time.Duration) string {
	return fmt.Sprintf("%.4f", d.Seconds())
}

// ProcessTime reports the time to first byte in seconds as X-Process-Time and logs the
// request once it completes.
func ProcessTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tw := &timedWriter{CustomResponseWriter: client.NewCustomResponseWriter(w), start: start}

		next.ServeHTTP(tw, r)

		status := tw.StatusCode
		if !tw.WroteHeader {
			status = http.StatusOK
		}
		logger.Debug("{middleware/middleware - ProcessTime} %s %s -> %d (%d bytes) in %s",
			r.Method, r.URL.Path, status, tw.Bytes, time.Since(start))
	})
}
