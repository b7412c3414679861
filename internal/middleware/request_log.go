package middleware

import (
	"net/http"
	"time"

	"github.com/chatchat/internal/logger"
)

// RequestLog логирует запрос к мосту: method, path, статус и время выполнения.
// /health не логируется.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)
		logger.Debugf("http %s %s -> %d (%v)", r.Method, r.URL.Path, wrap.status, time.Since(start))
	})
}
