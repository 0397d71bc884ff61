// Package httplog provides the chi access-log middleware shared by the
// gateway and webhook routers, the logr-backed counterpart of the
// teacher's zerolog `logger.Middleware` (§9, §13).
package httplog

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
)

// Middleware logs one line per request at Info level once the handler
// returns, tagging it with the chi request ID so it correlates with any
// downstream error logs for the same request.
func Middleware(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
