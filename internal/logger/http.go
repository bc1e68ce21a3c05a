package logger

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AccessLog logs one line per request once the response has been written.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	l := logger.With().Str("name", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := l.Info()
			if status >= http.StatusInternalServerError {
				evt = l.Warn()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Str("ip", r.RemoteAddr).
				Msg("request handled")
		})
	}
}
