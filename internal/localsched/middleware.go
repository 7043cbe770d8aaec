package localsched

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type ctxKey struct{}

// RequestIDFromContext returns the id tagCommands gave the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// tagCommands gives every command an id, echoed in the response envelope,
// and logs it at debug level once it has been answered.
func tagCommands(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID()
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))

			attrs := []any{"request_id", id, "status", rec.status, "took", time.Since(start).Round(time.Microsecond)}
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				attrs = append(attrs, "command", r.Method+" "+rc.RoutePattern())
				if task := rc.URLParam("id"); task != "" {
					attrs = append(attrs, "task_id", task)
				}
			} else {
				attrs = append(attrs, "command", r.Method+" "+r.URL.Path)
			}
			logger.Debug("command", attrs...)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
