package api

import (
	"net/http"
	"strconv"
	"time"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/metrics"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withObservability logs every request and records it in the API
// metrics. The route pattern, not the raw path, labels the metrics so
// IDs do not explode the cardinality.
func withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		duration := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, pattern).Observe(duration.Seconds())

		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("request")
	})
}

// readOnly blocks mutating methods. The Unix socket listener serves
// local tooling without authentication, so it only gets reads.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			next.ServeHTTP(w, r)
		default:
			writeJSON(w, http.StatusForbidden, apiv1.ErrorResponse{
				Error: "write operations not allowed on the local socket, use the TCP API",
			})
		}
	})
}
