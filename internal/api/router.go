package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wonny/copperwatch/internal/api/handlers"
	"github.com/wonny/copperwatch/pkg/logger"
	"github.com/wonny/copperwatch/pkg/metrics"
)

// NewRouter creates and configures the HTTP router.
// rec may be nil when metrics are disabled.
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(h *handlers.ForecastHandler, rec *metrics.Recorder, metricsPath string, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.Health).Methods("GET")

	if rec != nil && metricsPath != "" {
		r.Handle(metricsPath, rec.Handler()).Methods("GET")
	}

	// API
	api := r.PathPrefix("/api").Subrouter()

	// Forecast endpoints
	api.HandleFunc("/forecasts", h.ListForecasts).Methods("GET")
	api.HandleFunc("/forecasts/unresolved", h.ListUnresolved).Methods("GET")
	api.HandleFunc("/performance", h.GetPerformance).Methods("GET")
	api.HandleFunc("/models", h.ListModels).Methods("GET")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// Call next handler
			next.ServeHTTP(rec, r)

			// Log request
			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
