package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// RouterConfig controls the HTTP stack around the API routes.
type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	MetricsPath    string // empty disables /metrics
}

// NewRouter builds the HTTP handler: API routes, middleware and metrics.
func NewRouter(h *HTTPHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID, AccessLog(log), Recovery(log))
	if cfg.RequestTimeout > 0 {
		r.Use(Timeout(cfg.RequestTimeout))
	}

	h.Register(r)
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Code: errors.ErrCodeNotFound, Message: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Code: errors.ErrCodeInvalidInput, Message: "method not allowed"})
	})

	return CORS(cfg.CORSOrigins)(r)
}
