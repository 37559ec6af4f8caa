package server

import (
	"context"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/registration-forecaster/pkg/forecaster/types"
)

// Predictor produces the current forecast, normally *forecast.Service
type Predictor interface {
	Predict(ctx context.Context) (*types.ForecastResult, error)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type handler struct {
	predictor Predictor
}

// NewRouter wires the forecast, health and metrics endpoints behind the CORS middleware
func NewRouter(predictor Predictor, allowedOrigins []string) *mux.Router {
	h := &handler{predictor: predictor}

	router := mux.NewRouter()
	router.Use(corsMiddleware(allowedOrigins))

	router.HandleFunc("/api/predict", h.predict).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

func (h *handler) predict(w http.ResponseWriter, r *http.Request) {
	result, err := h.predictor.Predict(r.Context())
	if err != nil {
		klog.ErrorS(err, "Forecast request failed", "remoteAddr", r.RemoteAddr)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		klog.ErrorS(err, "Failed to encode response")
		http.Error(w, `{"detail":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}

// corsMiddleware echoes allowed origins and answers preflight requests directly. A "*"
// entry allows any origin.
func corsMiddleware(allowedOrigins []string) mux.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed[origin] || allowed["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
