package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"corsgate/internal/config"
	"corsgate/internal/logging"
	"corsgate/internal/metrics"
)

// AdminAPI serves health, metrics and the effective configuration on the
// admin listener. It is never reachable through the forwarding port.
type AdminAPI struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *metrics.Collector
	version string
	started time.Time
	now     func() time.Time
}

// Options configures an AdminAPI.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Collector
	Version string
}

// NewAdminAPI creates a new admin API instance
func NewAdminAPI(opts Options) *AdminAPI {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AdminAPI{
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		version: opts.Version,
		started: time.Now(),
		now:     time.Now,
	}
}

// Handler returns the admin router.
func (api *AdminAPI) Handler() http.Handler {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.writeError(w, "The requested resource does not exist", http.StatusNotFound)
	})
	return router
}

// RegisterRoutes registers all admin routes
func (api *AdminAPI) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.health).Methods(http.MethodGet)
	router.HandleFunc("/metrics", api.serveMetrics).Methods(http.MethodGet)
	router.HandleFunc("/config", api.getGatewayConfig).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/gateway/status", api.getGatewayStatus).Methods(http.MethodGet)
	v1.HandleFunc("/gateway/config", api.getGatewayConfig).Methods(http.MethodGet)
}

// GatewayStatus is returned by the status endpoint.
type GatewayStatus struct {
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	StartTime     time.Time `json:"start_time"`
	Uptime        string    `json:"uptime"`
	DefaultTarget string    `json:"default_target,omitempty"`
}

// ErrorResponse is the admin error body.
type ErrorResponse struct {
	Error ErrorDetails `json:"error"`
}

type ErrorDetails struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (api *AdminAPI) health(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, map[string]string{
		"status":    "UP",
		"timestamp": api.now().Format(time.RFC3339),
	})
}

func (api *AdminAPI) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if api.metrics == nil {
		api.writeError(w, "Metrics not available", http.StatusServiceUnavailable)
		return
	}
	api.metrics.ServeHTTP(w, r)
}

func (api *AdminAPI) getGatewayStatus(w http.ResponseWriter, r *http.Request) {
	status := GatewayStatus{
		Status:    "running",
		Version:   api.version,
		StartTime: api.started,
		Uptime:    api.now().Sub(api.started).Truncate(time.Second).String(),
	}
	if api.config != nil {
		status.DefaultTarget = api.config.Redacted().Target.DefaultURL
	}
	api.writeJSON(w, status)
}

// getGatewayConfig returns the effective configuration with credentials in
// the default target masked.
func (api *AdminAPI) getGatewayConfig(w http.ResponseWriter, r *http.Request) {
	if api.config == nil {
		api.writeError(w, "Configuration not available", http.StatusInternalServerError)
		return
	}
	api.writeJSON(w, api.config.Redacted())
}

// Helper methods

func (api *AdminAPI) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Debug("Failed to write admin response", logging.Error(err))
	}
}

func (api *AdminAPI) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error: ErrorDetails{
			Code:    getErrorCode(statusCode),
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		api.logger.Debug("Failed to write admin error", logging.Error(err))
	}
}

func getErrorCode(statusCode int) string {
	switch statusCode {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
