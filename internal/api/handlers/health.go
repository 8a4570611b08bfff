package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/v6ledger/internal/logging"
)

// Build information, set by the main package.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	database  DatabasePinger
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(database DatabasePinger, logger *logging.Logger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{
		database:  database,
		logger:    logger.WithComponent("api.health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Health checks database connectivity. It answers 503 when the database is
// unreachable so load balancers take the instance out of rotation.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.database == nil {
		response.Checks["database"] = StatusNotConfigured
	} else if err := h.database.Ping(ctx); err != nil {
		response.Status = StatusUnhealthy
		response.Checks["database"] = "unreachable"
		h.logger.Warn("Database health check failed", "error", err)
	} else {
		response.Checks["database"] = "ok"
	}

	if response.Status == StatusUnhealthy {
		writeJSON(w, r, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, r, http.StatusOK, response)
}

// Liveness answers without touching dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	})
}
