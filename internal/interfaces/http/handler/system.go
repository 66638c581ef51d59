package handler

import (
	"time"

	"github.com/gin-gonic/gin"
)

// DBHealth is the minimal database surface the health endpoint needs
type DBHealth interface {
	Ping() error
}

// SystemHandler handles health and liveness HTTP requests
type SystemHandler struct {
	BaseHandler
	db      DBHealth
	started time.Time
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(db DBHealth) *SystemHandler {
	return &SystemHandler{db: db, started: time.Now()}
}

// RegisterRoutes registers system routes on the API group
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
}

// HealthResponse represents the service health report
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

// Health reports liveness and database connectivity
func (h *SystemHandler) Health(c *gin.Context) {
	dbStatus := "ok"
	status := "ok"
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			dbStatus = "unreachable"
			status = "degraded"
		}
	}

	h.Success(c, HealthResponse{
		Status:   status,
		Database: dbStatus,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
	})
}
