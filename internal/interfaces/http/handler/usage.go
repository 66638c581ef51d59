package handler

import (
	"context"

	appmetering "github.com/prompter/backend/internal/application/metering"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UsageMeter is the application surface the usage endpoints need
type UsageMeter interface {
	Reserve(ctx context.Context, req appmetering.ReserveRequest) (*appmetering.ReserveResponse, error)
	GetUsage(ctx context.Context, orgID uuid.UUID) (*appmetering.UsageSummaryResponse, error)
}

// UsageHandler handles quota reservation and usage summary HTTP requests
type UsageHandler struct {
	BaseHandler
	meter UsageMeter
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(meter UsageMeter) *UsageHandler {
	return &UsageHandler{meter: meter}
}

// RegisterRoutes registers usage routes on the API group
func (h *UsageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	usage := rg.Group("/usage")
	{
		usage.GET("", h.GetUsage)
		usage.POST("/reserve", h.Reserve)
	}
}

// ReserveBody is the request body for a reservation. The organization comes
// from the gateway header, never from the body.
type ReserveBody struct {
	Resource string `json:"resource" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,min=1"`
	Model    string `json:"model"`
}

// Reserve checks the caller's quota and increments the usage counter in one
// atomic step. A reservation past the plan limit is rejected with 429 and no
// counter mutation.
func (h *UsageHandler) Reserve(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID is required")
		return
	}

	var body ReserveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.meter.Reserve(c.Request.Context(), appmetering.ReserveRequest{
		OrgID:    orgID,
		Resource: body.Resource,
		Amount:   body.Amount,
		Model:    body.Model,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, result)
}

// GetUsage returns current billing-period usage for every metered resource
func (h *UsageHandler) GetUsage(c *gin.Context) {
	orgID, err := getOrgID(c)
	if err != nil {
		h.Unauthorized(c, "Organization ID is required")
		return
	}

	summary, err := h.meter.GetUsage(c.Request.Context(), orgID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, summary)
}
