package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string  `json:"status" example:"ok"`
	Version   string  `json:"version" example:"0.1.0"`
	Env       string  `json:"env" example:"development"`
	Uptime    float64 `json:"uptime" example:"42.5"` // seconds
	Timestamp string  `json:"timestamp" example:"2025-01-01T00:00:00Z"`
}

// Health godoc
// @ID       health
// @Summary  Liveness probe
// @Tags     Health
// @Produce  json
// @Success  200  {object} handlers.HealthResponse
// @Router   /health [get]
func (h *Handlers) Health(c *gin.Context) {
	now := time.Now().UTC()
	ok(c, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.opts.Version,
		Env:       h.opts.Env,
		Uptime:    now.Sub(h.started).Seconds(),
		Timestamp: now.Format(time.RFC3339),
	})
}
