// Package api serves the operational and administrative HTTP surface.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wavecrest/bastion/pkg/bastion"
)

// HeaderAdminKey authenticates administrative requests.
const HeaderAdminKey = "X-Admin-API-Key"

// Handler exposes the pipeline's operational endpoints.
type Handler struct {
	pipe     *bastion.Pipeline
	adminKey string
	log      zerolog.Logger
}

// NewHandler creates an API handler. An empty adminKey disables every
// /admin route rather than leaving it open.
func NewHandler(pipe *bastion.Pipeline, adminKey string, log zerolog.Logger) *Handler {
	return &Handler{pipe: pipe, adminKey: adminKey, log: log}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/wakeup", h.Health)
	r.GET("/system_status", h.SystemStatus)
	r.POST("/sign-fingerprint", h.SignFingerprint)

	admin := r.Group("/admin", h.requireAdminKey)
	admin.POST("/restore_system", h.RestoreSystem)
	admin.POST("/ban", h.Ban)
	admin.POST("/unban", h.Unban)
	admin.GET("/security_stats", h.SecurityStats)
	admin.GET("/ban_status", h.BanStatus)
}

// Health answers liveness probes and platform wakeup pings.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SystemStatus reports breaker state and active thresholds.
func (h *Handler) SystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipe.Status(c.Request.Context()))
}

type signRequest struct {
	DeviceFingerprint string `json:"device_fingerprint" binding:"required"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// SignFingerprint signs the device fingerprint the client submits. The
// client presents the fingerprint, signature, and timestamp together on
// subsequent protected requests.
func (h *Handler) SignFingerprint(c *gin.Context) {
	signer := h.pipe.Signer()
	if !signer.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fingerprint signing not configured"})
		return
	}

	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_fingerprint is required"})
		return
	}

	sig, ts, err := signer.Sign(req.DeviceFingerprint)
	if err != nil {
		h.log.Error().Err(err).Msg("fingerprint signing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failed"})
		return
	}
	c.JSON(http.StatusOK, signResponse{Signature: sig, Timestamp: ts})
}

// RestoreSystem resets the circuit breaker and purges all counters.
func (h *Handler) RestoreSystem(c *gin.Context) {
	purged, err := h.pipe.Restore(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore failed"})
		return
	}
	h.log.Info().Int("purged_counters", purged).Msg("system restore requested")
	c.JSON(http.StatusOK, gin.H{
		"status":          "restored",
		"purged_counters": purged,
	})
}

type banRequest struct {
	Identity      string `json:"identity" binding:"required"`
	DurationHours int    `json:"duration_hours"`
	Reason        string `json:"reason"`
}

// Ban applies a manual ban. duration_hours <= 0 quarantines permanently.
func (h *Handler) Ban(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}
	d := time.Duration(req.DurationHours) * time.Hour
	if err := h.pipe.Penalties().Ban(c.Request.Context(), req.Identity, d, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ban failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned", "identity": req.Identity})
}

type unbanRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// Unban clears every penalty tier for an identity, including a persisted
// quarantine.
func (h *Handler) Unban(c *gin.Context) {
	var req unbanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity is required"})
		return
	}
	if err := h.pipe.Penalties().Unban(c.Request.Context(), req.Identity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unban failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned", "identity": req.Identity})
}

// SecurityStats returns the penalty ladder's aggregate snapshot.
func (h *Handler) SecurityStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipe.Penalties().Stats(c.Request.Context()))
}

// BanStatus reports the current penalty tier of one identity.
func (h *Handler) BanStatus(c *gin.Context) {
	identity := c.Query("identity")
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity query parameter is required"})
		return
	}
	st := h.pipe.Penalties().Status(c.Request.Context(), identity)
	resp := gin.H{
		"identity": identity,
		"banned":   st.Banned,
		"level":    st.Level,
	}
	if !st.ExpiresAt.IsZero() {
		resp["expires_at"] = st.ExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) requireAdminKey(c *gin.Context) {
	if h.adminKey == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin interface not configured"})
		return
	}
	if c.GetHeader(HeaderAdminKey) != h.adminKey {
		h.log.Warn().Str("path", c.Request.URL.Path).Msg("admin request with bad key")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	c.Next()
}
