package handler

import (
	"net/http"
	"time"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler handles operator routes: manual expiry sweeps, trust score
// reconciliation and the admin token exchange.
type AdminHandler struct {
	core       *service.MarketplaceCore
	tokens     *identity.TokenIssuer
	secretHash string
	tokenTTL   time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewAdminHandler creates an AdminHandler. secretHash is the bcrypt hash of
// the admin secret; empty disables the token exchange.
func NewAdminHandler(core *service.MarketplaceCore, tokens *identity.TokenIssuer, secretHash string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		core:       core,
		tokens:     tokens,
		secretHash: secretHash,
		tokenTTL:   8 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// SetClock replaces the time source used for manual sweeps.
func (h *AdminHandler) SetClock(now func() time.Time) {
	h.now = now
}

// Register mounts the admin and auth routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/admin-token", h.AdminToken)

	admin := rg.Group("/admin", identity.RequireAdmin(h.tokens))
	{
		admin.POST("/expire", h.Expire)
		admin.POST("/trust/:id/reconcile", h.Reconcile)
	}
}

type adminTokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// AdminToken handles POST /auth/admin-token: exchanges the admin secret for
// a short-lived admin token.
func (h *AdminHandler) AdminToken(c *gin.Context) {
	var req adminTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := identity.CheckSecret(h.secretHash, req.Secret); err != nil {
		h.logger.Warn("admin token exchange refused", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
		return
	}

	token, err := h.tokens.IssueAdminToken(h.tokenTTL)
	if err != nil {
		h.logger.Error("issue admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.tokenTTL.Seconds()),
	})
}

// Expire handles POST /admin/expire: runs one expiry sweep now.
func (h *AdminHandler) Expire(c *gin.Context) {
	transitions, err := h.core.ExpireStale(c.Request.Context(), h.now())
	RecordSweep(transitions, err)
	if err != nil {
		writeError(c, err)
		return
	}
	if transitions == nil {
		transitions = []engine.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions, "count": len(transitions)})
}

// Reconcile handles POST /admin/trust/:id/reconcile: rebuilds a user's
// trust score from the ledger.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	userID := c.Param("id")
	state, err := h.core.ReconcileTrustScore(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "trust": state})
}
