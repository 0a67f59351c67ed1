package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LedgerHandler exposes the public audit endpoints of the ledger and the
// admin-only verification endpoint.
type LedgerHandler struct {
	core   *service.MarketplaceCore
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(core *service.MarketplaceCore, tokens *identity.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{core: core, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", identity.RequireAdmin(h.tokens), h.Verify)
		l.GET("/entries/:nonce", h.GetEntry)
	}
}

// Overview handles GET /ledger: chain length, root hash and a page of
// entries starting at ?from=.
func (h *LedgerHandler) Overview(c *gin.Context) {
	from, _ := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if from < 0 {
		from = 0
	}

	ov, err := h.core.LedgerOverview(c.Request.Context(), from, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	SetLedgerHalted(ov.Halted)
	c.JSON(http.StatusOK, ov)
}

// Verify handles GET /ledger/verify: walks ?from=..?to= (default the whole
// chain) and reports integrity. A broken chain is reported with the first
// failing nonce; the ledger stays halted afterwards.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		badRequest(c, "from must be an integer")
		return
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", "-1"), 10, 64)
	if err != nil {
		badRequest(c, "to must be an integer")
		return
	}

	res, err := h.core.VerifyLedger(c.Request.Context(), from, to)
	if err != nil {
		var broken *ledger.ChainBrokenError
		if !errors.As(err, &broken) {
			writeError(c, err)
			return
		}
		SetLedgerHalted(true)
		h.logger.Warn("ledger integrity check failed",
			zap.Int64("nonce", broken.Nonce),
			zap.String("reason", broken.Reason),
		)
		c.JSON(http.StatusOK, gin.H{
			"valid":  false,
			"nonce":  broken.Nonce,
			"reason": broken.Reason,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true, "result": res})
}

// GetEntry handles GET /ledger/entries/:nonce: returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	nonce, err := strconv.ParseInt(c.Param("nonce"), 10, 64)
	if err != nil || nonce < 0 {
		badRequest(c, "nonce must be a non-negative integer")
		return
	}

	entry, err := h.core.LedgerEntry(c.Request.Context(), nonce)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
