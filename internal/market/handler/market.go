package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/agrimarket/agrimarket/internal/identity"
	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarketHandler handles HTTP requests for listings, bids, settlements and
// ratings.
type MarketHandler struct {
	core   *service.MarketplaceCore
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(core *service.MarketplaceCore, tokens *identity.TokenIssuer, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{core: core, tokens: tokens, logger: logger}
}

// Register mounts the marketplace routes on the given router group.
func (h *MarketHandler) Register(rg *gin.RouterGroup) {
	auth := identity.RequireUserToken(h.tokens)

	listings := rg.Group("/listings")
	{
		listings.POST("", auth, h.CreateListing)
		listings.GET("", h.ListListings)
		listings.GET("/:id", h.GetListing)
		listings.POST("/:id/bids", auth, h.PlaceBid)
		listings.POST("/:id/bids/:bid_id/accept", auth, h.AcceptBid)
		listings.POST("/:id/cancel", auth, h.CancelListing)
		listings.POST("/:id/payment", auth, h.RecordPayment)
		listings.POST("/:id/contract", auth, h.SignContract)
	}

	rg.GET("/bids/:id", h.GetBid)
	rg.POST("/ratings", auth, h.SubmitRating)
	rg.GET("/users/:id/trust", h.TrustScore)
	rg.GET("/users/:id/ledger", h.UserLedger)
}

// callerWithRole returns the token user when it carries role; otherwise it
// writes 403 and returns false.
func callerWithRole(c *gin.Context, role string) (string, bool) {
	claims := identity.UserClaimsFromCtx(c)
	if claims == nil || claims.Role != role {
		c.JSON(http.StatusForbidden, gin.H{
			"code":  service.CodeForbidden,
			"error": role + " role required",
		})
		return "", false
	}
	return claims.UserID, true
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		badRequest(c, "invalid "+strings.ReplaceAll(param, "_", " "))
		return uuid.Nil, false
	}
	return id, true
}

// fail renders a command error and counts it.
func (h *MarketHandler) fail(c *gin.Context, err error) {
	code := service.CodeOf(err)
	RecordCommandError(string(code))
	h.logger.Debug("command rejected",
		zap.String("path", c.FullPath()),
		zap.String("code", string(code)),
	)
	writeError(c, err)
}

// CreateListing handles POST /listings: a farmer lists a crop.
func (h *MarketHandler) CreateListing(c *gin.Context) {
	farmerID, ok := callerWithRole(c, identity.RoleFarmer)
	if !ok {
		return
	}
	var req model.CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	l, err := h.core.CreateListing(c.Request.Context(), model.NewListing{
		FarmerID:       farmerID,
		Crop:           req.Crop,
		Quantity:       req.Quantity,
		Unit:           req.Unit,
		ExpectedPrice:  req.ExpectedPrice,
		MinPrice:       req.MinPrice,
		SuggestedPrice: req.SuggestedPrice,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(ledger.KindListingCreated))
	c.JSON(http.StatusCreated, l)
}

// ListListings handles GET /listings: paginated listings, newest first.
// Optional filters: ?status=, ?farmer_id=, ?crop=.
func (h *MarketHandler) ListListings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	listings, total, err := h.core.ListListings(c.Request.Context(), model.ListingFilter{
		Status:   model.ListingStatus(strings.ToUpper(c.Query("status"))),
		FarmerID: c.Query("farmer_id"),
		Crop:     strings.TrimSpace(c.Query("crop")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings), "total": total})
}

// GetListing handles GET /listings/:id: a listing with all of its bids.
func (h *MarketHandler) GetListing(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	detail, err := h.core.GetListing(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetBid handles GET /bids/:id.
func (h *MarketHandler) GetBid(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	bid, err := h.core.GetBid(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

// PlaceBid handles POST /listings/:id/bids: a buyer offers on a listing.
func (h *MarketHandler) PlaceBid(c *gin.Context) {
	buyerID, ok := callerWithRole(c, identity.RoleBuyer)
	if !ok {
		return
	}
	listingID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req model.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	bid, err := h.core.PlaceBid(c.Request.Context(), listingID, buyerID, req.Amount, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(ledger.KindBidPlaced))
	c.JSON(http.StatusCreated, bid)
}

// AcceptBid handles POST /listings/:id/bids/:bid_id/accept: the farmer
// sells to one bid and every other pending bid is rejected.
func (h *MarketHandler) AcceptBid(c *gin.Context) {
	farmerID, ok := callerWithRole(c, identity.RoleFarmer)
	if !ok {
		return
	}
	listingID, ok := parseID(c, "id")
	if !ok {
		return
	}
	bidID, ok := parseID(c, "bid_id")
	if !ok {
		return
	}

	acc, err := h.core.AcceptBid(c.Request.Context(), farmerID, listingID, bidID)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(acc.Entry.Kind))
	c.JSON(http.StatusOK, acc)
}

// CancelListing handles POST /listings/:id/cancel.
func (h *MarketHandler) CancelListing(c *gin.Context) {
	farmerID, ok := callerWithRole(c, identity.RoleFarmer)
	if !ok {
		return
	}
	listingID, ok := parseID(c, "id")
	if !ok {
		return
	}

	l, err := h.core.CancelListing(c.Request.Context(), listingID, farmerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(ledger.KindListingCancelled))
	c.JSON(http.StatusOK, l)
}

// RecordPayment handles POST /listings/:id/payment: the accepted buyer
// records payment for a sold listing.
func (h *MarketHandler) RecordPayment(c *gin.Context) {
	buyerID, ok := callerWithRole(c, identity.RoleBuyer)
	if !ok {
		return
	}
	listingID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req model.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	entry, err := h.core.RecordPayment(c.Request.Context(), buyerID, listingID, req.Amount, req.Reference)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(entry.Kind))
	c.JSON(http.StatusCreated, entry)
}

// SignContract handles POST /listings/:id/contract: either party of a sale
// signs the contract terms. Only the terms hash is recorded.
func (h *MarketHandler) SignContract(c *gin.Context) {
	claims := identity.UserClaimsFromCtx(c)
	listingID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req model.ContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	entry, err := h.core.SignContract(c.Request.Context(), claims.UserID, listingID, req.Terms)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(entry.Kind))
	c.JSON(http.StatusCreated, entry)
}

// SubmitRating handles POST /ratings: rate the other party of a settled
// trade.
func (h *MarketHandler) SubmitRating(c *gin.Context) {
	claims := identity.UserClaimsFromCtx(c)
	var req model.RatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	state, err := h.core.SubmitRating(c.Request.Context(), claims.UserID, req.RatedUserID, req.Value)
	if err != nil {
		h.fail(c, err)
		return
	}
	RecordLedgerAppend(string(ledger.KindRatingGiven))
	c.JSON(http.StatusCreated, gin.H{"user_id": req.RatedUserID, "trust": state})
}

// TrustScore handles GET /users/:id/trust.
func (h *MarketHandler) TrustScore(c *gin.Context) {
	userID := c.Param("id")
	state, err := h.core.TrustScore(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "trust": state})
}

// UserLedger handles GET /users/:id/ledger: the entries a user produced.
func (h *MarketHandler) UserLedger(c *gin.Context) {
	userID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.core.LedgerForUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "entries": entries, "count": len(entries)})
}
