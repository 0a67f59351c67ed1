package handler

import (
	"errors"
	"net/http"

	"github.com/agrimarket/agrimarket/internal/market/service"
	"github.com/gin-gonic/gin"
)

// statusFor maps a core error code onto an HTTP status.
func statusFor(code service.Code) int {
	switch code {
	case service.CodeValidation, service.CodeInvalidRating:
		return http.StatusBadRequest
	case service.CodeForbidden:
		return http.StatusForbidden
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeInvalidTransition,
		service.CodeAlreadyAccepted,
		service.CodeListingInactive,
		service.CodeBidNotPending:
		return http.StatusConflict
	case service.CodeBelowFloor, service.CodeNoCompletedTransaction:
		return http.StatusUnprocessableEntity
	case service.CodeBusy, service.CodeLedgerIntegrity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"code": ..., "error": ...}. Only *service.Error
// messages reach the client.
func writeError(c *gin.Context, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		se = &service.Error{Code: service.CodeInternal, Message: "internal error"}
	}
	status := statusFor(se.Code)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, gin.H{"code": se.Code, "error": se.Message})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": service.CodeValidation, "error": msg})
}
