package service

import (
	"context"
	"errors"

	"github.com/agrimarket/agrimarket/internal/ledger"
	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/trust"
)

// Code is the stable, externally visible error vocabulary of the core.
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeValidation             Code = "validation"
	CodeBelowFloor             Code = "below_floor"
	CodeInvalidRating          Code = "invalid_rating"
	CodeForbidden              Code = "forbidden"
	CodeInvalidTransition      Code = "invalid_transition"
	CodeAlreadyAccepted        Code = "already_accepted"
	CodeListingInactive        Code = "listing_inactive"
	CodeBidNotPending          Code = "bid_not_pending"
	CodeNoCompletedTransaction Code = "no_completed_transaction"
	CodeLedgerIntegrity        Code = "ledger_integrity"
	CodeBusy                   Code = "busy"
	CodeInternal               Code = "internal"
)

// ErrNoCompletedTransaction is returned when a rating is not backed by an
// unrated settlement between the two users.
var ErrNoCompletedTransaction = errors.New("no completed transaction between users")

// Error is the only error type MarketplaceCore returns.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"error"`
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the domain cause to errors.Is and errors.As. Storage
// failures carry no cause.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// classify maps an internal error onto the external vocabulary. The bool is
// false for errors that must not be shown to callers.
func classify(err error) (*Error, bool) {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr):
		return &Error{Code: CodeValidation, Message: valErr.Msg, cause: err}, true
	case errors.Is(err, ledger.ErrSerialization):
		return &Error{Code: CodeValidation, Message: "malformed payload", cause: err}, true
	case errors.Is(err, engine.ErrBidListingMismatch):
		return &Error{Code: CodeValidation, Message: "bid does not belong to this listing", cause: err}, true
	case errors.Is(err, trust.ErrInvalidRating):
		return &Error{Code: CodeInvalidRating, Message: "rating must be between 1 and 5", cause: err}, true
	case errors.Is(err, engine.ErrBelowFloor):
		return &Error{Code: CodeBelowFloor, Message: "bid below minimum price", cause: err}, true
	case errors.Is(err, engine.ErrForbidden):
		return &Error{Code: CodeForbidden, Message: err.Error(), cause: err}, true
	case errors.Is(err, engine.ErrAlreadyAccepted):
		return &Error{Code: CodeAlreadyAccepted, Message: "listing already sold", cause: err}, true
	case errors.Is(err, engine.ErrListingInactive):
		return &Error{Code: CodeListingInactive, Message: "listing is no longer active", cause: err}, true
	case errors.Is(err, engine.ErrBidExpired):
		return &Error{Code: CodeBidNotPending, Message: "bid has expired", cause: err}, true
	case errors.Is(err, engine.ErrBidNotPending):
		return &Error{Code: CodeBidNotPending, Message: "bid is no longer pending", cause: err}, true
	case errors.Is(err, engine.ErrInvalidTransition):
		return &Error{Code: CodeInvalidTransition, Message: err.Error(), cause: err}, true
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: "not found", cause: err}, true
	case errors.Is(err, ErrNoCompletedTransaction):
		return &Error{Code: CodeNoCompletedTransaction, Message: "no unrated completed transaction between these users", cause: err}, true
	case errors.Is(err, ledger.ErrChainBroken), errors.Is(err, ledger.ErrLedgerHalted):
		return &Error{Code: CodeLedgerIntegrity, Message: "ledger verification failed", cause: err}, true
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrUnsaved), errors.Is(err, ledger.ErrConcurrentAppend),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Code: CodeBusy, Message: "marketplace busy, try again", cause: err}, true
	}
	return &Error{Code: CodeInternal, Message: "internal error"}, false
}
