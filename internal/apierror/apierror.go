// Package apierror translates ledger failures into HTTP responses.
package apierror

import (
	"errors"
	"math"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/oracle"
	"github.com/btcdash/btcledger/internal/payout"
)

// Error is an HTTP error with an optional lock countdown.
type Error struct {
	Status           int    `json:"-"`
	Message          string `json:"error"`
	RemainingSeconds *int64 `json:"remaining_seconds,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// StatusCode reports the HTTP status the error renders with.
func (e *Error) StatusCode() int { return e.Status }

// New builds an Error with the given status.
func New(status int, msg string) *Error {
	return &Error{Status: status, Message: msg}
}

// FromLedger maps err to an *Error. Unknown errors become 500 and keep their
// message out of the response.
func FromLedger(err error) *Error {
	var locked *ledger.LockedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &locked):
		secs := int64(math.Ceil(locked.Remaining.Seconds()))
		return &Error{Status: http.StatusUnprocessableEntity, Message: "withdrawal locked", RemainingSeconds: &secs}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		zero := int64(0)
		return &Error{Status: http.StatusUnprocessableEntity, Message: "insufficient funds", RemainingSeconds: &zero}
	case errors.Is(err, ledger.ErrReservationExpired):
		return New(http.StatusGone, "reservation expired")
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrReservationNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		return New(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyTerminal),
		errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrVersionConflict),
		errors.Is(err, ledger.ErrNonZeroBalance):
		return New(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrLedgerIntegrity):
		return New(http.StatusLocked, "account is on integrity hold")
	case errors.Is(err, ledger.ErrAccountInactive):
		return New(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrOwnerMismatch):
		return New(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return New(http.StatusServiceUnavailable, "ledger unavailable")
	case errors.Is(err, oracle.ErrRateUnavailable), errors.Is(err, ledger.ErrNoOracle):
		return New(http.StatusServiceUnavailable, "rate unavailable")
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTTL),
		errors.Is(err, ledger.ErrInvalidLock),
		errors.Is(err, ledger.ErrDestination),
		errors.Is(err, ledger.ErrReservedKey),
		errors.Is(err, payout.ErrInvalidDestination),
		errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, money.ErrUnknownCurrency),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrOverflow):
		return New(http.StatusBadRequest, err.Error())
	default:
		return New(http.StatusInternalServerError, "internal error")
	}
}

// Handler renders *Error and *fiber.Error values as {"error": msg} JSON.
func Handler(c *fiber.Ctx, err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return c.Status(apiErr.Status).JSON(apiErr)
	}
	status := http.StatusInternalServerError
	msg := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status, msg = fe.Code, fe.Message
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
