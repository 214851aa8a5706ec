package conversion

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/middleware"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/oracle"
)

// Handler exposes BTC buy/sell conversions and rate quotes.
type Handler struct {
	ledger *ledger.Service
	rates  oracle.Oracle
	clock  clock.Clock
}

// NewHandler constructs a conversion handler.
func NewHandler(svc *ledger.Service, rates oracle.Oracle, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{ledger: svc, rates: rates, clock: clk}
}

// Register wires the conversion routes.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/conversions", h.Convert)
	r.Get("/rates/:from/:to", h.Quote)
}

type convertRequest struct {
	apierror.AmountRequest
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Convert moves value from one of the owner's accounts to another at the
// current oracle rate.
func (h *Handler) Convert(c *fiber.Ctx) error {
	var req convertRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.FromAccountID) == "" || strings.TrimSpace(req.ToAccountID) == "" {
		return fiber.NewError(http.StatusBadRequest, "from_account_id and to_account_id are required")
	}
	from, err := h.ledger.GetAccount(c.UserContext(), req.FromAccountID)
	if err != nil {
		return apierror.FromLedger(err)
	}
	amount, err := req.Money(from.Currency)
	if err != nil {
		return err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = middleware.IdempotencyKey(c)
	}

	conv, err := h.ledger.Convert(c.UserContext(), ledger.ConvertInput{
		FromAccountID:  from.ID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.Status(http.StatusCreated).JSON(conv)
}

// Quote returns the current rate between two currencies.
func (h *Handler) Quote(c *fiber.Ctx) error {
	if h.rates == nil {
		return apierror.New(http.StatusServiceUnavailable, "rate unavailable")
	}
	from, err := money.ParseCurrency(c.Params("from"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	to, err := money.ParseCurrency(c.Params("to"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	rate, err := h.rates.Rate(c.UserContext(), from, to, h.clock.Now())
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.JSON(rate)
}
