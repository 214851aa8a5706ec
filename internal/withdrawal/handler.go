package withdrawal

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/payout"
)

// Handler exposes the reserve, commit, release and reversal endpoints.
type Handler struct {
	ledger *ledger.Service
	clock  clock.Clock
}

// NewHandler constructs a withdrawal handler.
func NewHandler(svc *ledger.Service, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{ledger: svc, clock: clk}
}

// Register wires the withdrawal routes. limit, when set, guards reserve.
func (h *Handler) Register(r fiber.Router, limit fiber.Handler) {
	reserve := []fiber.Handler{h.Reserve}
	if limit != nil {
		reserve = append([]fiber.Handler{limit}, reserve...)
	}
	r.Get("/withdrawals/fees", h.Fees)
	r.Post("/withdrawals", reserve...)
	r.Post("/withdrawals/:id/commit", h.Commit)
	r.Post("/withdrawals/:id/release", h.Release)
	r.Post("/withdrawals/:id/reversal", h.Reverse)
}

// Reserve holds amount plus the network fee for the chosen fee level.
func (h *Handler) Reserve(c *fiber.Ctx) error {
	var req ReserveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.AccountID) == "" {
		return fiber.NewError(http.StatusBadRequest, "account_id is required")
	}
	if req.TTLSeconds < 0 {
		return fiber.NewError(http.StatusBadRequest, "ttl_seconds must not be negative")
	}
	ttl, err := apierror.Seconds("ttl_seconds", req.TTLSeconds)
	if err != nil {
		return err
	}
	acct, err := h.ledger.GetAccount(c.UserContext(), req.AccountID)
	if err != nil {
		return apierror.FromLedger(err)
	}
	amount, err := req.Money(acct.Currency)
	if err != nil {
		return err
	}

	r, err := h.ledger.ReserveWithdrawal(c.UserContext(), ledger.ReserveInput{
		AccountID:   acct.ID,
		Amount:      amount,
		Fee:         payout.Fee(acct.Currency, payout.FeeLevel(req.FeeLevel)),
		TTL:         ttl,
		Destination: strings.TrimSpace(req.Destination),
	})
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.Status(http.StatusCreated).JSON(toReservation(r, h.clock.Now()))
}

// Fees lists the network fee tiers a reserve request can pick from.
func (h *Handler) Fees(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"currency": "BTC", "fees": payout.Estimates()})
}

// Commit debits the held funds and records the payout destination.
func (h *Handler) Commit(c *fiber.Ctx) error {
	var req CommitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
	}
	commit, err := h.ledger.CommitWithdrawal(c.UserContext(), c.Params("id"), strings.TrimSpace(req.Destination))
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.Status(http.StatusOK).JSON(commit)
}

// Release cancels a held withdrawal. Releasing twice is harmless.
func (h *Handler) Release(c *fiber.Ctx) error {
	r, err := h.ledger.ReleaseWithdrawal(c.UserContext(), c.Params("id"))
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.Status(http.StatusOK).JSON(toReservation(r, h.clock.Now()))
}

// Reverse credits back the committed debit entry named by :id.
func (h *Handler) Reverse(c *fiber.Ctx) error {
	var req ReversalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.Reason) == "" {
		return fiber.NewError(http.StatusBadRequest, "account_id and reason are required")
	}
	entries, err := h.ledger.ReverseWithdrawal(c.UserContext(), req.AccountID, c.Params("id"), req.Reason)
	if err != nil {
		return apierror.FromLedger(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"entries": entries})
}
