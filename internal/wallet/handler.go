package wallet

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/middleware"
	"github.com/btcdash/btcledger/internal/money"
)

// Handler exposes account HTTP endpoints.
type Handler struct {
	ledger *ledger.Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{ledger: svc}
}

// Register wires the account routes onto r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/accounts", h.Open)
	r.Get("/owners/:owner/accounts/:currency", h.FindByOwner)
	r.Get("/accounts/:id", h.Get)
	r.Get("/accounts/:id/balance", h.Balance)
	r.Get("/accounts/:id/eligibility", h.Eligibility)
	r.Get("/accounts/:id/entries", h.Entries)
	r.Post("/accounts/:id/deposits", h.Deposit)
	r.Post("/accounts/:id/adjustments", h.Adjust)
	r.Post("/accounts/:id/locks", h.Lock)
	r.Post("/accounts/:id/deactivate", h.Deactivate)
	r.Post("/accounts/:id/reconcile", h.Reconcile)
	r.Post("/accounts/:id/integrity/resolve", h.ResolveIntegrity)
}

func fail(err error) error {
	return apierror.FromLedger(err)
}

func (h *Handler) account(c *fiber.Ctx) (ledger.Account, error) {
	acct, err := h.ledger.GetAccount(c.UserContext(), c.Params("id"))
	if err != nil {
		return ledger.Account{}, fail(err)
	}
	return acct, nil
}

// currency reads ?currency= and defaults to the account's own currency.
func currency(c *fiber.Ctx, acct ledger.Account) (money.Currency, error) {
	code := c.Query("currency")
	if code == "" {
		return acct.Currency, nil
	}
	cur, err := money.ParseCurrency(code)
	if err != nil {
		return "", apierror.New(http.StatusBadRequest, err.Error())
	}
	return cur, nil
}

// Open creates the owner's account in a currency. Opening twice returns the
// existing account.
func (h *Handler) Open(c *fiber.Ctx) error {
	var req openRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return fiber.NewError(http.StatusBadRequest, "owner_id is required")
	}
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.ledger.OpenAccount(c.UserContext(), req.OwnerID, cur)
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusCreated).JSON(acct)
}

// Get returns the account record.
func (h *Handler) Get(c *fiber.Ctx) error {
	acct, err := h.account(c)
	if err != nil {
		return err
	}
	return c.JSON(acct)
}

// FindByOwner looks up an account by owner and currency.
func (h *Handler) FindByOwner(c *fiber.Ctx) error {
	cur, err := money.ParseCurrency(c.Params("currency"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	acct, err := h.ledger.FindAccount(c.UserContext(), c.Params("owner"), cur)
	if err != nil {
		return fail(err)
	}
	return c.JSON(acct)
}

// Balance returns cached, reserved and available amounts.
func (h *Handler) Balance(c *fiber.Ctx) error {
	acct, err := h.account(c)
	if err != nil {
		return err
	}
	cur, err := currency(c, acct)
	if err != nil {
		return err
	}
	bal, err := h.ledger.GetBalance(c.UserContext(), acct.ID, cur)
	if err != nil {
		return fail(err)
	}
	return c.JSON(bal)
}

// Eligibility reports whether the account may withdraw now.
func (h *Handler) Eligibility(c *fiber.Ctx) error {
	id := c.Params("id")
	e, err := h.ledger.CheckWithdrawalEligibility(c.UserContext(), id)
	if err != nil {
		return fail(err)
	}
	locks, err := h.ledger.Locks(c.UserContext(), id)
	if err != nil {
		return fail(err)
	}
	return c.JSON(toEligibility(id, e, locks))
}

// Entries pages through the account's ledger, newest sequence last.
func (h *Handler) Entries(c *fiber.Ctx) error {
	acct, err := h.account(c)
	if err != nil {
		return err
	}
	cur, err := currency(c, acct)
	if err != nil {
		return err
	}
	after, err := strconv.ParseInt(c.Query("after", "0"), 10, 64)
	if err != nil || after < 0 {
		return fiber.NewError(http.StatusBadRequest, "after must be a non-negative sequence")
	}
	limit := c.QueryInt("limit", ledger.DefaultPageLimit)

	entries, err := h.ledger.ListLedgerEntries(c.UserContext(), acct.ID, cur, ledger.Page{AfterSeq: after, Limit: limit})
	if err != nil {
		return fail(err)
	}
	resp := entriesResponse{AccountID: acct.ID, Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []ledger.Entry{}
	}
	if n := len(entries); n > 0 {
		resp.NextAfter = entries[n-1].Seq
	}
	return c.JSON(resp)
}

func idempotencyKey(c *fiber.Ctx, body string) string {
	if body != "" {
		return body
	}
	return middleware.IdempotencyKey(c)
}

// Deposit credits confirmed incoming funds.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	acct, err := h.account(c)
	if err != nil {
		return err
	}
	var req postingRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := req.Money(acct.Currency)
	if err != nil {
		return err
	}
	entry, err := h.ledger.Credit(c.UserContext(), ledger.CreditInput{
		AccountID:      acct.ID,
		Amount:         amount,
		Kind:           ledger.KindDeposit,
		TxRef:          req.TxRef,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusCreated).JSON(entry)
}

// Adjust posts an operator adjustment in either direction.
func (h *Handler) Adjust(c *fiber.Ctx) error {
	acct, err := h.account(c)
	if err != nil {
		return err
	}
	var req postingRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := req.Money(acct.Currency)
	if err != nil {
		return err
	}
	key := idempotencyKey(c, req.IdempotencyKey)

	var entry ledger.Entry
	switch strings.ToLower(req.Direction) {
	case "", "credit":
		entry, err = h.ledger.Credit(c.UserContext(), ledger.CreditInput{
			AccountID: acct.ID, Amount: amount, Kind: ledger.KindAdjustment, TxRef: req.TxRef, IdempotencyKey: key,
		})
	case "debit":
		entry, err = h.ledger.Debit(c.UserContext(), ledger.DebitInput{
			AccountID: acct.ID, Amount: amount, Kind: ledger.KindAdjustment, TxRef: req.TxRef, IdempotencyKey: key,
		})
	default:
		return fiber.NewError(http.StatusBadRequest, "direction must be credit or debit")
	}
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusCreated).JSON(entry)
}

// Lock imposes a withdrawal lock.
func (h *Handler) Lock(c *fiber.Ctx) error {
	var req lockRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	reason := ledger.LockReason(req.Reason)
	if reason == "" {
		reason = ledger.LockManualHold
	}
	duration, err := apierror.Seconds("duration_seconds", req.DurationSeconds)
	if err != nil {
		return err
	}
	lock, err := h.ledger.ImposeLock(c.UserContext(), c.Params("id"), duration, reason)
	if err != nil {
		return fail(err)
	}
	return c.Status(http.StatusCreated).JSON(lock)
}

// Deactivate closes an account with a zero balance.
func (h *Handler) Deactivate(c *fiber.Ctx) error {
	acct, err := h.ledger.Deactivate(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(acct)
}

// Reconcile replays the account. A mismatch answers 423 with the report.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	rec, err := h.ledger.Reconcile(c.UserContext(), c.Params("id"))
	if err != nil {
		if rec.AccountID != "" && !rec.Match {
			return c.Status(http.StatusLocked).JSON(rec)
		}
		return fail(err)
	}
	return c.JSON(rec)
}

// ResolveIntegrity lifts an integrity hold after operator review.
func (h *Handler) ResolveIntegrity(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Operator) == "" {
		return fiber.NewError(http.StatusBadRequest, "operator is required")
	}
	acct, err := h.ledger.ResolveIntegrityHold(c.UserContext(), c.Params("id"), req.Operator)
	if err != nil {
		return fail(err)
	}
	return c.JSON(acct)
}
