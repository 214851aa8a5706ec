package withdrawal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/logging"
	"github.com/btcdash/btcledger/internal/money"
	"github.com/btcdash/btcledger/internal/payout"
)

const address = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

type harness struct {
	app   *fiber.App
	svc   *ledger.Service
	clock *clock.Fake
}

func newHarness(t *testing.T, lock time.Duration) *harness {
	t.Helper()
	validator, err := payout.NewBitcoinValidator("mainnet")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := ledger.NewService(ledger.NewMemoryStore(), clk, ledger.Options{
		NewAccountLock: lock,
		Destinations:   validator,
		Logger:         logging.Discard(),
	})
	app := fiber.New(fiber.Config{ErrorHandler: apierror.Handler})
	NewHandler(svc, clk).Register(app, nil)
	return &harness{app: app, svc: svc, clock: clk}
}

func (h *harness) funded(t *testing.T, sat int64) ledger.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := h.svc.OpenAccount(ctx, "owner-1", money.BTC)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.Credit(ctx, ledger.CreditInput{AccountID: acct.ID, Amount: money.New(sat, money.BTC)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return acct
}

func (h *harness) post(t *testing.T, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestReserveCommitWithFee(t *testing.T) {
	h := newHarness(t, 0)
	acct := h.funded(t, 100_000)

	var r ReservationResponse
	status := h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":50000,"fee_level":"fast","ttl_seconds":120}`, &r)
	if status != fiber.StatusCreated {
		t.Fatalf("reserve status %d", status)
	}
	if r.Fee.Amount != 5_000 || r.TTLSeconds != 120 || r.State != ledger.ReservationHeld {
		t.Fatalf("unexpected reservation %+v", r)
	}

	var commit ledger.Commit
	if status := h.post(t, "/withdrawals/"+r.ID+"/commit", `{"destination":"`+address+`"}`, &commit); status != fiber.StatusOK {
		t.Fatalf("commit status %d", status)
	}
	if commit.Debit.Delta != -50_000 || commit.Fee == nil || commit.Fee.Delta != -5_000 {
		t.Fatalf("unexpected commit %+v", commit)
	}

	bal, _ := h.svc.GetBalance(context.Background(), acct.ID, money.BTC)
	if bal.Cached.Amount != 45_000 || bal.Reserved.Amount != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	if status := h.post(t, "/withdrawals/"+r.ID+"/commit", `{"destination":"`+address+`"}`, nil); status != fiber.StatusConflict {
		t.Fatalf("expected 409 on second commit got %d", status)
	}
}

func TestReserveRefusedWhileLocked(t *testing.T) {
	h := newHarness(t, 24*time.Hour)
	acct := h.funded(t, 100_000)
	h.clock.Advance(23*time.Hour + 59*time.Minute)

	var body map[string]any
	status := h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":1000}`, &body)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", status)
	}
	if secs, _ := body["remaining_seconds"].(float64); secs != 60 {
		t.Fatalf("expected 60 remaining seconds, got %v", body["remaining_seconds"])
	}

	h.clock.Advance(time.Minute)
	if status := h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":1000}`, nil); status != fiber.StatusCreated {
		t.Fatalf("expected reserve once unlocked, got %d", status)
	}
}

func TestReserveErrors(t *testing.T) {
	h := newHarness(t, 0)
	acct := h.funded(t, 10_000)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"insufficient", `{"account_id":"` + acct.ID + `","amount":9000,"fee_level":"fast"}`, fiber.StatusUnprocessableEntity},
		{"zero amount", `{"account_id":"` + acct.ID + `","amount":0}`, fiber.StatusBadRequest},
		{"ttl too long", `{"account_id":"` + acct.ID + `","amount":10,"ttl_seconds":7200}`, fiber.StatusBadRequest},
		{"ttl overflows", `{"account_id":"` + acct.ID + `","amount":10,"ttl_seconds":9223372037}`, fiber.StatusBadRequest},
		{"ttl max int", `{"account_id":"` + acct.ID + `","amount":10,"ttl_seconds":9223372036854775807}`, fiber.StatusBadRequest},
		{"bad destination", `{"account_id":"` + acct.ID + `","amount":10,"destination":"not-an-address"}`, fiber.StatusBadRequest},
		{"unknown account", `{"account_id":"nope","amount":10}`, fiber.StatusNotFound},
		{"missing account", `{"amount":10}`, fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := h.post(t, "/withdrawals", tc.body, nil); got != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.name, tc.want, got)
		}
	}
}

func TestFeeEstimates(t *testing.T) {
	h := newHarness(t, 0)

	resp, err := h.app.Test(httptest.NewRequest(fiber.MethodGet, "/withdrawals/fees", nil))
	if err != nil {
		t.Fatalf("GET fees: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	var body struct {
		Currency string            `json:"currency"`
		Fees     []payout.Estimate `json:"fees"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Currency != "BTC" || len(body.Fees) != 3 {
		t.Fatalf("unexpected fees %+v", body)
	}
	want := map[payout.FeeLevel]int64{payout.FeeSlow: 1_000, payout.FeeNormal: 2_000, payout.FeeFast: 5_000}
	for _, e := range body.Fees {
		if want[e.Level] != e.FeeSats {
			t.Fatalf("level %s: expected %d sat got %d", e.Level, want[e.Level], e.FeeSats)
		}
		if e.FeeSats != payout.Fee(money.BTC, e.Level).Amount {
			t.Fatalf("level %s disagrees with the reserve fee", e.Level)
		}
	}
}

func TestCommitAfterExpiryIsGone(t *testing.T) {
	h := newHarness(t, 0)
	acct := h.funded(t, 10_000)

	var r ReservationResponse
	h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":1000,"ttl_seconds":60}`, &r)
	h.clock.Advance(61 * time.Second)

	if status := h.post(t, "/withdrawals/"+r.ID+"/commit", `{"destination":"`+address+`"}`, nil); status != fiber.StatusGone {
		t.Fatalf("expected 410 got %d", status)
	}
	if status := h.post(t, "/withdrawals/"+r.ID+"/commit", `{"destination":"`+address+`"}`, nil); status != fiber.StatusConflict {
		t.Fatalf("expected 409 after expiry was recorded, got %d", status)
	}
	if status := h.post(t, "/withdrawals/missing/commit", `{}`, nil); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 got %d", status)
	}
}

func TestReleaseAndReversal(t *testing.T) {
	h := newHarness(t, 0)
	acct := h.funded(t, 10_000)

	var r ReservationResponse
	h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":1000}`, &r)
	var released ReservationResponse
	if status := h.post(t, "/withdrawals/"+r.ID+"/release", "", &released); status != fiber.StatusOK || released.State != ledger.ReservationReleased {
		t.Fatalf("release: status %d %+v", status, released)
	}
	if status := h.post(t, "/withdrawals/"+r.ID+"/release", "", nil); status != fiber.StatusOK {
		t.Fatalf("second release should be a no-op, got %d", status)
	}

	h.post(t, "/withdrawals", `{"account_id":"`+acct.ID+`","amount":2000,"fee_level":"slow","destination":"`+address+`"}`, &r)
	var commit ledger.Commit
	if status := h.post(t, "/withdrawals/"+r.ID+"/commit", "", &commit); status != fiber.StatusOK {
		t.Fatalf("commit with stored destination: status %d", status)
	}

	reversal := `{"account_id":"` + acct.ID + `","reason":"broadcast failed"}`
	var out struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if status := h.post(t, "/withdrawals/"+commit.Debit.ID+"/reversal", reversal, &out); status != fiber.StatusCreated {
		t.Fatalf("reversal status %d", status)
	}
	if len(out.Entries) != 2 {
		t.Fatalf("expected debit and fee reversals, got %+v", out.Entries)
	}
	if status := h.post(t, "/withdrawals/"+commit.Debit.ID+"/reversal", reversal, nil); status != fiber.StatusConflict {
		t.Fatalf("expected 409 on second reversal got %d", status)
	}

	bal, _ := h.svc.GetBalance(context.Background(), acct.ID, money.BTC)
	if bal.Cached.Amount != 10_000 {
		t.Fatalf("expected funds restored, got %+v", bal)
	}
}
