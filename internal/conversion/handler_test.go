package conversion

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
	"github.com/btcdash/btcledger/internal/oracle"
)

type failingOracle struct{}

func (failingOracle) Rate(context.Context, money.Currency, money.Currency, time.Time) (money.Rate, error) {
	return money.Rate{}, oracle.ErrRateUnavailable
}

func setup(t *testing.T, rates oracle.Oracle) (*fiber.App, *ledger.Service) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	svc := ledger.NewService(ledger.NewMemoryStore(), clk, ledger.Options{Oracle: rates, Logger: logging.Discard()})
	app := fiber.New(fiber.Config{ErrorHandler: apierror.Handler})
	NewHandler(svc, rates, clk).Register(app)
	return app, svc
}

func staticRates(t *testing.T) oracle.Oracle {
	t.Helper()
	rates, err := oracle.ParseStatic("BTC:USD=65000")
	if err != nil {
		t.Fatalf("parse rates: %v", err)
	}
	return rates
}

func accounts(t *testing.T, svc *ledger.Service, usdCents int64) (ledger.Account, ledger.Account) {
	t.Helper()
	ctx := context.Background()
	usd, err := svc.OpenAccount(ctx, "owner-1", money.USD)
	if err != nil {
		t.Fatalf("open usd: %v", err)
	}
	btc, err := svc.OpenAccount(ctx, "owner-1", money.BTC)
	if err != nil {
		t.Fatalf("open btc: %v", err)
	}
	if _, err := svc.Credit(ctx, ledger.CreditInput{AccountID: usd.ID, Amount: money.New(usdCents, money.USD)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	return usd, btc
}

func send(t *testing.T, app *fiber.App, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestConvertBuysBitcoin(t *testing.T) {
	app, svc := setup(t, staticRates(t))
	usd, btc := accounts(t, svc, 1_000_000)

	body := `{"from_account_id":"` + usd.ID + `","to_account_id":"` + btc.ID + `","amount_major":"6500.00","idempotency_key":"buy-1"}`
	var conv ledger.Conversion
	if status := send(t, app, fiber.MethodPost, "/conversions", body, &conv); status != fiber.StatusCreated {
		t.Fatalf("convert status %d", status)
	}
	if conv.Debit.Delta != -650_000 || conv.Credit.Delta != 10_000_000 {
		t.Fatalf("unexpected conversion %+v", conv)
	}
	if conv.Debit.Rate == "" || conv.Debit.Rate != conv.Credit.Rate {
		t.Fatalf("both legs should record the rate: %q %q", conv.Debit.Rate, conv.Credit.Rate)
	}

	var replay ledger.Conversion
	send(t, app, fiber.MethodPost, "/conversions", body, &replay)
	if replay.Debit.ID != conv.Debit.ID {
		t.Fatalf("expected replay of %s got %s", conv.Debit.ID, replay.Debit.ID)
	}
	bal, _ := svc.GetBalance(context.Background(), usd.ID, money.USD)
	if bal.Cached.Amount != 350_000 {
		t.Fatalf("expected one debit, balance %d", bal.Cached.Amount)
	}
}

func TestConvertFailures(t *testing.T) {
	app, svc := setup(t, staticRates(t))
	usd, btc := accounts(t, svc, 1_000)
	other, _ := svc.OpenAccount(context.Background(), "owner-2", money.BTC)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"insufficient", `{"from_account_id":"` + usd.ID + `","to_account_id":"` + btc.ID + `","amount":5000}`, fiber.StatusUnprocessableEntity},
		{"other owner", `{"from_account_id":"` + usd.ID + `","to_account_id":"` + other.ID + `","amount":100}`, fiber.StatusForbidden},
		{"missing target", `{"from_account_id":"` + usd.ID + `","amount":100}`, fiber.StatusBadRequest},
		{"unknown source", `{"from_account_id":"nope","to_account_id":"` + btc.ID + `","amount":100}`, fiber.StatusNotFound},
	}
	for _, tc := range cases {
		if got := send(t, app, fiber.MethodPost, "/conversions", tc.body, nil); got != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.name, tc.want, got)
		}
	}
}

func TestConvertRateUnavailable(t *testing.T) {
	app, svc := setup(t, failingOracle{})
	usd, btc := accounts(t, svc, 1_000)

	var body map[string]any
	status := send(t, app, fiber.MethodPost, "/conversions", `{"from_account_id":"`+usd.ID+`","to_account_id":"`+btc.ID+`","amount":100}`, &body)
	if status != fiber.StatusServiceUnavailable || body["error"] != "rate unavailable" {
		t.Fatalf("expected 503 rate unavailable, got %d %v", status, body)
	}
	bal, _ := svc.GetBalance(context.Background(), usd.ID, money.USD)
	if bal.Cached.Amount != 1_000 {
		t.Fatalf("balance changed on oracle failure: %d", bal.Cached.Amount)
	}
}

func TestQuote(t *testing.T) {
	app, _ := setup(t, staticRates(t))

	var rate money.Rate
	if status := send(t, app, fiber.MethodGet, "/rates/usd/btc", "", &rate); status != fiber.StatusOK {
		t.Fatalf("quote status %d", status)
	}
	if rate.From != money.USD || rate.To != money.BTC || !rate.Value.IsPositive() {
		t.Fatalf("unexpected inverse quote %+v", rate)
	}
	if status := send(t, app, fiber.MethodGet, "/rates/BTC/DOGE", "", nil); status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 got %d", status)
	}
}
