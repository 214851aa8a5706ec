package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/btcdash/btcledger/internal/logging"
)

func setupTestApp(t *testing.T) (*fiber.App, *int) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	calls := 0
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/withdrawals", func(c *fiber.Ctx) error {
		calls++
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"key": IdempotencyKey(c), "call": calls})
	})
	return app, &calls
}

func post(t *testing.T, app *fiber.App, key, body string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/withdrawals", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(payload), resp.Header.Get("Idempotent-Replayed")
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _ := setupTestApp(t)

	status, _, _ := post(t, app, "", "{}")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls := setupTestApp(t)

	status, payload, _ := post(t, app, "abc123", `{"amount":100}`)
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// Second request should return the cached response without invoking handler again.
	status2, cached, replayed := post(t, app, "abc123", `{"amount":100}`)
	if status2 != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status2)
	}
	if cached != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cached)
	}
	if replayed != "true" {
		t.Fatalf("expected replay header")
	}
	if *calls != 1 {
		t.Fatalf("handler ran %d times", *calls)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cached), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
	if decoded["key"] != "abc123" {
		t.Fatalf("handler did not see idempotency key: %v", decoded)
	}
}

func TestIdempotencyRejectsKeyReuseWithDifferentBody(t *testing.T) {
	app, calls := setupTestApp(t)

	if status, _, _ := post(t, app, "k-1", `{"amount":100}`); status != fiber.StatusCreated {
		t.Fatalf("first request status %d", status)
	}
	status, _, _ := post(t, app, "k-1", `{"amount":999}`)
	if status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", status)
	}
	if *calls != 1 {
		t.Fatalf("handler ran %d times", *calls)
	}
}

func TestWithdrawalRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/withdrawals", WithdrawalRateLimit(cache, 2), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	send := func(account string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/withdrawals", strings.NewReader(`{"account_id":"`+account+`"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if got := send("acct-a"); got != fiber.StatusCreated {
			t.Fatalf("request %d: expected 201 got %d", i, got)
		}
	}
	if got := send("acct-a"); got != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", got)
	}
	if got := send("acct-b"); got != fiber.StatusCreated {
		t.Fatalf("other account should not be limited, got %d", got)
	}

	mr.FastForward(time.Minute + time.Second)
	if got := send("acct-a"); got != fiber.StatusCreated {
		t.Fatalf("limit should reset after a minute, got %d", got)
	}
}
