package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/btcdash/btcledger/internal/logging"
	"github.com/btcdash/btcledger/internal/money"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParseStatic(t *testing.T) {
	o, err := ParseStatic("BTC:USD=65000.00, BTC:EUR=60000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	r, err := o.Rate(context.Background(), money.BTC, money.USD, at)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !r.Value.Equal(decimal.RequireFromString("65000")) {
		t.Fatalf("expected 65000 got %s", r.Value)
	}

	inv, err := o.Rate(context.Background(), money.USD, money.BTC, at)
	if err != nil {
		t.Fatalf("inverse rate: %v", err)
	}
	if inv.From != money.USD || inv.To != money.BTC {
		t.Fatalf("unexpected inverse pair %s/%s", inv.From, inv.To)
	}

	if _, err := o.Rate(context.Background(), money.USD, money.JPY, at); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable got %v", err)
	}
}

func TestParseStaticRejectsGarbage(t *testing.T) {
	for _, in := range []string{"BTC:USD", "BTCUSD=1", "BTC:XYZ=1", "BTC:USD=abc", "BTC:USD=0"} {
		if _, err := ParseStatic(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

type countingOracle struct {
	calls int
	inner Oracle
}

func (c *countingOracle) Rate(ctx context.Context, from, to money.Currency, at time.Time) (money.Rate, error) {
	c.calls++
	return c.inner.Rate(ctx, from, to, at)
}

func TestRedisCacheServesRepeatLookups(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	static, _ := ParseStatic("BTC:USD=65000")
	source := &countingOracle{inner: static}
	cache := NewRedisCache(source, client, time.Minute, logging.Discard())

	for i := 0; i < 3; i++ {
		r, err := cache.Rate(context.Background(), money.BTC, money.USD, at)
		if err != nil {
			t.Fatalf("rate: %v", err)
		}
		if !r.Value.Equal(decimal.NewFromInt(65000)) {
			t.Fatalf("unexpected value %s", r.Value)
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected one source call, got %d", source.calls)
	}
	if !mr.Exists("rate:v1:BTC:USD") {
		t.Fatalf("expected cache key to be written")
	}

	mr.FastForward(2 * time.Minute)
	if _, err := cache.Rate(context.Background(), money.BTC, money.USD, at); err != nil {
		t.Fatalf("rate after expiry: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", source.calls)
	}
}

func TestRedisCacheFallsThroughWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	static, _ := ParseStatic("BTC:USD=65000")
	cache := NewRedisCache(static, client, time.Minute, logging.Discard())
	if _, err := cache.Rate(context.Background(), money.BTC, money.USD, at); err != nil {
		t.Fatalf("expected source rate despite redis outage, got %v", err)
	}
}
