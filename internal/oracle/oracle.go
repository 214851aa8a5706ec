package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcdash/btcledger/internal/money"
)

// ErrRateUnavailable is returned when no rate can be produced for a pair.
var ErrRateUnavailable = errors.New("rate unavailable")

// Oracle quotes exchange rates. Balance operations never depend on it.
type Oracle interface {
	Rate(ctx context.Context, from, to money.Currency, at time.Time) (money.Rate, error)
}

type pair struct {
	from money.Currency
	to   money.Currency
}

// Static serves a fixed table of rates. Inverse pairs are derived when only
// one direction is configured.
type Static struct {
	mu    sync.RWMutex
	rates map[pair]decimal.Decimal
}

// NewStatic builds an empty static oracle.
func NewStatic() *Static {
	return &Static{rates: make(map[pair]decimal.Decimal)}
}

// ParseStatic reads pairs in the form "BTC:USD=65000.00,BTC:EUR=60000".
func ParseStatic(raw string) (*Static, error) {
	s := NewStatic()
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lhs, rhs, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: missing '='", item)
		}
		fromCode, toCode, ok := strings.Cut(lhs, ":")
		if !ok {
			return nil, fmt.Errorf("rate %q: expected FROM:TO", item)
		}
		from, err := money.ParseCurrency(fromCode)
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		to, err := money.ParseCurrency(toCode)
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(rhs))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		if err := s.Set(from, to, value); err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
	}
	return s, nil
}

// Set stores the rate for from→to.
func (s *Static) Set(from, to money.Currency, value decimal.Decimal) error {
	if !value.IsPositive() {
		return money.ErrInvalidRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[pair{from, to}] = value
	return nil
}

func (s *Static) Rate(ctx context.Context, from, to money.Currency, at time.Time) (money.Rate, error) {
	if err := ctx.Err(); err != nil {
		return money.Rate{}, err
	}
	if from == to {
		return money.Rate{From: from, To: to, Value: decimal.NewFromInt(1), AsOf: at}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.rates[pair{from, to}]; ok {
		return money.Rate{From: from, To: to, Value: v, AsOf: at}, nil
	}
	if v, ok := s.rates[pair{to, from}]; ok {
		r := money.Rate{From: to, To: from, Value: v, AsOf: at}
		return r.Inverse()
	}
	return money.Rate{}, fmt.Errorf("%w: %s/%s", ErrRateUnavailable, from, to)
}
