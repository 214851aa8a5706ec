package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned when arithmetic mixes two currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrUnknownCurrency is returned for codes outside the registry.
	ErrUnknownCurrency = errors.New("unknown currency")

	// ErrInvalidAmount is returned for amounts that cannot be expressed in
	// whole minor units.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrOverflow is returned when a result does not fit in int64 minor units.
	ErrOverflow = errors.New("amount overflow")
)

// Currency is an ISO-4217 style code. BTC amounts are held in satoshi.
type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
)

var exponents = map[Currency]int32{
	BTC: 8,
	USD: 2,
	EUR: 2,
	GBP: 2,
	JPY: 0,
	CAD: 2,
	AUD: 2,
}

// ParseCurrency normalises and validates a currency code.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := exponents[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Exponent returns the number of decimal places of one major unit.
func (c Currency) Exponent() int32 {
	return exponents[c]
}

// Valid reports whether the currency is registered.
func (c Currency) Valid() bool {
	_, ok := exponents[c]
	return ok
}

// IsFiat reports whether the currency is a government currency.
func (c Currency) IsFiat() bool {
	return c.Valid() && c != BTC
}

// Money is an amount in integer minor units tagged with its currency.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

// New builds a Money value from minor units.
func New(amount int64, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// ParseMajor converts a decimal string in major units ("0.5") into minor
// units. Sub-minor precision is rejected rather than rounded.
func ParseMajor(value string, currency Currency) (Money, error) {
	if !currency.Valid() {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	minor := d.Shift(currency.Exponent())
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, value, currency.Exponent())
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: minor.IntPart(), Currency: currency}, nil
}

// Add returns a+b.
func Add(a, b Money) (Money, error) {
	if a.Currency != b.Currency {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	sum := a.Amount + b.Amount
	if (b.Amount > 0 && sum < a.Amount) || (b.Amount < 0 && sum > a.Amount) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: sum, Currency: a.Currency}, nil
}

// Subtract returns a-b.
func Subtract(a, b Money) (Money, error) {
	if a.Currency != b.Currency {
		return Money{}, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	if b.Amount == math.MinInt64 {
		return Money{}, ErrOverflow
	}
	return Add(a, Money{Amount: -b.Amount, Currency: b.Currency})
}

// Compare returns -1, 0 or 1 as a is less than, equal to or greater than b.
func Compare(a, b Money) (int, error) {
	if a.Currency != b.Currency {
		return 0, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	switch {
	case a.Amount < b.Amount:
		return -1, nil
	case a.Amount > b.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Neg returns the additive inverse.
func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -m.Currency.Exponent())
}

// String renders the amount in major units, e.g. "0.50000000 BTC".
func (m Money) String() string {
	return m.Decimal().StringFixed(m.Currency.Exponent()) + " " + string(m.Currency)
}
