package money

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRate is returned for non-positive or mismatched rates.
var ErrInvalidRate = errors.New("invalid exchange rate")

// Rate quotes how many major units of To one major unit of From buys.
type Rate struct {
	From  Currency        `json:"from"`
	To    Currency        `json:"to"`
	Value decimal.Decimal `json:"value"`
	AsOf  time.Time       `json:"as_of"`
}

// Inverse returns the reciprocal quote. Division keeps 16 significant
// decimals which is well past the precision of any registered currency.
func (r Rate) Inverse() (Rate, error) {
	if !r.Value.IsPositive() {
		return Rate{}, ErrInvalidRate
	}
	return Rate{
		From:  r.To,
		To:    r.From,
		Value: decimal.NewFromInt(1).DivRound(r.Value, 16),
		AsOf:  r.AsOf,
	}, nil
}

// Convert applies the rate to m and rounds half-to-even at the target minor
// unit.
func Convert(m Money, r Rate) (Money, error) {
	if !r.Value.IsPositive() {
		return Money{}, ErrInvalidRate
	}
	if m.Currency != r.From {
		return Money{}, fmt.Errorf("%w: rate quotes %s, amount is %s", ErrCurrencyMismatch, r.From, m.Currency)
	}
	if !r.To.Valid() {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, r.To)
	}

	converted := m.Decimal().Mul(r.Value).Shift(r.To.Exponent()).RoundBank(0)
	if converted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || converted.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, ErrOverflow
	}
	return Money{Amount: converted.IntPart(), Currency: r.To}, nil
}
