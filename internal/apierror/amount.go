package apierror

import (
	"net/http"
	"strings"

	"github.com/btcdash/btcledger/internal/money"
)

// AmountRequest is embedded in request bodies that carry a money amount,
// either in minor units or as a major-unit decimal string.
type AmountRequest struct {
	Amount      int64  `json:"amount"`
	AmountMajor string `json:"amount_major"`
	Currency    string `json:"currency"`
}

// Money resolves the request amount against the account currency. An
// explicit currency that differs from the account is passed through so the
// ledger can reject it as a mismatch.
func (r AmountRequest) Money(account money.Currency) (money.Money, error) {
	currency := account
	if code := strings.TrimSpace(r.Currency); code != "" {
		c, err := money.ParseCurrency(code)
		if err != nil {
			return money.Money{}, New(http.StatusBadRequest, err.Error())
		}
		currency = c
	}
	if r.AmountMajor != "" {
		m, err := money.ParseMajor(r.AmountMajor, currency)
		if err != nil {
			return money.Money{}, New(http.StatusBadRequest, err.Error())
		}
		return m, nil
	}
	return money.New(r.Amount, currency), nil
}
