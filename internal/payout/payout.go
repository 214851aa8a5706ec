package payout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcdash/btcledger/internal/money"
)

// ErrInvalidDestination is returned for destinations that cannot receive funds.
var ErrInvalidDestination = errors.New("invalid destination")

// NetworkParams maps a BTC_NETWORK value to chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", network)
}

// BitcoinValidator checks BTC destinations against a single network. Fiat
// payouts only need a non-empty reference.
type BitcoinValidator struct {
	params *chaincfg.Params
}

// NewBitcoinValidator builds a validator for the given network name.
func NewBitcoinValidator(network string) (*BitcoinValidator, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}
	return &BitcoinValidator{params: params}, nil
}

// Validate implements ledger.DestinationValidator.
func (v *BitcoinValidator) Validate(currency money.Currency, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidDestination)
	}
	if currency != money.BTC {
		return nil
	}
	addr, err := btcutil.DecodeAddress(destination, v.params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if !addr.IsForNet(v.params) {
		return fmt.Errorf("%w: address is not for %s", ErrInvalidDestination, v.params.Name)
	}
	return nil
}

// FeeLevel selects a network fee tier.
type FeeLevel string

const (
	FeeSlow   FeeLevel = "slow"
	FeeNormal FeeLevel = "normal"
	FeeFast   FeeLevel = "fast"
)

// fees are in satoshi.
var fees = map[FeeLevel]int64{
	FeeSlow:   1_000,
	FeeNormal: 2_000,
	FeeFast:   5_000,
}

// Fee returns the network fee for a withdrawal in currency. Unknown levels
// fall back to normal. Fiat withdrawals carry no network fee.
func Fee(currency money.Currency, level FeeLevel) money.Money {
	if currency != money.BTC {
		return money.Zero(currency)
	}
	amount, ok := fees[FeeLevel(strings.ToLower(string(level)))]
	if !ok {
		amount = fees[FeeNormal]
	}
	return money.New(amount, money.BTC)
}

// Estimate describes one fee tier for display.
type Estimate struct {
	Level        FeeLevel `json:"level"`
	FeeSats      int64    `json:"fee_sats"`
	SatPerByte   int64    `json:"sat_per_byte"`
	TimeEstimate string   `json:"time_estimate"`
}

// Estimates lists the fee tiers from slowest to fastest.
func Estimates() []Estimate {
	return []Estimate{
		{Level: FeeSlow, FeeSats: fees[FeeSlow], SatPerByte: 10, TimeEstimate: "60+ minutes"},
		{Level: FeeNormal, FeeSats: fees[FeeNormal], SatPerByte: 20, TimeEstimate: "30 minutes"},
		{Level: FeeFast, FeeSats: fees[FeeFast], SatPerByte: 50, TimeEstimate: "10 minutes"},
	}
}
