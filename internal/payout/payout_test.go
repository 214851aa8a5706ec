package payout

import (
	"errors"
	"testing"

	"github.com/btcdash/btcledger/internal/money"
)

func TestBitcoinValidatorMainnet(t *testing.T) {
	v, err := NewBitcoinValidator("mainnet")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	valid := []string{
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
	}
	for _, addr := range valid {
		if err := v.Validate(money.BTC, addr); err != nil {
			t.Fatalf("expected %s to be valid: %v", addr, err)
		}
	}

	invalid := []string{"", "not-an-address", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t5"}
	for _, addr := range invalid {
		if err := v.Validate(money.BTC, addr); !errors.Is(err, ErrInvalidDestination) {
			t.Fatalf("expected ErrInvalidDestination for %q got %v", addr, err)
		}
	}
}

func TestBitcoinValidatorRejectsOtherNetwork(t *testing.T) {
	v, err := NewBitcoinValidator("testnet")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	if err := v.Validate(money.BTC, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected mainnet address to be rejected on testnet, got %v", err)
	}
}

func TestBitcoinValidatorFiatReference(t *testing.T) {
	v, _ := NewBitcoinValidator("")
	if err := v.Validate(money.USD, "IBAN DE89 3704 0044 0532 0130 00"); err != nil {
		t.Fatalf("expected fiat reference to be accepted: %v", err)
	}
	if err := v.Validate(money.USD, "  "); !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("expected blank reference to be rejected, got %v", err)
	}
}

func TestNetworkParamsUnknown(t *testing.T) {
	if _, err := NetworkParams("dogecoin"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}

func TestFeeSchedule(t *testing.T) {
	cases := map[FeeLevel]int64{
		FeeSlow:   1_000,
		FeeNormal: 2_000,
		FeeFast:   5_000,
		"FAST":    5_000,
		"":        2_000,
		"warp":    2_000,
	}
	for level, want := range cases {
		if got := Fee(money.BTC, level); got.Amount != want || got.Currency != money.BTC {
			t.Fatalf("fee %q: expected %d got %v", level, want, got)
		}
	}
	if got := Fee(money.USD, FeeFast); !got.IsZero() || got.Currency != money.USD {
		t.Fatalf("expected zero USD fee, got %v", got)
	}
}
