package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/btcdash/btcledger/internal/money"
)

// ConvertInput moves value between two accounts of the same owner held in
// different currencies.
type ConvertInput struct {
	FromAccountID  string
	ToAccountID    string
	Amount         money.Money
	IdempotencyKey string
}

// Conversion is the pair of entries a conversion produced.
type Conversion struct {
	Rate   money.Rate `json:"rate"`
	Debit  Entry      `json:"debit"`
	Credit Entry      `json:"credit"`
}

// ErrNoOracle is returned by Convert when the service has no price oracle.
var ErrNoOracle = errors.New("no price oracle configured")

// Convert debits Amount from the source account and credits the converted
// value to the target account in one atomic unit. The rate is fetched before
// any lock is taken and recorded on both entries.
func (s *Service) Convert(ctx context.Context, input ConvertInput) (Conversion, error) {
	c, err := s.convert(ctx, input)
	s.observe("convert", err)
	return c, err
}

func (s *Service) convert(ctx context.Context, input ConvertInput) (Conversion, error) {
	if input.Amount.Amount <= 0 {
		return Conversion{}, ErrInvalidAmount
	}
	if input.FromAccountID == input.ToAccountID {
		return Conversion{}, fmt.Errorf("%w: source and target are the same account", ErrCurrencyMismatch)
	}
	if s.opts.Oracle == nil {
		return Conversion{}, ErrNoOracle
	}
	if input.IdempotencyKey == "" {
		input.IdempotencyKey = uuid.NewString()
	}

	from, err := s.store.GetAccount(ctx, input.FromAccountID)
	if err != nil {
		return Conversion{}, err
	}
	to, err := s.store.GetAccount(ctx, input.ToAccountID)
	if err != nil {
		return Conversion{}, err
	}
	if from.OwnerID != to.OwnerID {
		return Conversion{}, ErrOwnerMismatch
	}
	if err := checkCurrency(from, input.Amount.Currency); err != nil {
		return Conversion{}, err
	}

	rate, err := s.opts.Oracle.Rate(ctx, from.Currency, to.Currency, s.clock.Now())
	if err != nil {
		return Conversion{}, err
	}
	converted, err := money.Convert(input.Amount, rate)
	if err != nil {
		return Conversion{}, err
	}
	if converted.Amount <= 0 {
		return Conversion{}, fmt.Errorf("%w: %s converts to zero %s", ErrInvalidAmount, input.Amount, to.Currency)
	}

	// Both legs share one key; keys are scoped per account.
	key := conversionKeyPrefix + input.IdempotencyKey

	out := Conversion{Rate: rate}
	err = s.store.Atomic(ctx, []string{from.ID, to.ID}, func(tx Tx) error {
		source, err := tx.Account(from.ID)
		if err != nil {
			return err
		}
		target, err := tx.Account(to.ID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		since := now.Add(-s.opts.IdempotencyWindow)

		debit, debitErr := tx.EntryByKey(source.ID, key, since)
		if debitErr != nil && !errors.Is(debitErr, ErrEntryNotFound) {
			return debitErr
		}
		credit, creditErr := tx.EntryByKey(target.ID, key, since)
		if creditErr != nil && !errors.Is(creditErr, ErrEntryNotFound) {
			return creditErr
		}
		switch {
		case debitErr == nil && creditErr == nil:
			if !conversionLeg(debit, target.ID, -1) || !conversionLeg(credit, source.ID, 1) {
				return fmt.Errorf("%w: conversion key %s does not hold a matching pair", ErrLedgerIntegrity, key)
			}
			out.Debit, out.Credit = debit, credit
			return nil
		case debitErr == nil || creditErr == nil:
			return fmt.Errorf("%w: conversion key %s is posted on one leg only", ErrLedgerIntegrity, key)
		}
		if err := writable(source); err != nil {
			return err
		}
		if err := writable(target); err != nil {
			return err
		}

		active, err := expireLapsed(tx, source.ID, now)
		if err != nil {
			return err
		}
		if source.CachedBalance-reservedTotal(active) < input.Amount.Amount {
			return ErrInsufficientFunds
		}

		rateText := rate.Value.String()
		out.Debit, err = s.postOnce(tx, &source, Entry{
			Delta:          -input.Amount.Amount,
			Kind:           KindConversion,
			TxRef:          target.ID,
			Rate:           rateText,
			IdempotencyKey: key,
		}, since, now)
		if err != nil {
			return err
		}
		out.Credit, err = s.postOnce(tx, &target, Entry{
			Delta:          converted.Amount,
			Kind:           KindConversion,
			TxRef:          source.ID,
			Rate:           rateText,
			IdempotencyKey: key,
		}, since, now)
		if err != nil {
			return err
		}
		if err := s.save(tx, source, now); err != nil {
			return err
		}
		return s.save(tx, target, now)
	})
	if err != nil {
		return Conversion{}, err
	}
	return out, nil
}

// conversionLeg reports whether e is the conversion entry posted against
// counterparty with the given sign.
func conversionLeg(e Entry, counterparty string, sign int64) bool {
	return e.Kind == KindConversion && e.TxRef == counterparty && e.Delta*sign > 0
}
