package withdrawal

import (
	"time"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/ledger"
)

// ReserveRequest places a hold for a pending withdrawal.
type ReserveRequest struct {
	apierror.AmountRequest
	AccountID   string `json:"account_id"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	FeeLevel    string `json:"fee_level"`
	Destination string `json:"destination"`
}

// CommitRequest finalises a held withdrawal.
type CommitRequest struct {
	Destination string `json:"destination"`
}

// ReversalRequest credits back a committed withdrawal debit.
type ReversalRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// ReservationResponse is returned by reserve and release.
type ReservationResponse struct {
	ledger.Reservation
	TTLSeconds int64 `json:"ttl_seconds"`
}

func toReservation(r ledger.Reservation, now time.Time) ReservationResponse {
	resp := ReservationResponse{Reservation: r}
	if r.State == ledger.ReservationHeld && now.Before(r.ExpiresAt) {
		resp.TTLSeconds = int64(r.ExpiresAt.Sub(now).Seconds())
	}
	return resp
}
