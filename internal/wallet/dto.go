package wallet

import (
	"math"
	"time"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/ledger"
)

type openRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
}

type postingRequest struct {
	apierror.AmountRequest
	TxRef          string `json:"tx_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	Direction      string `json:"direction"` // adjustments only: credit or debit
}

type lockRequest struct {
	DurationSeconds int64  `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

type resolveRequest struct {
	Operator string `json:"operator"`
}

type eligibilityResponse struct {
	AccountID        string        `json:"account_id"`
	Eligible         bool          `json:"eligible"`
	UnlockAt         *time.Time    `json:"unlock_at,omitempty"`
	RemainingSeconds int64         `json:"remaining_seconds"`
	Locks            []ledger.Lock `json:"locks"`
}

type entriesResponse struct {
	AccountID string         `json:"account_id"`
	Entries   []ledger.Entry `json:"entries"`
	NextAfter int64          `json:"next_after,omitempty"`
}

func toEligibility(accountID string, e ledger.Eligibility, locks []ledger.Lock) eligibilityResponse {
	resp := eligibilityResponse{
		AccountID:        accountID,
		Eligible:         e.Eligible,
		RemainingSeconds: int64(math.Ceil(e.Remaining.Seconds())),
		Locks:            locks,
	}
	if !e.UnlockAt.IsZero() {
		unlock := e.UnlockAt
		resp.UnlockAt = &unlock
	}
	if resp.Locks == nil {
		resp.Locks = []ledger.Lock{}
	}
	return resp
}
