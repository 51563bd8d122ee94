package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// bid represents individual bid in an auction lot
// is also an entity inside the Lot aggregate
type Bid struct {
	ID         uuid.UUID `json:"id"`
	LotID      uuid.UUID `json:"lotId"`
	UserID     uuid.UUID `json:"userId"` //users id who makes the bid
	BidderName string    `json:"user,omitempty"`
	Amount     float64   `json:"amount"`
	// Sequence is assigned by the live store on acceptance, strictly increasing per lot.
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"createdAt"`
}

// NewBid creates a new Bid instance
func NewBid(id, lotID, userID uuid.UUID, bidderName string, amount float64, timestamp time.Time) *Bid {
	return &Bid{
		ID:         id,
		LotID:      lotID,
		UserID:     userID,
		BidderName: bidderName,
		Amount:     amount,
		Timestamp:  timestamp,
	}
}

// ValidateAmount rejects NaN, infinities, zero and negative amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
