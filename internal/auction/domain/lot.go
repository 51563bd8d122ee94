package domain

import (
	"time"

	"github.com/google/uuid"
)

// LotStatus represents the actual state of an auction lot
type LotStatus string

const (
	LotActive        LotStatus = "active"
	LotSold          LotStatus = "sold"
	LotUnsold        LotStatus = "unsold"
	LotReserveNotMet LotStatus = "reserve_not_met"
)

// IsTerminal reports whether the lot has left the active state. Terminal lots never accept bids.
func (s LotStatus) IsTerminal() bool {
	return s != LotActive
}

// Lot is a single item up for bid within an auction.
type Lot struct {
	ID           uuid.UUID
	AuctionID    uuid.UUID
	Title        string
	Position     int
	StartingBid  float64
	HasReserve   bool
	ReservePrice float64
	Status       LotStatus
	WinnerID     *uuid.UUID
	WinningBid   *float64
	SoldAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReserveApplies reports whether the reserve price takes part in resolution.
func (l *Lot) ReserveApplies() bool {
	return l.HasReserve && l.ReservePrice > 0
}
