package domain

import (
	"time"

	"github.com/google/uuid"
)

// LotOutcome is the resolution of a lot at auction close.
type LotOutcome struct {
	LotID  uuid.UUID
	Status LotStatus
	// Winner is the winning bid, set only when Status is LotSold.
	Winner *Bid
	// HighestBid is reported even when the reserve was not met; zero without bids.
	HighestBid float64
	BidCount   int
	ResolvedAt time.Time
}

// HighestBid returns the maximum-amount bid. Ties go to the earliest timestamp,
// then to the lowest sequence. Nil when bids is empty.
func HighestBid(bids []*Bid) *Bid {
	var best *Bid
	for _, b := range bids {
		if b == nil {
			continue
		}
		if best == nil || outranks(b, best) {
			best = b
		}
	}
	return best
}

func outranks(b, best *Bid) bool {
	if b.Amount != best.Amount {
		return b.Amount > best.Amount
	}
	if !b.Timestamp.Equal(best.Timestamp) {
		return b.Timestamp.Before(best.Timestamp)
	}
	return b.Sequence < best.Sequence
}

// ResolveLot decides the outcome of an active lot from its full bid history:
// no bids -> unsold, highest below an applicable reserve -> reserve_not_met, otherwise sold.
func ResolveLot(lot *Lot, bids []*Bid, at time.Time) LotOutcome {
	out := LotOutcome{
		LotID:      lot.ID,
		BidCount:   len(bids),
		ResolvedAt: at,
	}

	highest := HighestBid(bids)
	if highest == nil {
		out.Status = LotUnsold
		return out
	}
	out.HighestBid = highest.Amount

	if lot.ReserveApplies() && highest.Amount < lot.ReservePrice {
		out.Status = LotReserveNotMet
		return out
	}

	out.Status = LotSold
	out.Winner = highest
	return out
}
