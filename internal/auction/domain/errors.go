package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLotNotFound         = errors.New("auction lot not found")
	ErrLotNotActive        = errors.New("auction lot is not active")
	ErrBidAmountTooLow     = errors.New("bid amount is too low")
	ErrInvalidAmount       = errors.New("bid amount must be a finite number greater than zero")
	ErrInvalidBidder       = errors.New("bidder id is required")
	ErrAuctionNotFound     = errors.New("auction not found")
	ErrAuctionNotPublished = errors.New("auction is not published")
	ErrAlreadyFinalized    = errors.New("auction is already finalized")
	ErrArbiterStopped      = errors.New("bid arbiter is stopped")
	// ErrUnreconciledBids blocks finalization while accepted bids of a lot are missing from storage.
	ErrUnreconciledBids    = errors.New("lot has accepted bids pending manual reconciliation")
)

// StaleBidError rejects a bid that does not exceed the live current bid.
// It carries the true current bid so the bidder can retry with a higher amount.
type StaleBidError struct {
	Amount     float64
	CurrentBid float64
}

func (e *StaleBidError) Error() string {
	return fmt.Sprintf("bid must exceed %v", e.CurrentBid)
}

// Unwrap lets errors.Is(err, ErrBidAmountTooLow) match.
func (e *StaleBidError) Unwrap() error { return ErrBidAmountTooLow }
