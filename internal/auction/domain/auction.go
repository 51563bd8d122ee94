package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionDraft     AuctionStatus = "draft"
	AuctionPublished AuctionStatus = "published"
	AuctionCompleted AuctionStatus = "completed"
)

// Auction owns many lots. published -> completed is the only transition the finalizer performs.
type Auction struct {
	ID          uuid.UUID
	Title       string
	Status      AuctionStatus
	StartsAt    *time.Time
	EndsAt      *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CheckFinalizable returns ErrAlreadyFinalized for completed auctions and
// ErrAuctionNotPublished for drafts.
func (a *Auction) CheckFinalizable() error {
	switch a.Status {
	case AuctionCompleted:
		return ErrAlreadyFinalized
	case AuctionPublished:
		return nil
	default:
		return ErrAuctionNotPublished
	}
}
