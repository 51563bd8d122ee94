package domain

//go:generate mockgen -source=auction_interfaces.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AuctionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Auction, error)
	// MarkCompleted moves a non-completed auction to completed; ErrAlreadyFinalized when it already was.
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
}

type LotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Lot, error)
	ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*Lot, error)
	// SaveOutcome writes a resolution onto a lot that is still active; ErrLotNotActive otherwise.
	SaveOutcome(ctx context.Context, outcome *LotOutcome) error
}

// BidSummary is what the live store needs from durable history to rebuild a lot after a restart.
type BidSummary struct {
	Count       int
	MaxSequence int64
	// Recent is newest first.
	Recent []*Bid
}

type BidRepository interface {
	// Save is idempotent on the bid ID so the outbox can retry it.
	Save(ctx context.Context, bid *Bid) error
	GetBidsByLotID(ctx context.Context, lotID uuid.UUID) ([]*Bid, error)
	GetSummaryByLotID(ctx context.Context, lotID uuid.UUID, recentLimit int) (*BidSummary, error)
}
