package application

import (
	"context"
	"fmt"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
)

// LotStateDTO is the output DTO for exposing lot state to the UI/WS
type LotStateDTO struct {
	LotID       uuid.UUID    `json:"lotId"`
	AuctionID   uuid.UUID    `json:"auctionId"`
	Title       string       `json:"title"`
	Status      string       `json:"status"`
	Open        bool         `json:"open"`
	StartingBid float64      `json:"startingBid"`
	CurrentBid  float64      `json:"currentBid"`
	TotalBids   int          `json:"totalBids"`
	LatestBid   *domain.Bid  `json:"latestBid,omitempty"`
	RecentBids  []domain.Bid `json:"recentBids"`
}

// NewLotStateDTO copies a live snapshot into its wire shape.
func NewLotStateDTO(snap domain.LotSnapshot) *LotStateDTO {
	return &LotStateDTO{
		LotID:       snap.LotID,
		AuctionID:   snap.AuctionID,
		Title:       snap.Title,
		Status:      string(snap.Status),
		Open:        snap.Open,
		StartingBid: snap.StartingBid,
		CurrentBid:  snap.CurrentBid,
		TotalBids:   snap.TotalBids,
		LatestBid:   snap.LatestBid(),
		RecentBids:  snap.RecentBids,
	}
}

// GetLotStateUseCase retrieves the current live state of an auction lot
type GetLotStateUseCase struct {
	store *LotStateStore
}

// NewGetLotStateUseCase creates a new instance of GetLotStateUseCase.
func NewGetLotStateUseCase(store *LotStateStore) *GetLotStateUseCase {
	return &GetLotStateUseCase{store: store}
}

func (uc *GetLotStateUseCase) Execute(ctx context.Context, lotID uuid.UUID) (*LotStateDTO, error) {
	state, err := uc.store.Get(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("get lot state use case: %w", err)
	}
	return NewLotStateDTO(state.Snapshot()), nil
}
