package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain/mocks"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace/noop"
)

var testNow = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []BidUpdate
	err     error
}

func (b *recordingBroadcaster) BroadcastBidUpdate(_ context.Context, u BidUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
	return b.err
}

func (b *recordingBroadcaster) Updates() []BidUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BidUpdate, len(b.updates))
	copy(out, b.updates)
	return out
}

type recordingOutbox struct {
	mu   sync.Mutex
	bids []domain.Bid
}

func (o *recordingOutbox) Enqueue(bid domain.Bid) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bids = append(o.bids, bid)
}

func (o *recordingOutbox) Bids() []domain.Bid {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Bid, len(o.bids))
	copy(out, o.bids)
	return out
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) PublishJSON(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func newTestLot(startingBid float64) *domain.Lot {
	return &domain.Lot{
		ID:          uuid.New(),
		AuctionID:   uuid.New(),
		Title:       "Angus heifers x12",
		StartingBid: startingBid,
		Status:      domain.LotActive,
	}
}

type arbiterFixture struct {
	uc          *PlaceBidUseCase
	store       *LotStateStore
	broadcaster *recordingBroadcaster
	outbox      *recordingOutbox
	lotRepo     *mocks.MockLotRepository
	bidRepo     *mocks.MockBidRepository
}

// newArbiterFixture wires an arbiter whose repositories know the given lots, none with bids.
func newArbiterFixture(t *testing.T, lots ...*domain.Lot) *arbiterFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	lotRepo := mocks.NewMockLotRepository(ctrl)
	bidRepo := mocks.NewMockBidRepository(ctrl)
	for _, lot := range lots {
		lotRepo.EXPECT().GetByID(gomock.Any(), lot.ID).Return(lot, nil).AnyTimes()
		bidRepo.EXPECT().GetSummaryByLotID(gomock.Any(), lot.ID, gomock.Any()).Return(&domain.BidSummary{}, nil).AnyTimes()
	}

	store := NewLotStateStore(lotRepo, bidRepo, 10)
	f := &arbiterFixture{
		store:       store,
		broadcaster: &recordingBroadcaster{},
		outbox:      &recordingOutbox{},
		lotRepo:     lotRepo,
		bidRepo:     bidRepo,
	}
	f.uc = NewPlaceBidUseCase(store, f.broadcaster, f.outbox, clock.Mock{T: testNow}, noop.NewTracerProvider(), PlaceBidOptions{QueueSize: 16})
	t.Cleanup(f.uc.Stop)
	return f
}
