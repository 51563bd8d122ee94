package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultFlushTimeout = 30 * time.Second

// AuctionService defines application interface layer of auction module
// exposes uses cases to external layer, aka infra
type AuctionService interface {
	// PlaceBid arbitrates a bid for both the live channel and the HTTP slow path,
	// returning the accepted bid or the reason it was rejected
	PlaceBid(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error)
	GetLotState(ctx context.Context, lotID uuid.UUID) (*LotStateDTO, error)
	FinalizeAuction(ctx context.Context, auctionID uuid.UUID) (*FinalizationReport, error)
}

// OutboxDrainer is the part of the outbox finalization waits on.
type OutboxDrainer interface {
	FlushLots(ctx context.Context, lotIDs ...uuid.UUID) error
	HasDeadLetters(lotIDs ...uuid.UUID) bool
}

// concret implementation of AuctionService (struct)
type auctionService struct {
	placeBidUC    *PlaceBidUseCase
	getLotStateUC *GetLotStateUseCase
	finalizeUC    *FinalizeAuctionUseCase
	store         *LotStateStore
	outbox        OutboxDrainer
	flushTimeout  time.Duration

	finalizing auctionLocks
}

func NewAuctionService(placeBidUC *PlaceBidUseCase,
	getLotStateUC *GetLotStateUseCase,
	finalizeUC *FinalizeAuctionUseCase,
	store *LotStateStore,
	outbox OutboxDrainer,
	flushTimeout time.Duration) AuctionService {

	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	return &auctionService{
		placeBidUC:    placeBidUC,
		getLotStateUC: getLotStateUC,
		finalizeUC:    finalizeUC,
		store:         store,
		outbox:        outbox,
		flushTimeout:  flushTimeout,
		finalizing:    auctionLocks{locks: make(map[uuid.UUID]*auctionLock)},
	}
}

// PlaceBid implements AuctionService.
func (as *auctionService) PlaceBid(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error) {
	return as.placeBidUC.Execute(ctx, cmd)
}

// GetLotState to implementss AuctionService
func (as *auctionService) GetLotState(ctx context.Context, lotID uuid.UUID) (*LotStateDTO, error) {
	return as.getLotStateUC.Execute(ctx, lotID)
}

// FinalizeAuction seals the auction's lots, waits until every accepted bid is in
// storage, resolves the lots and settles their live state.
func (as *auctionService) FinalizeAuction(ctx context.Context, auctionID uuid.UUID) (*FinalizationReport, error) {
	unlock := as.finalizing.lock(auctionID)
	defer unlock()

	auction, lots, err := as.finalizeUC.Prepare(ctx, auctionID)
	if err != nil {
		return nil, err
	}

	active := make([]uuid.UUID, 0, len(lots))
	for _, lot := range lots {
		if !lot.Status.IsTerminal() {
			active = append(active, lot.ID)
		}
	}

	if err := as.placeBidUC.Seal(ctx, active...); err != nil {
		as.store.Unseal(active...)
		return nil, fmt.Errorf("finalize auction %s: %w", auctionID, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, as.flushTimeout)
	// only this auction's lots: bids on other lots keep flowing meanwhile
	err = as.outbox.FlushLots(flushCtx, active...)
	cancel()
	if err != nil {
		as.store.Unseal(active...)
		log.Error("AuctionService: Pending bid writes did not drain, finalization aborted",
			zap.String("auctionID", auctionID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("finalize auction %s: waiting for bid writes: %w", auctionID, err)
	}
	if as.outbox.HasDeadLetters(active...) {
		as.store.Unseal(active...)
		log.Error("AuctionService: Auction has unreconciled bids, finalization aborted",
			zap.String("auctionID", auctionID.String()))
		return nil, domain.ErrUnreconciledBids
	}

	report, err := as.finalizeUC.Execute(ctx, auction, lots)
	if report != nil {
		settled := make([]uuid.UUID, 0, len(report.Results))
		for _, res := range report.Results {
			status := domain.LotStatus(res.Status)
			if status.IsTerminal() && res.Status != ResultSkipped && res.Status != ResultFailed {
				as.store.Settle(res.LotID, status)
				settled = append(settled, res.LotID)
			}
		}
		as.placeBidUC.Retire(settled...)
	}
	return report, err
}

// auctionLocks serializes finalizations of the same auction.
type auctionLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*auctionLock
}

type auctionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *auctionLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &auctionLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
