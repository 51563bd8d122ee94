package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LotStateStore owns the live state of every lot touched since the process started.
// States are created lazily on first join or first bid and seeded from durable storage.
type LotStateStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]*domain.LiveLotState
	// sealed lots stay closed even when their state is materialized later
	sealed map[uuid.UUID]struct{}
	loads  singleflight.Group

	lotRepo     domain.LotRepository
	bidRepo     domain.BidRepository
	recentLimit int
}

func NewLotStateStore(lotRepo domain.LotRepository, bidRepo domain.BidRepository, recentLimit int) *LotStateStore {
	if recentLimit <= 0 {
		recentLimit = domain.DefaultRecentBidLimit
	}
	return &LotStateStore{
		states:      make(map[uuid.UUID]*domain.LiveLotState),
		sealed:      make(map[uuid.UUID]struct{}),
		lotRepo:     lotRepo,
		bidRepo:     bidRepo,
		recentLimit: recentLimit,
	}
}

// Get returns the live state of lotID, loading it once when it is not in memory yet.
// Concurrent first touches of the same lot share a single load.
func (s *LotStateStore) Get(ctx context.Context, lotID uuid.UUID) (*domain.LiveLotState, error) {
	if state, ok := s.lookup(lotID); ok {
		return state, nil
	}

	v, err, _ := s.loads.Do(lotID.String(), func() (interface{}, error) {
		if state, ok := s.lookup(lotID); ok {
			return state, nil
		}
		state, err := s.load(ctx, lotID)
		if err != nil {
			return nil, err
		}
		return s.insert(state), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.LiveLotState), nil
}

func (s *LotStateStore) lookup(lotID uuid.UUID) (*domain.LiveLotState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[lotID]
	return state, ok
}

func (s *LotStateStore) insert(state *domain.LiveLotState) *domain.LiveLotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.states[state.LotID()]; ok {
		return existing
	}
	if _, ok := s.sealed[state.LotID()]; ok {
		state.Seal()
	}
	s.states[state.LotID()] = state
	return state
}

func (s *LotStateStore) load(ctx context.Context, lotID uuid.UUID) (*domain.LiveLotState, error) {
	lot, err := s.lotRepo.GetByID(ctx, lotID)
	if err != nil {
		return nil, fmt.Errorf("lot state store: failed to load lot %s: %w", lotID, err)
	}

	summary, err := s.bidRepo.GetSummaryByLotID(ctx, lotID, s.recentLimit)
	if err != nil {
		log.Error("LotStateStore: Failed to load bid history",
			zap.String("lotID", lotID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("lot state store: failed to load bids of lot %s: %w", lotID, err)
	}

	state := domain.NewLiveLotState(lot, s.recentLimit)
	if summary != nil && summary.Count > 0 {
		state.Restore(summary.Count, summary.MaxSequence, summary.Recent)
	}

	log.Info("LotStateStore: Live lot state materialized",
		zap.String("lotID", lotID.String()),
		zap.String("status", string(lot.Status)),
		zap.Float64("currentBid", state.CurrentBid()),
		zap.Int("totalBids", state.TotalBids()),
	)
	return state, nil
}

// Seal closes the given lots for bidding, whether or not they are in memory.
func (s *LotStateStore) Seal(lotIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range lotIDs {
		s.sealed[id] = struct{}{}
		if state, ok := s.states[id]; ok {
			state.Seal()
		}
	}
	log.Info("LotStateStore: Lots sealed", zap.Int("lots", len(lotIDs)))
}

// Unseal reopens lots sealed by a finalization that did not get to resolve them.
func (s *LotStateStore) Unseal(lotIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range lotIDs {
		delete(s.sealed, id)
		if state, ok := s.states[id]; ok {
			state.Unseal()
		}
	}
	log.Warn("LotStateStore: Lots unsealed", zap.Int("lots", len(lotIDs)))
}

// Settle applies the terminal status decided by finalization to a lot in memory.
func (s *LotStateStore) Settle(lotID uuid.UUID, status domain.LotStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[lotID] = struct{}{}
	if state, ok := s.states[lotID]; ok {
		state.Settle(status)
	}
}

// Loaded returns the number of lots held in memory.
func (s *LotStateStore) Loaded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
