package domain

import (
	"sync"

	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// DefaultRecentBidLimit bounds the in-memory recent bid log of a lot.
const DefaultRecentBidLimit = 100

// LiveLotState is the in-memory bidding state of a lot during its live phase.
// It is safe for concurrent use; RecordAccepted is the only mutation path for bids.
type LiveLotState struct {
	//to protect the compare-and-record of a bid and the snapshot reads done by joins
	mu sync.Mutex

	lotID       uuid.UUID
	auctionID   uuid.UUID
	title       string
	startingBid float64
	status      LotStatus
	sealed      bool

	currentBid float64
	totalBids  int
	lastSeq    int64
	recent     *recentBids
}

// LotSnapshot is a point-in-time copy of a LiveLotState.
type LotSnapshot struct {
	LotID       uuid.UUID
	AuctionID   uuid.UUID
	Title       string
	Status      LotStatus
	Open        bool
	StartingBid float64
	CurrentBid  float64
	TotalBids   int
	// RecentBids is newest first.
	RecentBids []Bid
}

// LatestBid returns the most recent accepted bid, nil when there is none.
func (s LotSnapshot) LatestBid() *Bid {
	if len(s.RecentBids) == 0 {
		return nil
	}
	b := s.RecentBids[0]
	return &b
}

// NewLiveLotState seeds a live state from the lot metadata: currentBid starts at the starting bid.
func NewLiveLotState(lot *Lot, recentLimit int) *LiveLotState {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentBidLimit
	}
	return &LiveLotState{
		lotID:       lot.ID,
		auctionID:   lot.AuctionID,
		title:       lot.Title,
		startingBid: lot.StartingBid,
		status:      lot.Status,
		currentBid:  lot.StartingBid,
		recent:      newRecentBids(recentLimit),
	}
}

// Restore replays durable bid history into a freshly created state.
// recent must be newest first; total is the full persisted count.
func (s *LiveLotState) Restore(total int, lastSeq int64, recent []*Bid) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(recent) - 1; i >= 0; i-- {
		b := recent[i]
		s.recent.push(*b)
		if b.Amount > s.currentBid {
			s.currentBid = b.Amount
		}
		if b.Sequence > lastSeq {
			lastSeq = b.Sequence
		}
	}
	s.totalBids = total
	s.lastSeq = lastSeq
}

// LotID returns the identifier of the lot.
func (s *LiveLotState) LotID() uuid.UUID { return s.lotID }

// CurrentBid returns the live high bid.
func (s *LiveLotState) CurrentBid() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBid
}

// TotalBids returns the number of accepted bids, persisted history included.
func (s *LiveLotState) TotalBids() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBids
}

// IsOpen reports whether the lot still accepts bids.
func (s *LiveLotState) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen()
}

func (s *LiveLotState) isOpen() bool {
	return !s.sealed && !s.status.IsTerminal()
}

// RecordAccepted compares and records a bid in one critical section.
// On success the bid receives the next sequence number and becomes the current bid.
func (s *LiveLotState) RecordAccepted(bid *Bid) error {
	//blocks concurrent acces to lot state
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isOpen() {
		log.Warn("Bid rejected: Lot not active",
			zap.String("lotID", s.lotID.String()),
			zap.String("status", string(s.status)),
			zap.Bool("sealed", s.sealed),
			zap.Float64("bidAmount", bid.Amount),
			zap.String("userID", bid.UserID.String()),
		)
		return ErrLotNotActive
	}

	if bid.Amount <= s.currentBid {
		log.Warn("Bid rejected: Amount too low",
			zap.String("lotID", s.lotID.String()),
			zap.Float64("bidAmount", bid.Amount),
			zap.Float64("currentBid", s.currentBid),
			zap.String("userID", bid.UserID.String()),
		)
		return &StaleBidError{Amount: bid.Amount, CurrentBid: s.currentBid}
	}

	s.lastSeq++
	bid.Sequence = s.lastSeq
	s.currentBid = bid.Amount
	s.totalBids++
	s.recent.push(*bid)

	log.Info("Bid placed successfully",
		zap.String("lotID", s.lotID.String()),
		zap.String("bidID", bid.ID.String()),
		zap.String("userID", bid.UserID.String()),
		zap.Float64("amount", bid.Amount),
		zap.Int64("sequence", bid.Sequence),
		zap.Int("totalBids", s.totalBids),
	)
	return nil
}

// Seal stops the lot from accepting bids without changing its status.
func (s *LiveLotState) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Unseal reopens a sealed lot that has not been settled.
func (s *LiveLotState) Unseal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = false
}

// Settle records the terminal status decided by finalization.
func (s *LiveLotState) Settle(status LotStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.sealed = true
}

// Snapshot copies the state for delivery to a joining connection.
func (s *LiveLotState) Snapshot() LotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LotSnapshot{
		LotID:       s.lotID,
		AuctionID:   s.auctionID,
		Title:       s.title,
		Status:      s.status,
		Open:        s.isOpen(),
		StartingBid: s.startingBid,
		CurrentBid:  s.currentBid,
		TotalBids:   s.totalBids,
		RecentBids:  s.recent.newestFirst(),
	}
}

// recentBids is a fixed capacity ring; once full the oldest entry is overwritten.
type recentBids struct {
	buf  []Bid
	next int
	size int
}

func newRecentBids(limit int) *recentBids {
	return &recentBids{buf: make([]Bid, limit)}
}

func (r *recentBids) push(b Bid) {
	r.buf[r.next] = b
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *recentBids) newestFirst() []Bid {
	out := make([]Bid, 0, r.size)
	for i := 1; i <= r.size; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
