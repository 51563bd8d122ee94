package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	userdomain "github.com/cristianortiz/livestockBidding/internal/user/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result statuses reported for lots that did not get a new terminal status.
const (
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// LotResult is the per-lot line of a finalization report.
type LotResult struct {
	LotID      uuid.UUID  `json:"lotId"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	WinnerID   *uuid.UUID `json:"winnerId,omitempty"`
	WinnerName string     `json:"winnerName,omitempty"`
	WinningBid float64    `json:"winningBid"`
	// HighestBid is reported for reserve_not_met lots, where no winning bid exists.
	HighestBid float64 `json:"highestBid,omitempty"`
	BidCount   int     `json:"bidCount"`
	Error      string  `json:"error,omitempty"`
}

// FinalizationReport is what the finalize endpoint returns.
type FinalizationReport struct {
	AuctionID   uuid.UUID   `json:"auctionId"`
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
	Results     []LotResult `json:"results"`
	CompletedAt time.Time   `json:"completedAt"`
}

// Failed returns the results of the lots whose resolution failed.
func (r *FinalizationReport) Failed() []LotResult {
	var out []LotResult
	for _, res := range r.Results {
		if res.Status == ResultFailed {
			out = append(out, res)
		}
	}
	return out
}

// EventPublisher sends outcome events to downstream consumers (invoicing, email).
type EventPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishJSON(context.Context, string, any) error { return nil }

// LotOutcomeEvent is published once per resolved lot under "lot.<status>".
type LotOutcomeEvent struct {
	AuctionID  uuid.UUID  `json:"auctionId"`
	LotID      uuid.UUID  `json:"lotId"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	WinnerID   *uuid.UUID `json:"winnerId,omitempty"`
	WinnerName string     `json:"winnerName,omitempty"`
	WinningBid float64    `json:"winningBid,omitempty"`
	HighestBid float64    `json:"highestBid,omitempty"`
	ResolvedAt time.Time  `json:"resolvedAt"`
}

// AuctionCompletedEvent is published under "auction.completed".
type AuctionCompletedEvent struct {
	AuctionID   uuid.UUID `json:"auctionId"`
	Success     bool      `json:"success"`
	Lots        int       `json:"lots"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completedAt"`
}

// FinalizeAuctionUseCase resolves every active lot of an auction from its durable
// bid history and completes the auction. It never reads the live store.
type FinalizeAuctionUseCase struct {
	auctionRepo domain.AuctionRepository
	lotRepo     domain.LotRepository
	bidRepo     domain.BidRepository
	userRepo    userdomain.UserRepository
	publisher   EventPublisher
	clock       clock.Clock
	tracer      trace.Tracer
}

func NewFinalizeAuctionUseCase(auctionRepo domain.AuctionRepository,
	lotRepo domain.LotRepository,
	bidRepo domain.BidRepository,
	userRepo userdomain.UserRepository,
	publisher EventPublisher,
	clk clock.Clock,
	tp trace.TracerProvider) *FinalizeAuctionUseCase {

	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &FinalizeAuctionUseCase{
		auctionRepo: auctionRepo,
		lotRepo:     lotRepo,
		bidRepo:     bidRepo,
		userRepo:    userRepo,
		publisher:   publisher,
		clock:       clk,
		tracer:      tp.Tracer("github.com/cristianortiz/livestockBidding/internal/auction/application"),
	}
}

// Prepare loads the auction and its lots, refusing completed and draft auctions
// before anything is touched.
func (uc *FinalizeAuctionUseCase) Prepare(ctx context.Context, auctionID uuid.UUID) (*domain.Auction, []*domain.Lot, error) {
	auction, err := uc.auctionRepo.GetByID(ctx, auctionID)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize auction use case: failed to get auction %s: %w", auctionID, err)
	}
	if err := auction.CheckFinalizable(); err != nil {
		log.Warn("FinalizeAuctionUseCase: Auction cannot be finalized",
			zap.String("auctionID", auctionID.String()),
			zap.String("status", string(auction.Status)),
			zap.Error(err),
		)
		return nil, nil, err
	}
	lots, err := uc.lotRepo.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, nil, fmt.Errorf("finalize auction use case: failed to list lots of auction %s: %w", auctionID, err)
	}
	return auction, lots, nil
}

// Execute resolves the lots one by one. A lot that fails is reported and the
// rest still run; the auction is completed once every lot was attempted.
func (uc *FinalizeAuctionUseCase) Execute(ctx context.Context, auction *domain.Auction, lots []*domain.Lot) (*FinalizationReport, error) {
	ctx, span := uc.tracer.Start(ctx, "FinalizeAuctionUseCase.Execute",
		trace.WithAttributes(
			attribute.String("auction_id", auction.ID.String()),
			attribute.Int("lots", len(lots)),
		),
	)
	defer span.End()

	now := uc.clock.Now()
	report := &FinalizationReport{
		AuctionID:   auction.ID,
		Results:     make([]LotResult, 0, len(lots)),
		CompletedAt: now,
	}

	var resolved []LotOutcomeEvent
	for _, lot := range lots {
		res, event := uc.finalizeLot(ctx, auction, lot, now)
		report.Results = append(report.Results, res)
		if event != nil {
			resolved = append(resolved, *event)
		}
	}

	if err := uc.auctionRepo.MarkCompleted(ctx, auction.ID, now); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrAlreadyFinalized) {
			log.Warn("FinalizeAuctionUseCase: Auction completed concurrently",
				zap.String("auctionID", auction.ID.String()))
			return nil, err
		}
		log.Error("FinalizeAuctionUseCase: Failed to mark auction completed",
			zap.String("auctionID", auction.ID.String()),
			zap.Error(err),
		)
		report.Message = "lots were resolved but the auction could not be marked completed"
		return report, fmt.Errorf("finalize auction use case: failed to complete auction %s: %w", auction.ID, err)
	}

	failed := len(report.Failed())
	report.Success = failed == 0
	if report.Success {
		report.Message = fmt.Sprintf("auction finalized, %d lot(s) resolved", len(resolved))
	} else {
		report.Message = fmt.Sprintf("auction finalized with %d failed lot(s)", failed)
		span.SetStatus(codes.Error, report.Message)
	}

	log.Info("FinalizeAuctionUseCase: Auction finalized",
		zap.String("auctionID", auction.ID.String()),
		zap.Int("lots", len(lots)),
		zap.Int("resolved", len(resolved)),
		zap.Int("failed", failed),
	)

	for _, ev := range resolved {
		uc.publish(ctx, "lot."+ev.Status, ev)
	}
	uc.publish(ctx, "auction.completed", AuctionCompletedEvent{
		AuctionID:   auction.ID,
		Success:     report.Success,
		Lots:        len(lots),
		Failed:      failed,
		CompletedAt: now,
	})
	return report, nil
}

func (uc *FinalizeAuctionUseCase) finalizeLot(ctx context.Context, auction *domain.Auction, lot *domain.Lot, now time.Time) (res LotResult, event *LotOutcomeEvent) {
	res = LotResult{LotID: lot.ID, Title: lot.Title}
	if lot.Status.IsTerminal() {
		res.Status = ResultSkipped
		return res, nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("FinalizeAuctionUseCase: Recovered from panic while resolving lot",
				zap.String("lotID", lot.ID.String()),
				zap.Any("panic", r),
			)
			res = LotResult{LotID: lot.ID, Title: lot.Title, Status: ResultFailed, Error: fmt.Sprint(r)}
			event = nil
		}
	}()

	bids, err := uc.bidRepo.GetBidsByLotID(ctx, lot.ID)
	if err != nil {
		log.Error("FinalizeAuctionUseCase: Failed to load bids",
			zap.String("lotID", lot.ID.String()),
			zap.Error(err),
		)
		res.Status = ResultFailed
		res.Error = err.Error()
		return res, nil
	}

	outcome := domain.ResolveLot(lot, bids, now)
	if err := uc.lotRepo.SaveOutcome(ctx, &outcome); err != nil {
		if errors.Is(err, domain.ErrLotNotActive) {
			log.Warn("FinalizeAuctionUseCase: Lot already resolved, skipping",
				zap.String("lotID", lot.ID.String()))
			res.Status = ResultSkipped
			return res, nil
		}
		log.Error("FinalizeAuctionUseCase: Failed to save lot outcome",
			zap.String("lotID", lot.ID.String()),
			zap.String("outcome", string(outcome.Status)),
			zap.Error(err),
		)
		res.Status = ResultFailed
		res.Error = err.Error()
		return res, nil
	}

	res.Status = string(outcome.Status)
	res.BidCount = outcome.BidCount
	switch outcome.Status {
	case domain.LotSold:
		winnerID := outcome.Winner.UserID
		res.WinnerID = &winnerID
		res.WinnerName = uc.bidderName(ctx, outcome.Winner)
		res.WinningBid = outcome.Winner.Amount
	case domain.LotReserveNotMet:
		res.HighestBid = outcome.HighestBid
	}

	log.Info("FinalizeAuctionUseCase: Lot resolved",
		zap.String("lotID", lot.ID.String()),
		zap.String("status", res.Status),
		zap.Int("bids", outcome.BidCount),
		zap.Float64("winningBid", res.WinningBid),
	)

	return res, &LotOutcomeEvent{
		AuctionID:  auction.ID,
		LotID:      lot.ID,
		Title:      lot.Title,
		Status:     res.Status,
		WinnerID:   res.WinnerID,
		WinnerName: res.WinnerName,
		WinningBid: res.WinningBid,
		HighestBid: outcome.HighestBid,
		ResolvedAt: now,
	}
}

// bidderName prefers the users table and falls back to the name sent with the bid.
func (uc *FinalizeAuctionUseCase) bidderName(ctx context.Context, bid *domain.Bid) string {
	if uc.userRepo == nil {
		return bid.BidderName
	}
	user, err := uc.userRepo.GetByID(ctx, bid.UserID)
	if err != nil {
		if !errors.Is(err, userdomain.ErrUserNotFound) {
			log.Warn("FinalizeAuctionUseCase: Failed to look up winner",
				zap.String("userID", bid.UserID.String()),
				zap.Error(err),
			)
		}
		return bid.BidderName
	}
	return user.Name
}

func (uc *FinalizeAuctionUseCase) publish(ctx context.Context, key string, v any) {
	if err := uc.publisher.PublishJSON(ctx, key, v); err != nil {
		log.Warn("FinalizeAuctionUseCase: Failed to publish event",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
