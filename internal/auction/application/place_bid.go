package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

const defaultLotQueueSize = 64

// PlaceBidDTO is DTO input for PlaceBid useCase, contains the necesary data to make a bid
type PlaceBidDTO struct {
	LotID      uuid.UUID
	UserID     uuid.UUID
	BidderName string
	Amount     float64
}

// BidUpdate is the acceptance event fanned out to everyone watching the lot.
type BidUpdate struct {
	LotID      uuid.UUID
	CurrentBid float64
	TotalBids  int
	Bid        domain.Bid
}

// BidBroadcaster delivers accepted bids to a lot's room. Calls for one lot
// are made from a single goroutine, in acceptance order.
type BidBroadcaster interface {
	BroadcastBidUpdate(ctx context.Context, update BidUpdate) error
}

// BidOutbox takes accepted bids for durable storage. Enqueue must not block.
type BidOutbox interface {
	Enqueue(bid domain.Bid)
}

// PlaceBidOptions tunes the arbiter.
type PlaceBidOptions struct {
	// QueueSize bounds the pending requests per lot.
	QueueSize int
}

// PlaceBidUseCase is the bid arbiter: one worker goroutine per lot takes bid
// requests from the lot's queue and decides them one at a time against the live state.
type PlaceBidUseCase struct {
	store       *LotStateStore
	broadcaster BidBroadcaster
	outbox      BidOutbox
	clock       clock.Clock
	tracer      trace.Tracer
	queueSize   int

	mu      sync.Mutex
	workers map[uuid.UUID]*lotWorker
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type lotWorker struct {
	lotID    uuid.UUID
	state    *domain.LiveLotState
	requests chan *bidRequest
	// closed by Retire once the lot is settled
	retire chan struct{}
	// closed once the worker stopped answering requests; stopErr is set before
	done    chan struct{}
	stopErr error
}

type bidRequest struct {
	ctx context.Context
	cmd PlaceBidDTO
	// barrier requests carry no bid, they only wait for the ones queued before them
	barrier bool
	reply   chan bidResult
}

type bidResult struct {
	bid *domain.Bid
	err error
}

// NewPlaceBidUseCase creates a new instance of PlaceBidUseCase, it receives dependency through injection
func NewPlaceBidUseCase(store *LotStateStore,
	broadcaster BidBroadcaster,
	outbox BidOutbox,
	clk clock.Clock,
	tp trace.TracerProvider,
	opts PlaceBidOptions) *PlaceBidUseCase {

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultLotQueueSize
	}
	return &PlaceBidUseCase{
		store:       store,
		broadcaster: broadcaster,
		outbox:      outbox,
		clock:       clk,
		tracer:      tp.Tracer("github.com/cristianortiz/livestockBidding/internal/auction/application"),
		queueSize:   opts.QueueSize,
		workers:     make(map[uuid.UUID]*lotWorker),
		quit:        make(chan struct{}),
	}
}

func (uc *PlaceBidUseCase) Execute(ctx context.Context, cmd PlaceBidDTO) (*domain.Bid, error) {
	log.Debug("Executing PlaceBidUseCase",
		zap.String("lotID", cmd.LotID.String()),
		zap.String("userID", cmd.UserID.String()),
		zap.Float64("amount", cmd.Amount),
	)
	// 1. validates input DTO, nothing reaches the lot queue malformed
	if err := domain.ValidateAmount(cmd.Amount); err != nil {
		log.Warn("PlaceBidUseCase: Invalid bid amount",
			zap.String("lotID", cmd.LotID.String()),
			zap.String("userID", cmd.UserID.String()),
			zap.Float64("amount", cmd.Amount),
		)
		return nil, err
	}
	if cmd.UserID == uuid.Nil {
		log.Warn("PlaceBidUseCase: Missing bidder", zap.String("lotID", cmd.LotID.String()))
		return nil, domain.ErrInvalidBidder
	}

	// 2. load (or reuse) the live state, the lot metadata decides if it is active
	state, err := uc.store.Get(ctx, cmd.LotID)
	if err != nil {
		if !errors.Is(err, domain.ErrLotNotFound) {
			log.Error("PlaceBidUseCase: Failed to get lot state",
				zap.String("lotID", cmd.LotID.String()),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("place bid use case: failed to get auction lot %s: %w", cmd.LotID, err)
	}
	if !state.IsOpen() {
		log.Warn("PlaceBidUseCase: Lot not active", zap.String("lotID", cmd.LotID.String()))
		return nil, domain.ErrLotNotActive
	}

	// 3. hand the request to the lot worker and wait for its decision
	w, err := uc.worker(state)
	if err != nil {
		return nil, err
	}
	return uc.submit(ctx, w, &bidRequest{ctx: ctx, cmd: cmd, reply: make(chan bidResult, 1)})
}

func (uc *PlaceBidUseCase) submit(ctx context.Context, w *lotWorker, req *bidRequest) (*domain.Bid, error) {
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, w.stopErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// once queued the request is decided even if the caller goes away
	select {
	case res := <-req.reply:
		return res.bid, res.err
	case <-w.done:
		select {
		case res := <-req.reply:
			return res.bid, res.err
		default:
			return nil, w.stopErr
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (uc *PlaceBidUseCase) worker(state *domain.LiveLotState) (*lotWorker, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.stopped {
		return nil, domain.ErrArbiterStopped
	}
	if w, ok := uc.workers[state.LotID()]; ok {
		return w, nil
	}
	// a settled lot is retired under uc.mu, so it never gets a new worker
	if !state.IsOpen() {
		return nil, domain.ErrLotNotActive
	}
	w := &lotWorker{
		lotID:    state.LotID(),
		state:    state,
		requests: make(chan *bidRequest, uc.queueSize),
		retire:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	uc.workers[w.lotID] = w
	uc.wg.Add(1)
	go uc.run(w)
	log.Debug("PlaceBidUseCase: Lot worker started", zap.String("lotID", w.lotID.String()))
	return w, nil
}

func (uc *PlaceBidUseCase) run(w *lotWorker) {
	defer uc.wg.Done()
	defer close(w.done)
	for {
		select {
		case <-uc.quit:
			w.stopErr = domain.ErrArbiterStopped
			w.drain()
			return
		case <-w.retire:
			w.stopErr = domain.ErrLotNotActive
			w.drain()
			log.Debug("PlaceBidUseCase: Lot worker retired", zap.String("lotID", w.lotID.String()))
			return
		case req := <-w.requests:
			req.reply <- uc.handle(w, req)
		}
	}
}

// drain answers whatever is still queued so no caller waits forever.
func (w *lotWorker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.reply <- bidResult{err: w.stopErr}
		default:
			return
		}
	}
}

// handle runs on the lot worker goroutine; the recover keeps a bad request from killing the lot.
func (uc *PlaceBidUseCase) handle(w *lotWorker, req *bidRequest) (res bidResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("PlaceBidUseCase: Recovered from panic while arbitrating bid",
				zap.String("lotID", w.lotID.String()),
				zap.Any("panic", r),
			)
			res = bidResult{err: fmt.Errorf("place bid use case: bid for lot %s failed: %v", w.lotID, r)}
		}
	}()
	if req.barrier {
		return bidResult{}
	}
	bid, err := uc.arbitrate(req.ctx, w.state, req.cmd)
	return bidResult{bid: bid, err: err}
}

// arbitrate compares, records, broadcasts and enqueues a bid. The live state is the
// only thing that can reject it; broadcast and persistence failures never do.
func (uc *PlaceBidUseCase) arbitrate(ctx context.Context, state *domain.LiveLotState, cmd PlaceBidDTO) (*domain.Bid, error) {
	// the submitter may have gone away; an accepted bid is still broadcast
	ctx = context.WithoutCancel(ctx)
	ctx, span := uc.tracer.Start(ctx, "PlaceBidUseCase.arbitrate",
		trace.WithAttributes(
			attribute.String("lot_id", cmd.LotID.String()),
			attribute.String("user_id", cmd.UserID.String()),
			attribute.Float64("amount", cmd.Amount),
		),
	)
	defer span.End()

	bid := domain.NewBid(uuid.New(), cmd.LotID, cmd.UserID, cmd.BidderName, cmd.Amount, uc.clock.Now())
	if err := state.RecordAccepted(bid); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("sequence", bid.Sequence))

	update := BidUpdate{
		LotID:      bid.LotID,
		CurrentBid: bid.Amount,
		TotalBids:  state.TotalBids(),
		Bid:        *bid,
	}
	if err := uc.broadcaster.BroadcastBidUpdate(ctx, update); err != nil {
		log.Error("PlaceBidUseCase: Failed to broadcast accepted bid",
			zap.String("lotID", bid.LotID.String()),
			zap.String("bidID", bid.ID.String()),
			zap.Error(err),
		)
	}
	uc.outbox.Enqueue(*bid)
	return bid, nil
}

// Seal closes the lots for bidding and returns once every bid accepted before
// the seal has been handed to the outbox.
func (uc *PlaceBidUseCase) Seal(ctx context.Context, lotIDs ...uuid.UUID) error {
	uc.store.Seal(lotIDs...)

	uc.mu.Lock()
	workers := make([]*lotWorker, 0, len(lotIDs))
	for _, id := range lotIDs {
		if w, ok := uc.workers[id]; ok {
			workers = append(workers, w)
		}
	}
	uc.mu.Unlock()

	for _, w := range workers {
		_, err := uc.submit(ctx, w, &bidRequest{barrier: true, reply: make(chan bidResult, 1)})
		if err != nil && !errors.Is(err, domain.ErrArbiterStopped) && !errors.Is(err, domain.ErrLotNotActive) {
			return fmt.Errorf("place bid use case: failed to seal lot %s: %w", w.lotID, err)
		}
	}
	return nil
}

// Retire ends the workers of settled lots. Call it after the lots were settled in the
// store, later bids are then refused before they reach a worker.
func (uc *PlaceBidUseCase) Retire(lotIDs ...uuid.UUID) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, id := range lotIDs {
		w, ok := uc.workers[id]
		if !ok {
			continue
		}
		delete(uc.workers, id)
		close(w.retire)
	}
}

func (uc *PlaceBidUseCase) activeWorkers() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.workers)
}

// Stop ends every lot worker. Requests still queued are answered with ErrArbiterStopped.
func (uc *PlaceBidUseCase) Stop() {
	uc.mu.Lock()
	if uc.stopped {
		uc.mu.Unlock()
		return
	}
	uc.stopped = true
	close(uc.quit)
	uc.mu.Unlock()

	uc.wg.Wait()
	log.Info("PlaceBidUseCase: All lot workers stopped")
}
