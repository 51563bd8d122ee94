package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultOutboxSize    = 4096
	defaultMaxElapsed    = 2 * time.Minute
	defaultRetryInterval = 500 * time.Millisecond
	defaultWriteTimeout  = 5 * time.Second
)

// DeadLetter is an accepted bid whose durable write gave up. It needs manual reconciliation.
type DeadLetter struct {
	Bid    domain.Bid `json:"bid"`
	Reason string     `json:"reason"`
	At     time.Time  `json:"at"`
}

// ReconcilerOptions tunes the outbox.
type ReconcilerOptions struct {
	QueueSize     int
	MaxElapsed    time.Duration
	RetryInterval time.Duration
	WriteTimeout  time.Duration
}

// Reconciler is the bid outbox: accepted bids are queued in acceptance order and
// written to the bid repository with exponential backoff. Saves are idempotent on
// the bid ID, so a write retried after an ambiguous failure is harmless.
type Reconciler struct {
	bidRepo domain.BidRepository
	queue   chan domain.Bid
	clock   clock.Clock
	tracer  trace.Tracer
	opts    ReconcilerOptions

	mu sync.Mutex
	// bids not yet written nor dead-lettered, per lot and overall
	pending map[uuid.UUID]int
	total   int
	dead    []DeadLetter
	waiters []*flushWaiter
}

// flushWaiter is released once none of its lots has pending bids; a nil lots set waits for all of them.
type flushWaiter struct {
	lots map[uuid.UUID]struct{}
	done chan struct{}
}

func NewReconciler(bidRepo domain.BidRepository, clk clock.Clock, tp trace.TracerProvider, opts ReconcilerOptions) *Reconciler {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultOutboxSize
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = defaultMaxElapsed
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Reconciler{
		bidRepo: bidRepo,
		queue:   make(chan domain.Bid, opts.QueueSize),
		clock:   clk,
		tracer:  tp.Tracer("github.com/cristianortiz/livestockBidding/internal/auction/application"),
		opts:    opts,
		pending: make(map[uuid.UUID]int),
	}
}

// Enqueue never blocks the lot worker: with the queue full the bid goes straight to the dead letters.
func (r *Reconciler) Enqueue(bid domain.Bid) {
	r.mu.Lock()
	r.pending[bid.LotID]++
	r.total++
	r.mu.Unlock()

	select {
	case r.queue <- bid:
	default:
		log.Error("Reconciler: Outbox full, bid needs manual reconciliation",
			zap.String("lotID", bid.LotID.String()),
			zap.String("bidID", bid.ID.String()),
			zap.Float64("amount", bid.Amount),
		)
		r.settle(bid, errors.New("outbox full"))
	}
}

// Run drains the queue until ctx is cancelled. Bids still queued at that point
// stay pending; call Flush before cancelling to write them.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info("Reconciler started", zap.Int("capacity", cap(r.queue)))
	for {
		select {
		case <-ctx.Done():
			log.Info("Reconciler stopped", zap.Int("pending", r.Pending()))
			return
		case bid := <-r.queue:
			r.settle(bid, r.write(ctx, bid))
		}
	}
}

func (r *Reconciler) write(ctx context.Context, bid domain.Bid) error {
	ctx, span := r.tracer.Start(ctx, "Reconciler.write",
		trace.WithAttributes(
			attribute.String("lot_id", bid.LotID.String()),
			attribute.String("bid_id", bid.ID.String()),
		),
	)
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInterval
	b.MaxElapsedTime = r.opts.MaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		writeCtx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
		defer cancel()
		err := r.bidRepo.Save(writeCtx, &bid)
		if errors.Is(err, domain.ErrLotNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("Reconciler: Bid write failed, retrying",
			zap.String("lotID", bid.LotID.String()),
			zap.String("bidID", bid.ID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Error("Reconciler: Giving up on bid write, bid needs manual reconciliation",
			zap.String("lotID", bid.LotID.String()),
			zap.String("bidID", bid.ID.String()),
			zap.Float64("amount", bid.Amount),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
	return err
}

// settle takes a bid off the pending counts, dead-lettering it when err is set.
func (r *Reconciler) settle(bid domain.Bid, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.dead = append(r.dead, DeadLetter{Bid: bid, Reason: err.Error(), At: r.clock.Now()})
	}
	r.pending[bid.LotID]--
	if r.pending[bid.LotID] <= 0 {
		delete(r.pending, bid.LotID)
	}
	r.total--

	var kept []*flushWaiter
	for _, w := range r.waiters {
		if r.drainedLocked(w.lots) {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	r.waiters = kept
}

func (r *Reconciler) drainedLocked(lots map[uuid.UUID]struct{}) bool {
	if lots == nil {
		return r.total == 0
	}
	for id := range lots {
		if r.pending[id] > 0 {
			return false
		}
	}
	return true
}

// Flush waits until every bid enqueued so far was written or dead-lettered.
func (r *Reconciler) Flush(ctx context.Context) error {
	return r.wait(ctx, nil)
}

// FlushLots waits only for the bids of the given lots enqueued so far; bids of
// other lots keep flowing and are not waited for.
func (r *Reconciler) FlushLots(ctx context.Context, lotIDs ...uuid.UUID) error {
	if len(lotIDs) == 0 {
		return nil
	}
	lots := make(map[uuid.UUID]struct{}, len(lotIDs))
	for _, id := range lotIDs {
		lots[id] = struct{}{}
	}
	return r.wait(ctx, lots)
}

func (r *Reconciler) wait(ctx context.Context, lots map[uuid.UUID]struct{}) error {
	r.mu.Lock()
	if r.drainedLocked(lots) {
		r.mu.Unlock()
		return nil
	}
	w := &flushWaiter{lots: lots, done: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, other := range r.waiters {
			if other == w {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Pending returns the number of bids not yet written nor dead-lettered.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// PendingFor returns the number of bids of lotID not yet written nor dead-lettered.
func (r *Reconciler) PendingFor(lotID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[lotID]
}

// DeadLetters returns a copy of the bids that could not be written.
func (r *Reconciler) DeadLetters() []DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeadLetter, len(r.dead))
	copy(out, r.dead)
	return out
}

// HasDeadLetters reports whether any of the lots has a bid that could not be written.
func (r *Reconciler) HasDeadLetters(lotIDs ...uuid.UUID) bool {
	want := make(map[uuid.UUID]struct{}, len(lotIDs))
	for _, id := range lotIDs {
		want[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dead {
		if _, ok := want[d.Bid.LotID]; ok {
			return true
		}
	}
	return false
}
