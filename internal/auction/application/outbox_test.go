package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/auction/domain/mocks"
	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestReconciler(t *testing.T, opts ReconcilerOptions) (*Reconciler, *mocks.MockBidRepository) {
	t.Helper()
	ctrl := gomock.NewController(t)
	bidRepo := mocks.NewMockBidRepository(ctrl)
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return NewReconciler(bidRepo, clock.Mock{T: testNow}, noop.NewTracerProvider(), opts), bidRepo
}

func runReconciler(t *testing.T, r *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func flush(t *testing.T, r *Reconciler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
}

func testBid(lotID uuid.UUID, amount float64) domain.Bid {
	return domain.Bid{ID: uuid.New(), LotID: lotID, UserID: uuid.New(), Amount: amount, Timestamp: testNow}
}

func TestReconciler_RetriesUntilWritten(t *testing.T) {
	r, bidRepo := newTestReconciler(t, ReconcilerOptions{})
	bid := testBid(uuid.New(), 150)

	var mu sync.Mutex
	var saved []uuid.UUID
	gomock.InOrder(
		bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")).Times(2),
		bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, b *domain.Bid) error {
			mu.Lock()
			defer mu.Unlock()
			saved = append(saved, b.ID)
			return nil
		}),
	)
	runReconciler(t, r)

	r.Enqueue(bid)
	flush(t, r)

	require.Zero(t, r.Pending())
	require.Empty(t, r.DeadLetters())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uuid.UUID{bid.ID}, saved)
}

func TestReconciler_WritesInEnqueueOrder(t *testing.T) {
	r, bidRepo := newTestReconciler(t, ReconcilerOptions{})
	lotID := uuid.New()

	var mu sync.Mutex
	var amounts []float64
	bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, b *domain.Bid) error {
		mu.Lock()
		defer mu.Unlock()
		amounts = append(amounts, b.Amount)
		return nil
	}).Times(5)
	runReconciler(t, r)

	for i := 1; i <= 5; i++ {
		r.Enqueue(testBid(lotID, float64(100*i)))
	}
	flush(t, r)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []float64{100, 200, 300, 400, 500}, amounts)
}

func TestReconciler_DeadLettersAfterRetriesExhausted(t *testing.T) {
	r, bidRepo := newTestReconciler(t, ReconcilerOptions{MaxElapsed: 30 * time.Millisecond})
	bid := testBid(uuid.New(), 150)

	bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("database is down")).MinTimes(1)
	runReconciler(t, r)

	r.Enqueue(bid)
	flush(t, r)

	dead := r.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, bid.ID, dead[0].Bid.ID)
	require.Equal(t, testNow, dead[0].At)
	require.True(t, r.HasDeadLetters(bid.LotID))
	require.False(t, r.HasDeadLetters(uuid.New()))
}

func TestReconciler_MissingLotIsNotRetried(t *testing.T) {
	r, bidRepo := newTestReconciler(t, ReconcilerOptions{})
	bid := testBid(uuid.New(), 150)

	bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).Return(domain.ErrLotNotFound).Times(1)
	runReconciler(t, r)

	r.Enqueue(bid)
	flush(t, r)

	require.Len(t, r.DeadLetters(), 1)
}

func TestReconciler_FullQueueDeadLettersAndFlushWaits(t *testing.T) {
	// not running: nothing drains the queue
	r, _ := newTestReconciler(t, ReconcilerOptions{QueueSize: 1})
	lotID := uuid.New()

	r.Enqueue(testBid(lotID, 100))
	r.Enqueue(testBid(lotID, 200))

	require.Equal(t, 1, r.Pending())
	dead := r.DeadLetters()
	require.Len(t, dead, 1)
	require.Equal(t, 200.0, dead[0].Bid.Amount)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Flush(ctx), context.DeadlineExceeded)
}

func TestReconciler_FlushWithNothingPending(t *testing.T) {
	r, _ := newTestReconciler(t, ReconcilerOptions{})
	require.NoError(t, r.Flush(context.Background()))
}

func TestReconciler_FlushLotsIgnoresTrafficOnOtherLots(t *testing.T) {
	r, bidRepo := newTestReconciler(t, ReconcilerOptions{})
	lotA, lotB := uuid.New(), uuid.New()

	// writes for lot B hang until the test ends, so the outbox never drains as a whole
	release := make(chan struct{})
	bidRepo.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, b *domain.Bid) error {
		if b.LotID == lotB {
			<-release
		}
		return nil
	}).AnyTimes()
	runReconciler(t, r)
	t.Cleanup(func() { close(release) })

	r.Enqueue(testBid(lotA, 150))
	r.Enqueue(testBid(lotB, 100))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for amount := 101.0; ; amount++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Enqueue(testBid(lotB, amount))
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.FlushLots(ctx, lotA))
	require.Zero(t, r.PendingFor(lotA))
	require.Positive(t, r.PendingFor(lotB))

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, r.Flush(short), context.DeadlineExceeded)
}

func TestReconciler_FlushLotsWithoutLots(t *testing.T) {
	// not running, one bid stays pending
	r, _ := newTestReconciler(t, ReconcilerOptions{})
	r.Enqueue(testBid(uuid.New(), 100))

	require.NoError(t, r.FlushLots(context.Background()))
	require.NoError(t, r.FlushLots(context.Background(), uuid.New()))
}
