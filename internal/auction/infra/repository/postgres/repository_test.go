package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/cristianortiz/livestockBidding/internal/auction/infra/repository/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

var seedNow = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func seedAuction(t *testing.T, pool *pgxpool.Pool, status domain.AuctionStatus) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO auctions (id, title, status) VALUES ($1, $2, $3)`, id, "Spring cattle sale", string(status))
	require.NoError(t, err)
	return id
}

func seedLot(t *testing.T, pool *pgxpool.Pool, auctionID uuid.UUID, position int, reserve *float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO lots (id, auction_id, title, position, starting_bid, has_reserve, reserve_price)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, auctionID, "Angus steers", position, 100.0, reserve != nil, reserve)
	require.NoError(t, err)
	return id
}

func TestLotRepository_GetAndList(t *testing.T) {
	pool := newTestPool(t)
	repo := postgres.NewLotRepository(pool)
	ctx := context.Background()

	auctionID := seedAuction(t, pool, domain.AuctionPublished)
	reserve := 1000.0
	second := seedLot(t, pool, auctionID, 2, nil)
	first := seedLot(t, pool, auctionID, 1, &reserve)

	lot, err := repo.GetByID(ctx, first)
	require.NoError(t, err)
	require.Equal(t, auctionID, lot.AuctionID)
	require.Equal(t, domain.LotActive, lot.Status)
	require.True(t, lot.ReserveApplies())
	require.Equal(t, 1000.0, lot.ReservePrice)
	require.Nil(t, lot.WinnerID)

	lots, err := repo.ListByAuction(ctx, auctionID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	require.Equal(t, first, lots[0].ID)
	require.Equal(t, second, lots[1].ID)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrLotNotFound)
}

func TestLotRepository_SaveOutcomeOnlyOnce(t *testing.T) {
	pool := newTestPool(t)
	repo := postgres.NewLotRepository(pool)
	ctx := context.Background()

	lotID := seedLot(t, pool, seedAuction(t, pool, domain.AuctionPublished), 1, nil)
	winner := &domain.Bid{ID: uuid.New(), LotID: lotID, UserID: uuid.New(), Amount: 160}

	outcome := &domain.LotOutcome{LotID: lotID, Status: domain.LotSold, Winner: winner, HighestBid: 160, ResolvedAt: seedNow}
	require.NoError(t, repo.SaveOutcome(ctx, outcome))

	lot, err := repo.GetByID(ctx, lotID)
	require.NoError(t, err)
	require.Equal(t, domain.LotSold, lot.Status)
	require.Equal(t, winner.UserID, *lot.WinnerID)
	require.Equal(t, 160.0, *lot.WinningBid)
	require.True(t, seedNow.Equal(*lot.SoldAt))

	unsold := &domain.LotOutcome{LotID: lotID, Status: domain.LotUnsold, ResolvedAt: seedNow}
	require.ErrorIs(t, repo.SaveOutcome(ctx, unsold), domain.ErrLotNotActive)

	missing := &domain.LotOutcome{LotID: uuid.New(), Status: domain.LotUnsold, ResolvedAt: seedNow}
	require.ErrorIs(t, repo.SaveOutcome(ctx, missing), domain.ErrLotNotFound)
}

func TestAuctionRepository_MarkCompleted(t *testing.T) {
	pool := newTestPool(t)
	repo := postgres.NewAuctionRepository(pool)
	ctx := context.Background()

	id := seedAuction(t, pool, domain.AuctionPublished)
	require.NoError(t, repo.MarkCompleted(ctx, id, seedNow))

	a, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.AuctionCompleted, a.Status)
	require.True(t, seedNow.Equal(*a.CompletedAt))
	require.ErrorIs(t, a.CheckFinalizable(), domain.ErrAlreadyFinalized)

	require.ErrorIs(t, repo.MarkCompleted(ctx, id, seedNow), domain.ErrAlreadyFinalized)
	require.ErrorIs(t, repo.MarkCompleted(ctx, uuid.New(), seedNow), domain.ErrAuctionNotFound)

	_, err = repo.GetByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrAuctionNotFound)
}

func TestBidRepository_SaveIsIdempotentAndSummarizes(t *testing.T) {
	pool := newTestPool(t)
	repo := postgres.NewBidRepository(pool)
	ctx := context.Background()

	lotID := seedLot(t, pool, seedAuction(t, pool, domain.AuctionPublished), 1, nil)
	user := uuid.New()

	var saved []*domain.Bid
	for i := 1; i <= 5; i++ {
		bid := &domain.Bid{
			ID:         uuid.New(),
			LotID:      lotID,
			UserID:     user,
			BidderName: "Ana",
			Amount:     100 + float64(i)*10,
			Sequence:   int64(i),
			Timestamp:  seedNow.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Save(ctx, bid))
		saved = append(saved, bid)
	}
	// a retried write of an already stored bid
	require.NoError(t, repo.Save(ctx, saved[4]))

	all, err := repo.GetBidsByLotID(ctx, lotID)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, int64(1), all[0].Sequence)
	require.Equal(t, "Ana", all[0].BidderName)

	summary, err := repo.GetSummaryByLotID(ctx, lotID, 2)
	require.NoError(t, err)
	require.Equal(t, 5, summary.Count)
	require.Equal(t, int64(5), summary.MaxSequence)
	require.Len(t, summary.Recent, 2)
	require.Equal(t, 150.0, summary.Recent[0].Amount)
	require.Equal(t, 140.0, summary.Recent[1].Amount)

	empty, err := repo.GetSummaryByLotID(ctx, uuid.New(), 2)
	require.NoError(t, err)
	require.Zero(t, empty.Count)
	require.Empty(t, empty.Recent)
}

func TestBidRepository_SaveForUnknownLot(t *testing.T) {
	pool := newTestPool(t)
	repo := postgres.NewBidRepository(pool)

	bid := &domain.Bid{ID: uuid.New(), LotID: uuid.New(), UserID: uuid.New(), Amount: 10, Sequence: 1, Timestamp: seedNow}
	require.ErrorIs(t, repo.Save(context.Background(), bid), domain.ErrLotNotFound)
}
