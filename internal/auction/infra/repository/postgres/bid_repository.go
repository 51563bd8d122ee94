package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	bidColumns = `id, lot_id, user_id, bidder_name, amount, sequence, created_at`

	foreignKeyViolation = "23503"
)

// BidRepository implements domain.BidRepository interface
type BidRepository struct {
	pool *pgxpool.Pool
}

// NewBidRepository creates new instance of BidRepository.
func NewBidRepository(pool *pgxpool.Pool) *BidRepository {
	return &BidRepository{pool: pool}
}

func scanBid(row scanner) (*domain.Bid, error) {
	bid := &domain.Bid{}
	err := row.Scan(
		&bid.ID,
		&bid.LotID,
		&bid.UserID,
		&bid.BidderName,
		&bid.Amount,
		&bid.Sequence,
		&bid.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// Save inserts an accepted bid. Inserting the same bid twice is a no-op, the
// outbox may retry a write whose first attempt actually landed.
func (r *BidRepository) Save(ctx context.Context, bid *domain.Bid) error {
	query := `
        INSERT INTO bids (id, lot_id, user_id, bidder_name, amount, sequence, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING
    `
	_, err := r.pool.Exec(ctx, query,
		bid.ID,
		bid.LotID,
		bid.UserID,
		bid.BidderName,
		bid.Amount,
		bid.Sequence,
		bid.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return domain.ErrLotNotFound
		}
		return fmt.Errorf("bid repository: failed to save bid %s: %w", bid.ID, err)
	}
	return nil
}

// GetBidsByLotID returns the full history of a lot in acceptance order.
func (r *BidRepository) GetBidsByLotID(ctx context.Context, lotID uuid.UUID) ([]*domain.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE lot_id = $1 ORDER BY sequence ASC, created_at ASC`
	return r.queryBids(ctx, r.pool, query, lotID)
}

// GetSummaryByLotID reads the count, max sequence and latest bids from one snapshot.
func (r *BidRepository) GetSummaryByLotID(ctx context.Context, lotID uuid.UUID, recentLimit int) (*domain.BidSummary, error) {
	summary := &domain.BidSummary{}
	txOpts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

	err := pgx.BeginTxFunc(ctx, r.pool, txOpts, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(MAX(sequence), 0) FROM bids WHERE lot_id = $1`, lotID,
		).Scan(&summary.Count, &summary.MaxSequence)
		if err != nil {
			return err
		}
		if summary.Count == 0 {
			return nil
		}

		query := `SELECT ` + bidColumns + ` FROM bids WHERE lot_id = $1 ORDER BY sequence DESC LIMIT $2`
		summary.Recent, err = r.queryBids(ctx, tx, query, lotID, recentLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bid repository: failed to summarize bids of lot %s: %w", lotID, err)
	}
	return summary, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *BidRepository) queryBids(ctx context.Context, q querier, query string, args ...any) ([]*domain.Bid, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return bids, nil
}
