package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const lotColumns = `id, auction_id, title, position, starting_bid, has_reserve, reserve_price, status,
        winner_id, winning_bid, sold_at, created_at, updated_at`

// LotRepository implements domain.LotRepository interface
type LotRepository struct {
	pool *pgxpool.Pool
}

// NewLotRepository creates a new instance of LotRepository
func NewLotRepository(pool *pgxpool.Pool) *LotRepository {
	return &LotRepository{pool: pool}
}

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (*domain.Lot, error) {
	lot := &domain.Lot{}
	var reservePrice *float64 // pointer to handle NULL
	err := row.Scan(
		&lot.ID,
		&lot.AuctionID,
		&lot.Title,
		&lot.Position,
		&lot.StartingBid,
		&lot.HasReserve,
		&reservePrice,
		&lot.Status,
		&lot.WinnerID,
		&lot.WinningBid,
		&lot.SoldAt,
		&lot.CreatedAt,
		&lot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reservePrice != nil {
		lot.ReservePrice = *reservePrice
	}
	return lot, nil
}

// GetByID gets a lot by its ID.
func (r *LotRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`

	lot, err := scanLot(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLotNotFound
		}
		return nil, fmt.Errorf("lot repository: failed to get lot %s: %w", id, err)
	}
	return lot, nil
}

// ListByAuction returns every lot of the auction in catalogue order.
func (r *LotRepository) ListByAuction(ctx context.Context, auctionID uuid.UUID) ([]*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE auction_id = $1 ORDER BY position ASC, created_at ASC`

	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("lot repository: failed to list lots of auction %s: %w", auctionID, err)
	}
	defer rows.Close()

	var lots []*domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return lots, nil
}

// SaveOutcome writes the resolution only while the lot is still active, so a
// concurrent or repeated finalization cannot overwrite a decided lot.
func (r *LotRepository) SaveOutcome(ctx context.Context, outcome *domain.LotOutcome) error {
	query := `
        UPDATE lots
        SET status = $2, winner_id = $3, winning_bid = $4, sold_at = $5, updated_at = NOW()
        WHERE id = $1 AND status = 'active'
    `
	var (
		winnerID   *uuid.UUID
		winningBid *float64
		soldAt     any
	)
	if outcome.Status == domain.LotSold && outcome.Winner != nil {
		winnerID = &outcome.Winner.UserID
		winningBid = &outcome.Winner.Amount
		soldAt = outcome.ResolvedAt
	}

	tag, err := r.pool.Exec(ctx, query, outcome.LotID, outcome.Status, winnerID, winningBid, soldAt)
	if err != nil {
		return fmt.Errorf("lot repository: failed to save outcome of lot %s: %w", outcome.LotID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, outcome.LotID).Scan(&exists); err != nil {
		return fmt.Errorf("lot repository: failed to check lot %s: %w", outcome.LotID, err)
	}
	if !exists {
		return domain.ErrLotNotFound
	}
	return domain.ErrLotNotActive
}
