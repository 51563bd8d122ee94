package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/auction/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuctionRepository implements domain.AuctionRepository interface
type AuctionRepository struct {
	pool *pgxpool.Pool
}

// NewAuctionRepository creates a new instance of AuctionRepository
func NewAuctionRepository(pool *pgxpool.Pool) *AuctionRepository {
	return &AuctionRepository{pool: pool}
}

func (r *AuctionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Auction, error) {
	query := `
        SELECT id, title, status, starts_at, ends_at, completed_at, created_at, updated_at
        FROM auctions
        WHERE id = $1
    `
	a := &domain.Auction{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Title,
		&a.Status,
		&a.StartsAt,
		&a.EndsAt,
		&a.CompletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("auction repository: failed to get auction %s: %w", id, err)
	}
	return a, nil
}

// MarkCompleted is conditional on the current status, two finalizers racing on
// the same auction cannot both complete it.
func (r *AuctionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE auctions
        SET status = 'completed', completed_at = $2, updated_at = NOW()
        WHERE id = $1 AND status <> 'completed'
    `
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("auction repository: failed to complete auction %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM auctions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("auction repository: failed to check auction %s: %w", id, err)
	}
	if !exists {
		return domain.ErrAuctionNotFound
	}
	return domain.ErrAlreadyFinalized
}
