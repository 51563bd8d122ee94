package domain

//go:generate mockgen -source=user.go -destination=mocks/mock_user_repository.go -package=mocks

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

// User is a registered bidder. Only the display name is read by the bidding core.
type User struct {
	ID   uuid.UUID
	Name string
}

type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
}
