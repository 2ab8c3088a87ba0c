package application

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
)

type UserRepository interface {
	FindUser(ctx context.Context, subID, username string) (domain.User, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
}

type OrderReader interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error)
}
