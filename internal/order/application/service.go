package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
)

type Service struct {
	log    *slog.Logger
	users  UserRepository
	orders OrderReader
}

func NewService(log *slog.Logger, users UserRepository, orders OrderReader) *Service {
	return &Service{log: log, users: users, orders: orders}
}

// ResolveUser maps an authenticated identity to a stored user, creating it on first use.
func (s *Service) ResolveUser(ctx context.Context, identity domain.User) (domain.User, error) {
	if identity.SubID == "" || identity.Username == "" {
		return domain.User{}, domain.ErrUserNotFound
	}
	role, err := domain.ParseRole(string(identity.Role))
	if err != nil {
		return domain.User{}, err
	}
	identity.Role = role

	u, err := s.users.FindUser(ctx, identity.SubID, identity.Username)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrUserNotFound) {
		return domain.User{}, err
	}

	u, err = s.users.CreateUser(ctx, identity)
	if errors.Is(err, domain.ErrDuplicateUser) {
		return s.users.FindUser(ctx, identity.SubID, identity.Username)
	}
	if err != nil {
		return domain.User{}, err
	}
	s.log.InfoContext(ctx, "user created", "user_id", u.ID, "username", u.Username)
	return u, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return s.orders.GetByUUID(ctx, id)
}
