package account

import (
	"context"
	"errors"
)

// Store abstracts account persistence for the service.
type Store interface {
	GetByPrincipal(ctx context.Context, principal string) (Account, error)
	List(ctx context.Context, limit int) ([]Account, error)
	Credit(ctx context.Context, principal string, amount uint64) (Account, error)
}

// Service exposes account balance operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided store.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Balance returns the account for principal. Unknown principals hold nothing.
func (s *Service) Balance(ctx context.Context, principal string) (Account, error) {
	acct, err := s.repo.GetByPrincipal(ctx, principal)
	if errors.Is(err, ErrNotFound) {
		return Account{Principal: principal}, nil
	}
	return acct, err
}

// List returns up to limit accounts.
func (s *Service) List(ctx context.Context, limit int) ([]Account, error) {
	return s.repo.List(ctx, limit)
}

// Fund credits amount to principal.
func (s *Service) Fund(ctx context.Context, principal string, amount uint64) (Account, error) {
	return s.repo.Credit(ctx, principal, amount)
}
