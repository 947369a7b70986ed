package dispute

import "context"

// Lister reads disputes across agreements.
type Lister interface {
	ListForParty(ctx context.Context, principal string) ([]Record, error)
	ListAll(ctx context.Context) ([]Record, error)
}

type Service struct {
	repo  Lister
	admin string
}

// NewService builds the listing service. The administrator sees every dispute.
func NewService(repo Lister, admin string) *Service {
	return &Service{repo: repo, admin: admin}
}

// List returns the disputes visible to principal.
func (s *Service) List(ctx context.Context, principal string) ([]Record, error) {
	if principal != "" && principal == s.admin {
		return s.repo.ListAll(ctx)
	}
	return s.repo.ListForParty(ctx, principal)
}
