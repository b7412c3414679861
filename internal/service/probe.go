package service

import (
	"context"

	"github.com/chatchat/internal/logger"
	"github.com/chatchat/internal/repository"
)

// AuthorizationProbe checks read access to a room with a single read.
type AuthorizationProbe struct {
	repo *repository.MessageRepository
}

func NewAuthorizationProbe(repo *repository.MessageRepository) *AuthorizationProbe {
	return &AuthorizationProbe{repo: repo}
}

// CheckAccess reads the room's messages once. An empty room is readable.
func (p *AuthorizationProbe) CheckAccess(ctx context.Context, roomID string) (bool, error) {
	if _, err := p.repo.Read(ctx, roomID); err != nil {
		logger.Errorf("access check %s: %v", roomID, err)
		return false, err
	}
	return true, nil
}
