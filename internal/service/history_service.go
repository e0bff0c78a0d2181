package service

import (
	"context"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/repository"
)

// HistoryService pages through a room's messages, oldest first within a
// page. A page shorter than the requested limit marks the end of history.
type HistoryService struct {
	repo repository.MessageRepository
	cfg  config.ChatConfig
}

func NewHistoryService(repo repository.MessageRepository, cfg config.ChatConfig) *HistoryService {
	return &HistoryService{repo: repo, cfg: cfg}
}

// InitialHistory returns the latest page of roomID. A non-positive limit
// uses the configured join history size.
func (s *HistoryService) InitialHistory(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	if roomID == "" {
		return nil, domain.InvalidRequest("roomId is required")
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}

	msgs, err := s.repo.Latest(ctx, roomID, s.clamp(limit))
	if err != nil {
		return nil, storeError("load history", err)
	}
	return msgs, nil
}

// Before returns the page strictly older than cursor. A non-positive limit
// uses the configured load-more size.
func (s *HistoryService) Before(ctx context.Context, roomID string, cursor domain.Cursor, limit int) ([]*domain.Message, error) {
	if roomID == "" {
		return nil, domain.InvalidRequest("roomId is required")
	}
	if cursor.Timestamp <= 0 {
		return nil, domain.InvalidRequest("beforeTimestamp is required")
	}
	if limit <= 0 {
		limit = s.cfg.LoadMoreLimit
	}

	msgs, err := s.repo.Before(ctx, roomID, cursor, s.clamp(limit))
	if err != nil {
		return nil, storeError("load more history", err)
	}
	return msgs, nil
}

func (s *HistoryService) clamp(limit int) int {
	if s.cfg.MaxPageLimit > 0 && limit > s.cfg.MaxPageLimit {
		return s.cfg.MaxPageLimit
	}
	return limit
}
