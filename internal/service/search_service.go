package service

import (
	"context"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/domain"
	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/repository"
)

const maxSearchResults = 100

// SearchService is a case-insensitive substring scan over one room's
// message content, newest first. It is linear in the room size.
type SearchService struct {
	repo  repository.MessageRepository
	limit int
}

func NewSearchService(repo repository.MessageRepository, limit int) *SearchService {
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	return &SearchService{repo: repo, limit: limit}
}

func (s *SearchService) Search(ctx context.Context, roomID, keyword string) ([]*domain.Message, error) {
	if roomID == "" {
		return nil, domain.InvalidRequest("roomId is required")
	}

	msgs, err := s.repo.Search(ctx, roomID, keyword, s.limit)
	if err != nil {
		return nil, storeError("search", err)
	}
	return msgs, nil
}
