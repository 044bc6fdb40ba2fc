package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/pkg/cache"
)

// CandidateStore holds a task's shuffled candidate working set between
// iterations and across restarts, so a persisted cursor stays meaningful.
type CandidateStore interface {
	Put(ctx context.Context, ownerID int64, taskID int, candidates []models.Candidate) error
	Get(ctx context.Context, ownerID int64, taskID int) ([]models.Candidate, error)
	Drop(ctx context.Context, ownerID int64, taskID int) error
}

// ErrNoCandidates is returned by Get when no working set is cached.
var ErrNoCandidates = errors.New("no cached candidates")

type redisCandidateStore struct {
	cache  *cache.RedisCache
	pacing config.Pacing
}

func NewRedisCandidateStore(c *cache.RedisCache, pacing config.Pacing) CandidateStore {
	return &redisCandidateStore{cache: c, pacing: pacing}
}

func candidateKey(ownerID int64, taskID int) string {
	return fmt.Sprintf("candidates:%d:%d", ownerID, taskID)
}

func (s *redisCandidateStore) Put(ctx context.Context, ownerID int64, taskID int, candidates []models.Candidate) error {
	return s.cache.SetJSON(ctx, candidateKey(ownerID, taskID), candidates, s.pacing.CandidateTTL)
}

func (s *redisCandidateStore) Get(ctx context.Context, ownerID int64, taskID int) ([]models.Candidate, error) {
	var candidates []models.Candidate
	err := s.cache.GetJSON(ctx, candidateKey(ownerID, taskID), &candidates)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoCandidates
		}
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates, nil
}

func (s *redisCandidateStore) Drop(ctx context.Context, ownerID int64, taskID int) error {
	return s.cache.Delete(ctx, candidateKey(ownerID, taskID))
}
