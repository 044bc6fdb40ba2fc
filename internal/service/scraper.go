package service

import (
	"context"
	"errors"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/logger"
)

// MemberScraper paginates a chat's recent member list, dropping bots, deleted
// accounts and the scraping account itself. It never fails outright: whatever
// was collected before an error is returned, and the error is only logged.
type MemberScraper struct {
	pacing  config.Pacing
	clock   Clock
	metrics *Metrics
	log     logger.Logger
}

func NewMemberScraper(pacing config.Pacing, clock Clock, metrics *Metrics, log logger.Logger) *MemberScraper {
	return &MemberScraper{
		pacing:  pacing,
		clock:   clock,
		metrics: metrics,
		log:     log,
	}
}

// Scrape collects up to limit candidates from the chat. A flood-wait signal
// mid-scrape pauses for the signaled duration plus jitter and resumes from
// the same offset; any other failure ends the scrape with what was gathered.
func (s *MemberScraper) Scrape(ctx context.Context, client telegram.Client, chat telegram.ChatRef, limit int) []models.Candidate {
	if limit <= 0 {
		limit = s.pacing.ScrapeLimit
	}
	pageSize := s.pacing.ScrapePageSize

	log := s.log.WithFields(logger.Fields{"chat": chat.Title, "chat_id": chat.ID})

	var collected []models.Candidate
	offset := 0
	for {
		if ctx.Err() != nil {
			break
		}

		page, err := client.Participants(ctx, chat, offset, pageSize)
		if err != nil {
			if te, ok := telegram.AsError(err); ok && te.Kind == telegram.KindFloodWait {
				wait := te.Wait + randBetween(s.pacing.MinFloodJitter, s.pacing.MaxFloodJitter)
				log.Warn("flood wait during scrape",
					logger.F("wait", wait.String()), logger.F("offset", offset))
				s.metrics.ObserveFloodWait()
				if err := s.clock.Sleep(ctx, wait); err != nil {
					break
				}
				continue
			}
			if !errors.Is(err, context.Canceled) {
				log.Error("scrape failed", logger.F("error", err.Error()), logger.F("offset", offset))
			}
			break
		}

		if len(page) == 0 {
			break
		}

		for _, candidate := range page {
			if candidate.Bot || candidate.Deleted || candidate.Self {
				continue
			}
			collected = append(collected, candidate)
			if len(collected) >= limit {
				break
			}
		}

		// A short page means the member list is exhausted.
		if len(collected) >= limit || len(page) < pageSize {
			break
		}

		offset += len(page)
		if err := s.clock.Sleep(ctx, randBetween(s.pacing.MinPageDelay, s.pacing.MaxPageDelay)); err != nil {
			break
		}
	}

	log.Info("scrape finished", logger.F("collected", len(collected)))
	s.metrics.AddScraped(len(collected))
	return collected
}
