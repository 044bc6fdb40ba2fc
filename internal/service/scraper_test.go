package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/logger"
)

func newTestScraper(pacing config.Pacing, clock Clock) *MemberScraper {
	return NewMemberScraper(pacing, clock, nil, logger.Nop())
}

func chatWithMembers(client *fakeClient, count int) telegram.ChatRef {
	ref := telegram.ChatRef{ID: 10, AccessHash: 1010, Title: "Source"}
	members := make([]models.Candidate, 0, count)
	for i := 0; i < count; i++ {
		members = append(members, models.Candidate{
			UserID:     int64(1000 + i),
			AccessHash: int64(i),
			Username:   fmt.Sprintf("user%d", i),
		})
	}
	client.addChat("@source", ref, members)
	return ref
}

func TestScrapeCollectsAllPages(t *testing.T) {
	client := newFakeClient(1)
	ref := chatWithMembers(client, 250)
	clock := newFakeClock(time.Now())

	pacing := config.DefaultPacing()
	scraper := newTestScraper(pacing, clock)

	got := scraper.Scrape(context.Background(), client, ref, 500)

	assert.Len(t, got, 250)
	// 250 members at page size 100 is three pages with two delays between.
	assert.Len(t, clock.Slept(), 2)
}

func TestScrapeRespectsLimit(t *testing.T) {
	client := newFakeClient(1)
	ref := chatWithMembers(client, 400)
	scraper := newTestScraper(config.DefaultPacing(), newFakeClock(time.Now()))

	got := scraper.Scrape(context.Background(), client, ref, 150)

	assert.Len(t, got, 150)
}

func TestScrapeFiltersBotsDeletedAndSelf(t *testing.T) {
	client := newFakeClient(1)
	ref := telegram.ChatRef{ID: 10, AccessHash: 1010, Title: "Source"}
	client.addChat("@source", ref, []models.Candidate{
		{UserID: 1, Username: "alice"},
		{UserID: 2, Username: "helperbot", Bot: true},
		{UserID: 3, Deleted: true},
		{UserID: 4, Self: true},
		{UserID: 5, Username: "bob"},
	})
	scraper := newTestScraper(config.DefaultPacing(), newFakeClock(time.Now()))

	got := scraper.Scrape(context.Background(), client, ref, 500)

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].UserID)
	assert.Equal(t, int64(5), got[1].UserID)
}

func TestScrapeFloodWaitResumesFromSameOffset(t *testing.T) {
	client := newFakeClient(1)
	ref := chatWithMembers(client, 250)
	client.queuePartErrs(
		nil,
		&telegram.Error{Kind: telegram.KindFloodWait, Wait: 20 * time.Second},
	)
	clock := newFakeClock(time.Now())
	scraper := newTestScraper(config.DefaultPacing(), clock)

	got := scraper.Scrape(context.Background(), client, ref, 500)

	assert.Len(t, got, 250)
	slept := clock.Slept()
	require.NotEmpty(t, slept)
	var floodSleeps int
	for _, d := range slept {
		if d >= 20*time.Second {
			floodSleeps++
		}
	}
	assert.Equal(t, 1, floodSleeps)
}

func TestScrapeReturnsPartialResultOnError(t *testing.T) {
	client := newFakeClient(1)
	ref := chatWithMembers(client, 250)
	client.queuePartErrs(nil, errors.New("connection reset"))
	scraper := newTestScraper(config.DefaultPacing(), newFakeClock(time.Now()))

	got := scraper.Scrape(context.Background(), client, ref, 500)

	assert.Len(t, got, 100)
}
