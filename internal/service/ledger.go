package service

import (
	"context"
	"fmt"
	"time"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/pkg/logger"
)

// QuotaLedger keeps the per-account add counters: daily adds, soft errors,
// flood-wait expiry and the permanent ban flag. Counters reset lazily at the
// first eligibility check after local midnight.
type QuotaLedger struct {
	repo    repository.OwnerRepository
	pacing  config.Pacing
	clock   Clock
	loc     *time.Location
	metrics *Metrics
	log     logger.Logger
}

func NewQuotaLedger(repo repository.OwnerRepository, pacing config.Pacing, clock Clock, loc *time.Location, metrics *Metrics, log logger.Logger) *QuotaLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotaLedger{
		repo:    repo,
		pacing:  pacing,
		clock:   clock,
		loc:     loc,
		metrics: metrics,
		log:     log,
	}
}

// IsEligible reports whether the account may perform an add right now.
// Performs day rollover first: counters belonging to a previous local day are
// reset (persisted and mirrored into the passed account) before thresholds
// are evaluated. A banned account is never eligible, whatever its counters.
func (l *QuotaLedger) IsEligible(ctx context.Context, ownerID int64, account *models.WorkerAccount) bool {
	if !account.LoggedIn || account.BannedForAdding {
		return false
	}

	now := l.clock.Now().In(l.loc)
	if account.FloodWaitUntil >= now.Unix() {
		return false
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, l.loc)
	if account.LastAddAt < dayStart.Unix() && (account.DailyAdds > 0 || account.SoftErrors > 0) {
		if err := l.repo.ResetDailyCounters(ctx, ownerID, account.AccountID); err != nil {
			l.log.Error("failed to reset daily counters",
				logger.F("account_id", account.AccountID), logger.F("error", err.Error()))
		} else {
			account.DailyAdds = 0
			account.SoftErrors = 0
		}
	}

	return account.DailyAdds < l.pacing.MaxDailyAdds &&
		account.SoftErrors < l.pacing.SoftErrorLimit
}

// RecordSuccess counts one completed add.
func (l *QuotaLedger) RecordSuccess(ctx context.Context, ownerID int64, accountID int) error {
	if err := l.repo.IncrementDailyAdds(ctx, ownerID, accountID, l.clock.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record success for account %d: %w", accountID, err)
	}
	return nil
}

// RecordSoftError counts one recoverable per-candidate failure.
func (l *QuotaLedger) RecordSoftError(ctx context.Context, ownerID int64, accountID int, kind string) error {
	if err := l.repo.IncrementSoftErrors(ctx, ownerID, accountID, kind, l.clock.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record soft error for account %d: %w", accountID, err)
	}
	return nil
}

// RecordFloodWait suspends the account until now+wait.
func (l *QuotaLedger) RecordFloodWait(ctx context.Context, ownerID int64, accountID int, wait time.Duration) error {
	now := l.clock.Now()
	until := now.Add(wait).Unix()
	kind := "FloodWait"
	at := now.Unix()

	err := l.repo.UpdateAccount(ctx, ownerID, accountID, models.AccountUpdate{
		FloodWaitUntil: &until,
		LastErrorKind:  &kind,
		LastErrorAt:    &at,
	})
	if err != nil {
		return fmt.Errorf("failed to record flood wait for account %d: %w", accountID, err)
	}
	l.metrics.ObserveFloodWait()
	return nil
}

// RecordPermanentBan suspends the account for adding until a human clears the
// flag. Flood-wait state is left untouched: the two suspensions are distinct.
func (l *QuotaLedger) RecordPermanentBan(ctx context.Context, ownerID int64, accountID int) error {
	banned := true
	kind := "PeerFlood"
	at := l.clock.Now().Unix()

	err := l.repo.UpdateAccount(ctx, ownerID, accountID, models.AccountUpdate{
		BannedForAdding: &banned,
		LastErrorKind:   &kind,
		LastErrorAt:     &at,
	})
	if err != nil {
		return fmt.Errorf("failed to record ban for account %d: %w", accountID, err)
	}
	l.metrics.ObserveAccountBan()
	return nil
}
