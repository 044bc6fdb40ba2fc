package service

import (
	"context"
	"fmt"
	"time"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/logger"
)

// Outcome kinds reported by a single add attempt.
const (
	OutcomeSuccess            = "Success"
	OutcomeAlreadyParticipant = "AlreadyParticipant"
	OutcomePrivacyRestricted  = "PrivacyRestricted"
	OutcomePeerFlood          = "PeerFlood"
	OutcomeFloodWait          = "FloodWait"
	OutcomeUserBlocked        = "UserBlocked"
	OutcomeUserDeactivated    = "UserDeactivated"
)

// Outcome describes the result of one invite attempt. RetryAfter is non-zero
// only for flood waits; the caller decides when and whether to sleep.
type Outcome struct {
	Added      bool
	Kind       string
	RetryAfter time.Duration
}

// AddWorker performs a single invite through an already acquired client and
// records the result on the acting account's quota ledger. It never sleeps.
type AddWorker struct {
	ledger   *QuotaLedger
	notifier Notifier
	metrics  *Metrics
	log      logger.Logger
}

func NewAddWorker(ledger *QuotaLedger, notifier Notifier, metrics *Metrics, log logger.Logger) *AddWorker {
	return &AddWorker{
		ledger:   ledger,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
	}
}

func (w *AddWorker) Add(ctx context.Context, ownerID int64, account *models.WorkerAccount, client telegram.Client, chat telegram.ChatRef, candidate models.Candidate) Outcome {
	log := w.log.WithFields(logger.Fields{
		"owner_id":   ownerID,
		"account_id": account.AccountID,
		"user_id":    candidate.UserID,
	})

	err := client.Invite(ctx, chat, candidate)
	if err == nil {
		if lerr := w.ledger.RecordSuccess(ctx, ownerID, account.AccountID); lerr != nil {
			log.Error("success bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.metrics.ObserveAdd(OutcomeSuccess)
		return Outcome{Added: true, Kind: OutcomeSuccess}
	}

	te, ok := telegram.AsError(err)
	if !ok {
		log.Warn("add failed", logger.F("error", err.Error()))
		if lerr := w.ledger.RecordSoftError(ctx, ownerID, account.AccountID, err.Error()); lerr != nil {
			log.Error("soft error bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.metrics.ObserveAdd("Other")
		return Outcome{Kind: err.Error()}
	}

	switch te.Kind {
	case telegram.KindAlreadyParticipant:
		w.metrics.ObserveAdd(OutcomeAlreadyParticipant)
		return Outcome{Kind: OutcomeAlreadyParticipant}

	case telegram.KindPrivacyRestricted:
		if lerr := w.ledger.RecordSoftError(ctx, ownerID, account.AccountID, OutcomePrivacyRestricted); lerr != nil {
			log.Error("soft error bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.metrics.ObserveAdd(OutcomePrivacyRestricted)
		return Outcome{Kind: OutcomePrivacyRestricted}

	case telegram.KindPeerFlood:
		log.Warn("peer flood, account banned for adding")
		if lerr := w.ledger.RecordPermanentBan(ctx, ownerID, account.AccountID); lerr != nil {
			log.Error("ban bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.notifier.Notify(ctx, ownerID, fmt.Sprintf(
			"Account <b>%s</b> hit a peer flood restriction and was excluded from adding.",
			account.Phone))
		w.metrics.ObserveAdd(OutcomePeerFlood)
		return Outcome{Kind: OutcomePeerFlood}

	case telegram.KindFloodWait:
		log.Warn("flood wait on add", logger.F("wait", te.Wait.String()))
		if lerr := w.ledger.RecordFloodWait(ctx, ownerID, account.AccountID, te.Wait); lerr != nil {
			log.Error("flood wait bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.metrics.ObserveAdd(OutcomeFloodWait)
		return Outcome{Kind: OutcomeFloodWait, RetryAfter: te.Wait}

	// Blocked and deactivated users say nothing about the account's health,
	// so the candidate is skipped without touching the error counter.
	case telegram.KindUserBlocked:
		w.metrics.ObserveAdd(OutcomeUserBlocked)
		return Outcome{Kind: OutcomeUserBlocked}

	case telegram.KindUserDeactivated:
		w.metrics.ObserveAdd(OutcomeUserDeactivated)
		return Outcome{Kind: OutcomeUserDeactivated}

	default:
		log.Warn("add failed", logger.F("kind", string(te.Kind)))
		if lerr := w.ledger.RecordSoftError(ctx, ownerID, account.AccountID, string(te.Kind)); lerr != nil {
			log.Error("soft error bookkeeping failed", logger.F("error", lerr.Error()))
		}
		w.metrics.ObserveAdd("Other")
		return Outcome{Kind: string(te.Kind)}
	}
}
