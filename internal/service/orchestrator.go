package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/logger"
)

// statusWriteTimeout bounds status writes done outside the task's own
// context, after cancellation or a panic.
const statusWriteTimeout = 10 * time.Second

// errSourceUnreachable means no connected account could open a source chat.
// The owner notice is sent where the chat name is known.
var errSourceUnreachable = errors.New("source chat unreachable")

// Orchestrator drives one task from start to completion or pause: it
// validates the configuration, verifies account access to the target chat,
// builds the candidate working set and then runs the adding loop. All pacing
// sleeps happen here; the workers underneath only report what they saw.
type Orchestrator struct {
	repo       repository.OwnerRepository
	registry   *SessionRegistry
	ledger     *QuotaLedger
	scraper    *MemberScraper
	adder      *AddWorker
	notifier   Notifier
	candidates CandidateStore
	pacing     config.Pacing
	clock      Clock
	metrics    *Metrics
	log        logger.Logger
}

func NewOrchestrator(
	repo repository.OwnerRepository,
	registry *SessionRegistry,
	ledger *QuotaLedger,
	scraper *MemberScraper,
	adder *AddWorker,
	notifier Notifier,
	candidates CandidateStore,
	pacing config.Pacing,
	clock Clock,
	metrics *Metrics,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		registry:   registry,
		ledger:     ledger,
		scraper:    scraper,
		adder:      adder,
		notifier:   notifier,
		candidates: candidates,
		pacing:     pacing,
		clock:      clock,
		metrics:    metrics,
		log:        log,
	}
}

// Run executes the task until it completes, pauses or the context is
// canceled. A panic anywhere inside pauses the task and tells the owner
// instead of taking the process down.
func (o *Orchestrator) Run(ctx context.Context, ownerID int64, taskID int) {
	log := o.log.WithFields(logger.Fields{"owner_id": ownerID, "task_id": taskID})

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task run panicked", logger.F("panic", fmt.Sprint(rec)))
			o.setStatus(ownerID, taskID, models.TaskStatusPaused, log)
			o.notifier.Notify(context.Background(), ownerID, fmt.Sprintf(
				"⚠️ Task #%d stopped because of an internal failure and was paused.", taskID))
		}
	}()

	task, err := o.repo.GetTask(ctx, ownerID, taskID)
	if err != nil {
		log.Error("failed to load task", logger.F("error", err.Error()))
		return
	}

	if reason := configurationGap(task); reason != "" {
		log.Info("task not configured", logger.F("reason", reason))
		o.setStatus(ownerID, taskID, models.TaskStatusPaused, log)
		o.notifier.Notify(ctx, ownerID, fmt.Sprintf("Task #%d cannot start: %s.", taskID, reason))
		return
	}

	workers, targetChat := o.verifyAccounts(ctx, ownerID, task, log)
	if len(workers.ids) == 0 {
		o.setStatus(ownerID, taskID, models.TaskStatusPaused, log)
		o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
			"Task #%d cannot start: none of the assigned accounts could connect and join the target chat.", taskID))
		return
	}

	candidates, err := o.loadCandidates(ctx, ownerID, task, workers, log)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		o.setStatus(ownerID, taskID, models.TaskStatusPaused, log)
		if !errors.Is(err, errSourceUnreachable) {
			log.Error("failed to build candidate set", logger.F("error", err.Error()))
			o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
				"Task #%d cannot start: no members could be collected from the source chats.", taskID))
		}
		return
	}
	if len(candidates) == 0 {
		o.setStatus(ownerID, taskID, models.TaskStatusPaused, log)
		o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
			"Task #%d paused: the source chats yielded no members to add.", taskID))
		return
	}

	o.addLoop(ctx, ownerID, task, workers, targetChat, candidates, log)
}

// workerSet is the set of assigned accounts that passed target verification,
// with the target chat resolved through each account's own session.
type workerSet struct {
	ids     []int
	targets map[int]telegram.ChatRef
}

// verifyAccounts checks every assigned account: it must produce a live
// session and be able to resolve (joining if needed) the target chat.
func (o *Orchestrator) verifyAccounts(ctx context.Context, ownerID int64, task *models.Task, log logger.Logger) (workerSet, telegram.ChatRef) {
	set := workerSet{targets: make(map[int]telegram.ChatRef)}
	var target telegram.ChatRef

	for _, accountID := range task.AssignedAccounts {
		if ctx.Err() != nil {
			break
		}

		client, release, err := o.registry.Acquire(ctx, accountID)
		if err != nil {
			log.Warn("account unavailable", logger.F("account_id", accountID), logger.F("error", err.Error()))
			continue
		}
		if client == nil {
			log.Warn("account not connectable, skipping", logger.F("account_id", accountID))
			continue
		}

		chat, err := client.ResolveChat(ctx, task.TargetChat)
		if errors.Is(err, telegram.ErrNotJoined) {
			chat, err = client.JoinChat(ctx, task.TargetChat)
		}
		release()

		if err != nil {
			log.Warn("account cannot access target chat",
				logger.F("account_id", accountID), logger.F("error", err.Error()))
			o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
				"Account #%d cannot access the target chat and is skipped for task #%d.", accountID, task.TaskID))
			continue
		}

		set.ids = append(set.ids, accountID)
		set.targets[accountID] = chat
		target = chat
	}
	return set, target
}

// loadCandidates reuses the cached working set when the task resumes
// mid-cursor; otherwise it scrapes the source chats afresh, dedupes,
// shuffles and caches the result. A resume whose cache has expired restarts
// from cursor zero over a fresh set.
func (o *Orchestrator) loadCandidates(ctx context.Context, ownerID int64, task *models.Task, workers workerSet, log logger.Logger) ([]models.Candidate, error) {
	if task.CursorIndex > 0 {
		cached, err := o.candidates.Get(ctx, ownerID, task.TaskID)
		if err == nil && task.CursorIndex <= len(cached) {
			log.Info("resuming cached candidate set",
				logger.F("candidates", len(cached)), logger.F("cursor", task.CursorIndex))
			return cached, nil
		}
		if err != nil && !errors.Is(err, ErrNoCandidates) {
			log.Warn("candidate cache read failed", logger.F("error", err.Error()))
		}

		log.Info("cached candidate set lost, restarting from scratch")
		task.CursorIndex = 0
		cursor := 0
		if uerr := o.repo.UpdateTask(ctx, ownerID, task.TaskID, models.TaskUpdate{CursorIndex: &cursor}); uerr != nil {
			log.Error("failed to reset cursor", logger.F("error", uerr.Error()))
		}
	}

	o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
		"🔎 Task #%d: collecting members from %d source chat(s)…", task.TaskID, len(task.SourceChats)))

	seen := make(map[int64]struct{})
	var collected []models.Candidate
	for _, source := range task.SourceChats {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		chat, client, release, err := o.openSource(ctx, workers, source, log)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Warn("no account can open source chat", logger.F("chat", source))
			o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
				"⏸ Task #%d paused: cannot access chat %s with any connected account.", task.TaskID, source))
			return nil, err
		}

		members := o.scraper.Scrape(ctx, client, chat, o.pacing.ScrapeLimit)
		release()
		fresh := 0
		for _, m := range members {
			if _, dup := seen[m.UserID]; dup {
				continue
			}
			seen[m.UserID] = struct{}{}
			collected = append(collected, m)
			fresh++
		}
		o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
			"🔍 Collected %d members from <b>%s</b>.", fresh, chatLabel(chat, source)))
	}

	o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
		"Collection finished: %d unique candidates.", len(collected)))

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(collected) == 0 {
		return nil, nil
	}

	rand.Shuffle(len(collected), func(i, j int) {
		collected[i], collected[j] = collected[j], collected[i]
	})

	if err := o.candidates.Put(ctx, ownerID, task.TaskID, collected); err != nil {
		log.Warn("candidate cache write failed", logger.F("error", err.Error()))
	}
	return collected, nil
}

// openSource resolves a source chat through the connected accounts in order,
// joining when needed, and returns the first client that can open it with its
// per-account lock still held.
func (o *Orchestrator) openSource(ctx context.Context, workers workerSet, source string, log logger.Logger) (telegram.ChatRef, telegram.Client, func(), error) {
	for _, accountID := range workers.ids {
		if ctx.Err() != nil {
			return telegram.ChatRef{}, nil, nil, ctx.Err()
		}

		client, release, err := o.registry.Acquire(ctx, accountID)
		if err != nil || client == nil {
			if err != nil {
				log.Warn("account unavailable for scraping",
					logger.F("account_id", accountID), logger.F("error", err.Error()))
			}
			continue
		}

		chat, rerr := client.ResolveChat(ctx, source)
		if errors.Is(rerr, telegram.ErrNotJoined) {
			chat, rerr = client.JoinChat(ctx, source)
		}
		if rerr != nil {
			release()
			log.Warn("account cannot open source chat",
				logger.F("account_id", accountID), logger.F("chat", source), logger.F("error", rerr.Error()))
			continue
		}
		return chat, client, release, nil
	}
	return telegram.ChatRef{}, nil, nil, errSourceUnreachable
}

// addLoop walks the candidate set from the task cursor, one invite per
// iteration through a randomly chosen eligible account. The cursor is
// persisted before every attempt so a crash never repeats a candidate.
func (o *Orchestrator) addLoop(ctx context.Context, ownerID int64, task *models.Task, workers workerSet, target telegram.ChatRef, candidates []models.Candidate, log logger.Logger) {
	addedThisRun := 0

	for task.CursorIndex < len(candidates) {
		if ctx.Err() != nil {
			log.Info("task run canceled", logger.F("cursor", task.CursorIndex))
			o.notifyStopped(ownerID, task, len(candidates), addedThisRun)
			return
		}

		current, err := o.repo.GetTask(ctx, ownerID, task.TaskID)
		if err != nil {
			log.Error("failed to re-read task", logger.F("error", err.Error()))
			return
		}
		if !current.IsActive() {
			log.Info("task no longer active, stopping", logger.F("status", string(current.Status)))
			return
		}
		task.AddedCount = current.AddedCount
		task.ProgressMessageID = current.ProgressMessageID

		owner, err := o.repo.GetOwner(ctx, ownerID)
		if err != nil {
			log.Error("failed to re-read owner", logger.F("error", err.Error()))
			return
		}

		account := o.pickEligible(ctx, ownerID, owner, workers.ids)
		if account == nil {
			log.Info("no eligible accounts left, pausing")
			o.setStatus(ownerID, task.TaskID, models.TaskStatusPaused, log)
			o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
				"⏸ Task #%d paused: every assigned account is out of quota or suspended. It will be possible to resume tomorrow.", task.TaskID))
			return
		}

		client, release, err := o.registry.Acquire(ctx, account.AccountID)
		if err != nil || client == nil {
			if err != nil {
				log.Warn("account session lost", logger.F("account_id", account.AccountID), logger.F("error", err.Error()))
			}
			workers.drop(account.AccountID)
			if len(workers.ids) == 0 {
				o.setStatus(ownerID, task.TaskID, models.TaskStatusPaused, log)
				o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
					"⏸ Task #%d paused: no working account sessions remain.", task.TaskID))
				return
			}
			continue
		}

		candidate := candidates[task.CursorIndex]
		next := task.CursorIndex + 1
		if err := o.repo.UpdateTask(ctx, ownerID, task.TaskID, models.TaskUpdate{CursorIndex: &next}); err != nil {
			release()
			log.Error("failed to advance cursor", logger.F("error", err.Error()))
			return
		}
		task.CursorIndex = next

		chat := workers.targets[account.AccountID]
		if chat.ID == 0 {
			chat = target
		}
		outcome := o.adder.Add(ctx, ownerID, account, client, chat, candidate)
		release()

		if outcome.Added {
			addedThisRun++
			task.AddedCount++
			if err := o.repo.IncrementAddedCount(ctx, ownerID, task.TaskID); err != nil {
				log.Error("failed to count add", logger.F("error", err.Error()))
			}
			if addedThisRun == 1 || addedThisRun%o.pacing.ProgressEvery == 0 {
				o.reportProgress(ctx, ownerID, task, target, len(candidates), log)
			}
			if account.DailyAdds+1 >= o.pacing.MaxDailyAdds {
				o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
					"Account <b>%s</b> reached its daily add limit (%d).", account.Phone, o.pacing.MaxDailyAdds))
			}
		} else if isSoftOutcome(outcome.Kind) && account.SoftErrors+1 >= o.pacing.SoftErrorLimit {
			o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
				"Account <b>%s</b> reached its error limit for today and is resting.", account.Phone))
		}

		if outcome.RetryAfter > 0 {
			wait := outcome.RetryAfter + randBetween(o.pacing.MinFloodJitter, o.pacing.MaxFloodJitter)
			log.Warn("sleeping out flood wait",
				logger.F("account_id", account.AccountID), logger.F("wait", wait.String()))
			if err := o.clock.Sleep(ctx, wait); err != nil {
				o.notifyStopped(ownerID, task, len(candidates), addedThisRun)
				return
			}
		}

		if err := o.clock.Sleep(ctx, randBetween(o.pacing.MinAddDelay, o.pacing.MaxAddDelay)); err != nil {
			o.notifyStopped(ownerID, task, len(candidates), addedThisRun)
			return
		}
	}

	o.setStatus(ownerID, task.TaskID, models.TaskStatusCompleted, log)
	o.reportProgress(ctx, ownerID, task, target, len(candidates), log)
	o.notifier.Notify(ctx, ownerID, fmt.Sprintf(
		"✅ Task #%d finished: %d members added to <b>%s</b>.",
		task.TaskID, task.AddedCount, chatLabel(target, task.TargetChat)))
	if err := o.candidates.Drop(ctx, ownerID, task.TaskID); err != nil {
		log.Warn("failed to drop candidate cache", logger.F("error", err.Error()))
	}
	log.Info("task completed", logger.F("added", task.AddedCount))
}

// pickEligible returns a random assigned account that may add right now.
func (o *Orchestrator) pickEligible(ctx context.Context, ownerID int64, owner *models.Owner, ids []int) *models.WorkerAccount {
	byID := make(map[int]*models.WorkerAccount, len(owner.Accounts))
	for i := range owner.Accounts {
		byID[owner.Accounts[i].AccountID] = &owner.Accounts[i]
	}

	var eligible []*models.WorkerAccount
	for _, id := range ids {
		account, ok := byID[id]
		if !ok {
			continue
		}
		if o.ledger.IsEligible(ctx, ownerID, account) {
			eligible = append(eligible, account)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}

// notifyStopped tells the owner where an interrupted run left off. The run
// context is already canceled, so delivery uses a fresh one.
func (o *Orchestrator) notifyStopped(ownerID int64, task *models.Task, total, added int) {
	o.notifier.Notify(context.Background(), ownerID, fmt.Sprintf(
		"Task #%d stopped at candidate %d of %d, %d added this run.",
		task.TaskID, task.CursorIndex, total, added))
}

func (o *Orchestrator) reportProgress(ctx context.Context, ownerID int64, task *models.Task, target telegram.ChatRef, total int, log logger.Logger) {
	percent := 0
	if total > 0 {
		percent = task.CursorIndex * 100 / total
	}
	text := fmt.Sprintf("➕ <b>%s</b>\nProcessed %d of %d candidates (%d%%), %d members added.",
		chatLabel(target, task.TargetChat), task.CursorIndex, total, percent, task.AddedCount)

	messageID, err := o.notifier.SendProgress(ctx, ownerID, task.ProgressMessageID, text)
	if err != nil {
		log.Warn("progress report failed", logger.F("error", err.Error()))
		return
	}
	if messageID != task.ProgressMessageID {
		task.ProgressMessageID = messageID
		if err := o.repo.UpdateTask(ctx, ownerID, task.TaskID, models.TaskUpdate{ProgressMessageID: &messageID}); err != nil {
			log.Error("failed to store progress message id", logger.F("error", err.Error()))
		}
	}
}

func (o *Orchestrator) setStatus(ownerID int64, taskID int, status models.TaskStatus, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	if err := o.repo.UpdateTask(ctx, ownerID, taskID, models.TaskUpdate{Status: &status}); err != nil {
		log.Error("failed to update task status",
			logger.F("status", string(status)), logger.F("error", err.Error()))
		return
	}
	o.metrics.ObserveTransition(string(status))
}

func (w *workerSet) drop(accountID int) {
	for i, id := range w.ids {
		if id == accountID {
			w.ids = append(w.ids[:i], w.ids[i+1:]...)
			delete(w.targets, accountID)
			return
		}
	}
}

// chatLabel prefers the resolved chat title and falls back to the raw
// identifier the owner supplied.
func chatLabel(chat telegram.ChatRef, raw string) string {
	if chat.Title != "" {
		return chat.Title
	}
	return raw
}

// configurationGap names the first missing piece of a task's configuration,
// or returns empty when the task can start.
func configurationGap(task *models.Task) string {
	switch {
	case len(task.SourceChats) == 0:
		return "no source chats are set"
	case task.TargetChat == "":
		return "no target chat is set"
	case len(task.AssignedAccounts) == 0:
		return "no accounts are assigned"
	default:
		return ""
	}
}

func isSoftOutcome(kind string) bool {
	switch kind {
	case OutcomeSuccess, OutcomeAlreadyParticipant, OutcomePeerFlood, OutcomeFloodWait,
		OutcomeUserBlocked, OutcomeUserDeactivated:
		return false
	}
	return true
}
