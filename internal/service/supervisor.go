package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/pkg/logger"
)

var (
	ErrTaskRunning        = errors.New("task already running")
	ErrTaskNotRunning     = errors.New("task not running")
	ErrAccountUnavailable = errors.New("assigned account has no working connection")
)

type jobKey struct {
	ownerID int64
	taskID  int
}

type job struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the running task jobs: one goroutine per active task,
// registered under its owner and task ID. Status writes happen here, before
// the goroutine starts or the cancel fires, so the persisted status is never
// behind the in-memory registry.
type Supervisor struct {
	repo       repository.OwnerRepository
	registry   *SessionRegistry
	orch       *Orchestrator
	notifier   Notifier
	candidates CandidateStore
	metrics    *Metrics
	log        logger.Logger

	mu     sync.Mutex
	jobs   map[jobKey]*job
	closed bool
}

func NewSupervisor(repo repository.OwnerRepository, registry *SessionRegistry, orch *Orchestrator, notifier Notifier, candidates CandidateStore, metrics *Metrics, log logger.Logger) *Supervisor {
	return &Supervisor{
		repo:       repo,
		registry:   registry,
		orch:       orch,
		notifier:   notifier,
		candidates: candidates,
		metrics:    metrics,
		log:        log,
		jobs:       make(map[jobKey]*job),
	}
}

// Start marks the task active and launches its job. Starting a task that is
// already running returns ErrTaskRunning and changes nothing. Every assigned
// account must produce a live connection up front; a single dead account
// blocks the start so the owner repairs it instead of discovering a shrunken
// worker pool mid-run.
func (s *Supervisor) Start(ctx context.Context, ownerID int64, taskID int) error {
	task, err := s.repo.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return fmt.Errorf("failed to start task %d: %w", taskID, err)
	}

	if err := s.checkConnections(ctx, ownerID, task); err != nil {
		return err
	}

	key := jobKey{ownerID: ownerID, taskID: taskID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor shut down")
	}
	if _, running := s.jobs[key]; running {
		s.mu.Unlock()
		return ErrTaskRunning
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		runID:  uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[key] = j
	s.mu.Unlock()

	status := models.TaskStatusActive
	if err := s.repo.UpdateTask(ctx, ownerID, taskID, models.TaskUpdate{Status: &status}); err != nil {
		s.unregister(key)
		cancel()
		close(j.done)
		return fmt.Errorf("failed to start task %d: %w", taskID, err)
	}
	s.metrics.ObserveTransition(string(status))
	s.metrics.TaskStarted()

	log := s.log.WithFields(logger.Fields{
		"owner_id": ownerID, "task_id": taskID, "run_id": j.runID,
	})
	log.Info("task started")

	go func() {
		defer func() {
			s.unregister(key)
			s.metrics.TaskStopped()
			close(j.done)
			log.Info("task run finished")
		}()
		s.orch.Run(jobCtx, ownerID, taskID)
	}()

	return nil
}

// checkConnections dials every assigned account before the task is allowed
// to start and names the first one that cannot connect.
func (s *Supervisor) checkConnections(ctx context.Context, ownerID int64, task *models.Task) error {
	for _, accountID := range task.AssignedAccounts {
		client, release, err := s.registry.Acquire(ctx, accountID)
		if err == nil && client != nil {
			release()
			continue
		}
		if err != nil {
			s.log.Warn("account failed connection check",
				logger.F("account_id", accountID), logger.F("error", err.Error()))
		}

		label := fmt.Sprintf("#%d", accountID)
		if account, aerr := s.repo.GetAccount(ctx, ownerID, accountID); aerr == nil && account.Phone != "" {
			label = account.Phone
		}
		s.notifier.Notify(ctx, ownerID, fmt.Sprintf(
			"Task #%d cannot start: account <b>%s</b> has no working connection.", task.TaskID, label))
		return fmt.Errorf("account %d: %w", accountID, ErrAccountUnavailable)
	}
	return nil
}

// Pause marks the task paused and stops its job, waiting for the run
// goroutine to exit. Pausing a task with no running job only persists the
// status and returns ErrTaskNotRunning, so a second pause is harmless.
func (s *Supervisor) Pause(ctx context.Context, ownerID int64, taskID int) error {
	status := models.TaskStatusPaused
	if err := s.repo.UpdateTask(ctx, ownerID, taskID, models.TaskUpdate{Status: &status}); err != nil {
		return fmt.Errorf("failed to pause task %d: %w", taskID, err)
	}
	s.metrics.ObserveTransition(string(status))

	key := jobKey{ownerID: ownerID, taskID: taskID}
	s.mu.Lock()
	j, running := s.jobs[key]
	s.mu.Unlock()
	if !running {
		return ErrTaskNotRunning
	}

	j.cancel()
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Delete stops the task's job if one is running, removes the task and drops
// its cached candidate set.
func (s *Supervisor) Delete(ctx context.Context, ownerID int64, taskID int) error {
	key := jobKey{ownerID: ownerID, taskID: taskID}
	s.mu.Lock()
	j, running := s.jobs[key]
	s.mu.Unlock()
	if running {
		j.cancel()
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := s.repo.RemoveTask(ctx, ownerID, taskID); err != nil {
		return fmt.Errorf("failed to delete task %d: %w", taskID, err)
	}
	if err := s.candidates.Drop(ctx, ownerID, taskID); err != nil {
		s.log.Warn("failed to drop candidate cache",
			logger.F("task_id", taskID), logger.F("error", err.Error()))
	}
	return nil
}

// RecoverOnBoot pauses every task left marked active by a previous process.
// Their jobs died with that process; the owner has to resume explicitly.
func (s *Supervisor) RecoverOnBoot(ctx context.Context) error {
	stale, err := s.repo.ListTasksByStatus(ctx, models.TaskStatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}

	status := models.TaskStatusPaused
	for _, ot := range stale {
		if err := s.repo.UpdateTask(ctx, ot.OwnerID, ot.Task.TaskID, models.TaskUpdate{Status: &status}); err != nil {
			s.log.Error("failed to pause stale task",
				logger.F("owner_id", ot.OwnerID), logger.F("task_id", ot.Task.TaskID), logger.F("error", err.Error()))
			continue
		}
		s.metrics.ObserveTransition(string(status))
		s.log.Info("stale task paused after restart",
			logger.F("owner_id", ot.OwnerID), logger.F("task_id", ot.Task.TaskID))
		s.notifier.Notify(ctx, ot.OwnerID, fmt.Sprintf(
			"Task #%d was interrupted by a service restart and is paused. Start it again to continue from where it stopped.", ot.Task.TaskID))
	}
	return nil
}

// Running reports whether the task currently has a job goroutine.
func (s *Supervisor) Running(ownerID int64, taskID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobKey{ownerID: ownerID, taskID: taskID}]
	return ok
}

// Snapshot returns the owner's tasks with their live running state.
func (s *Supervisor) Snapshot(ctx context.Context, ownerID int64) ([]models.TaskSnapshot, error) {
	owner, err := s.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	snapshots := make([]models.TaskSnapshot, 0, len(owner.Tasks))
	for _, t := range owner.Tasks {
		snapshots = append(snapshots, models.TaskSnapshot{
			TaskID:           t.TaskID,
			Status:           t.Status,
			Running:          s.Running(ownerID, t.TaskID),
			SourceChats:      t.SourceChats,
			TargetChat:       t.TargetChat,
			AssignedAccounts: t.AssignedAccounts,
			CursorIndex:      t.CursorIndex,
			AddedCount:       t.AddedCount,
		})
	}
	return snapshots, nil
}

// Shutdown cancels every running job and waits for all of them to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.cancel()
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		<-j.done
	}
	s.log.Info("all task jobs stopped")
}

func (s *Supervisor) unregister(key jobKey) {
	s.mu.Lock()
	delete(s.jobs, key)
	s.mu.Unlock()
}
