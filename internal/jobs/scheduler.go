package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/service"
	"github.com/telefleet/telefleet/pkg/logger"
)

const jobTimeout = 2 * time.Minute

// Scheduler runs the periodic maintenance jobs: the nightly quota sweep that
// zeroes every account's daily counters, and an audit that pauses tasks left
// marked active without a live job.
type Scheduler struct {
	repo       repository.OwnerRepository
	supervisor *service.Supervisor
	cron       *cron.Cron
	log        logger.Logger
}

func NewScheduler(repo repository.OwnerRepository, supervisor *service.Supervisor, loc *time.Location, log logger.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		repo:       repo,
		supervisor: supervisor,
		cron:       cron.New(cron.WithLocation(loc)),
		log:        log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("5 0 * * *", s.nightlySweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/10 * * * *", s.auditActiveTasks); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// nightlySweep resets daily add and error counters for every account. The
// lazy per-account rollover covers accounts touched during the day; this
// sweep keeps the stored counters honest for idle ones too.
func (s *Scheduler) nightlySweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	reset, err := s.repo.ResetAllDailyCounters(ctx)
	if err != nil {
		s.log.Error("nightly counter sweep failed", logger.F("error", err.Error()))
		return
	}
	s.log.Info("nightly counter sweep done", logger.F("owners", reset))
}

// auditActiveTasks pauses tasks whose status says active but which have no
// running job, which can happen if a status write raced a crash.
func (s *Scheduler) auditActiveTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	active, err := s.repo.ListTasksByStatus(ctx, models.TaskStatusActive)
	if err != nil {
		s.log.Error("active task audit failed", logger.F("error", err.Error()))
		return
	}

	status := models.TaskStatusPaused
	for _, ot := range active {
		if s.supervisor.Running(ot.OwnerID, ot.Task.TaskID) {
			continue
		}
		if err := s.repo.UpdateTask(ctx, ot.OwnerID, ot.Task.TaskID, models.TaskUpdate{Status: &status}); err != nil {
			s.log.Error("failed to pause orphaned task",
				logger.F("owner_id", ot.OwnerID), logger.F("task_id", ot.Task.TaskID), logger.F("error", err.Error()))
			continue
		}
		s.log.Warn("paused orphaned active task",
			logger.F("owner_id", ot.OwnerID), logger.F("task_id", ot.Task.TaskID))
	}
}
