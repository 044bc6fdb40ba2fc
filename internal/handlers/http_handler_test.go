package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telefleet/telefleet/internal/config"
	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/service"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/database"
	"github.com/telefleet/telefleet/pkg/logger"
)

// stubRepo serves a single owner with one paused task. Methods the handler
// flow never reaches stay on the embedded nil interface.
type stubRepo struct {
	repository.OwnerRepository

	mu    sync.Mutex
	owner models.Owner
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		owner: models.Owner{
			ChatID: 555,
			Tasks: []models.Task{{
				TaskID:      1,
				Status:      models.TaskStatusPaused,
				SourceChats: []string{"@source"},
				TargetChat:  "@target",
			}},
		},
	}
}

func (s *stubRepo) GetOwner(ctx context.Context, chatID int64) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != s.owner.ChatID {
		return nil, database.ErrNotFound
	}
	out := s.owner
	return &out, nil
}

func (s *stubRepo) GetTask(ctx context.Context, ownerID int64, taskID int) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ownerID != s.owner.ChatID {
		return nil, database.ErrNotFound
	}
	for _, t := range s.owner.Tasks {
		if t.TaskID == taskID {
			out := t
			return &out, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *stubRepo) UpdateTask(ctx context.Context, ownerID int64, taskID int, update models.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.owner.Tasks {
		if s.owner.Tasks[i].TaskID == taskID {
			if update.Status != nil {
				s.owner.Tasks[i].Status = *update.Status
			}
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *stubRepo) RemoveTask(ctx context.Context, ownerID int64, taskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.owner.Tasks {
		if s.owner.Tasks[i].TaskID == taskID {
			s.owner.Tasks = append(s.owner.Tasks[:i], s.owner.Tasks[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *stubRepo) FindAccountOwner(ctx context.Context, accountID int) (*models.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.owner.Accounts {
		if a.AccountID == accountID {
			out := s.owner
			return &out, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *stubRepo) GetAccount(ctx context.Context, ownerID int64, accountID int) (*models.WorkerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.owner.Accounts {
		if a.AccountID == accountID {
			out := a
			return &out, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *stubRepo) UpdateAccount(ctx context.Context, ownerID int64, accountID int, update models.AccountUpdate) error {
	return nil
}

func (s *stubRepo) taskStatus(taskID int) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.owner.Tasks {
		if t.TaskID == taskID {
			return t.Status
		}
	}
	return ""
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, ownerID int64, text string) {}
func (noopNotifier) SendProgress(ctx context.Context, ownerID int64, messageID int, text string) (int, error) {
	return messageID, nil
}

type noopStore struct{}

func (noopStore) Put(ctx context.Context, ownerID int64, taskID int, candidates []models.Candidate) error {
	return nil
}
func (noopStore) Get(ctx context.Context, ownerID int64, taskID int) ([]models.Candidate, error) {
	return nil, service.ErrNoCandidates
}
func (noopStore) Drop(ctx context.Context, ownerID int64, taskID int) error { return nil }

type noDialer struct{}

func (noDialer) Dial(ctx context.Context, sessionString string) (telegram.Client, error) {
	return nil, telegram.ErrUnauthorized
}

func newTestRouter(repo *stubRepo) (*gin.Engine, *service.Supervisor) {
	log := logger.Nop()
	registry := service.NewSessionRegistry(repo, noDialer{}, nil, log)
	ledger := service.NewQuotaLedger(repo, config.DefaultPacing(), service.SystemClock(), time.UTC, nil, log)
	scraper := service.NewMemberScraper(config.DefaultPacing(), service.SystemClock(), nil, log)
	adder := service.NewAddWorker(ledger, noopNotifier{}, nil, log)
	orch := service.NewOrchestrator(repo, registry, ledger, scraper, adder,
		noopNotifier{}, noopStore{}, config.DefaultPacing(), service.SystemClock(), nil, log)
	supervisor := service.NewSupervisor(repo, registry, orch, noopNotifier{}, noopStore{}, nil, log)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHTTPHandler(supervisor, log).RegisterRoutes(router)
	return router, supervisor
}

func TestListTasks(t *testing.T) {
	router, _ := newTestRouter(newStubRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/owners/555/tasks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"task_id\":1")
	assert.Contains(t, w.Body.String(), "\"running\":false")
}

func TestListTasksUnknownOwner(t *testing.T) {
	router, _ := newTestRouter(newStubRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/owners/999/tasks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasksBadOwnerID(t *testing.T) {
	router, _ := newTestRouter(newStubRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/owners/abc/tasks", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartUnknownTask(t *testing.T) {
	router, _ := newTestRouter(newStubRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/555/tasks/99/start", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTaskAccepted(t *testing.T) {
	repo := newStubRepo()
	router, sup := newTestRouter(repo)
	defer sup.Shutdown()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/555/tasks/1/start", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	// The task has no assigned accounts, so the run pauses it on its own.
	require.Eventually(t, func() bool {
		return repo.taskStatus(1) == models.TaskStatusPaused
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRejectedWhenAccountCannotConnect(t *testing.T) {
	repo := newStubRepo()
	repo.owner.Accounts = []models.WorkerAccount{
		{AccountID: 7, Phone: "+1000000007", SessionString: "s7", LoggedIn: true},
	}
	repo.owner.Tasks[0].AssignedAccounts = []int{7}
	router, _ := newTestRouter(repo)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/555/tasks/1/start", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, models.TaskStatusPaused, repo.taskStatus(1))
}

func TestPauseWithoutRunningJobStillOk(t *testing.T) {
	router, _ := newTestRouter(newStubRepo())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/owners/555/tasks/1/pause", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no running job")
}

func TestDeleteTask(t *testing.T) {
	repo := newStubRepo()
	router, _ := newTestRouter(repo)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/owners/555/tasks/1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TaskStatus(""), repo.taskStatus(1))
}
