package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/internal/repository"
	"github.com/telefleet/telefleet/internal/telegram"
	"github.com/telefleet/telefleet/pkg/database"
)

// fakeClock advances instantly on Sleep and records every requested
// duration.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// memRepo is an in-memory OwnerRepository with the same update semantics as
// the Mongo implementation.
type memRepo struct {
	mu     sync.Mutex
	owners map[int64]*models.Owner
}

func newMemRepo() *memRepo {
	return &memRepo{owners: make(map[int64]*models.Owner)}
}

func (r *memRepo) seed(owner *models.Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[owner.ChatID] = owner
}

func (r *memRepo) EnsureOwner(ctx context.Context, chatID int64) (*models.Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[chatID]
	if !ok {
		owner = &models.Owner{ChatID: chatID, NextAccountID: 1, NextTaskID: 1, CreatedAt: time.Now()}
		r.owners[chatID] = owner
	}
	return copyOwner(owner), nil
}

func (r *memRepo) GetOwner(ctx context.Context, chatID int64) (*models.Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[chatID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return copyOwner(owner), nil
}

func (r *memRepo) FindAccountOwner(ctx context.Context, accountID int) (*models.Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, owner := range r.owners {
		for _, a := range owner.Accounts {
			if a.AccountID == accountID {
				return copyOwner(owner), nil
			}
		}
	}
	return nil, database.ErrNotFound
}

func (r *memRepo) GetAccount(ctx context.Context, ownerID int64, accountID int) (*models.WorkerAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, err := r.account(ownerID, accountID)
	if err != nil {
		return nil, err
	}
	out := *account
	return &out, nil
}

func (r *memRepo) AddAccount(ctx context.Context, ownerID int64, phone, sessionString string) (*models.WorkerAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[ownerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	account := models.WorkerAccount{
		AccountID:     owner.NextAccountID,
		Phone:         phone,
		SessionString: sessionString,
		LoggedIn:      true,
		CreatedAt:     time.Now(),
	}
	owner.NextAccountID++
	owner.Accounts = append(owner.Accounts, account)
	out := account
	return &out, nil
}

func (r *memRepo) UpdateAccount(ctx context.Context, ownerID int64, accountID int, update models.AccountUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, err := r.account(ownerID, accountID)
	if err != nil {
		return err
	}
	if update.SessionString != nil {
		account.SessionString = *update.SessionString
	}
	if update.LoggedIn != nil {
		account.LoggedIn = *update.LoggedIn
	}
	if update.BannedForAdding != nil {
		account.BannedForAdding = *update.BannedForAdding
	}
	if update.FloodWaitUntil != nil {
		account.FloodWaitUntil = *update.FloodWaitUntil
	}
	if update.DailyAdds != nil {
		account.DailyAdds = *update.DailyAdds
	}
	if update.SoftErrors != nil {
		account.SoftErrors = *update.SoftErrors
	}
	if update.LastAddAt != nil {
		account.LastAddAt = *update.LastAddAt
	}
	if update.LastErrorKind != nil {
		account.LastErrorKind = *update.LastErrorKind
	}
	if update.LastErrorAt != nil {
		account.LastErrorAt = *update.LastErrorAt
	}
	return nil
}

func (r *memRepo) IncrementDailyAdds(ctx context.Context, ownerID int64, accountID int, lastAddAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, err := r.account(ownerID, accountID)
	if err != nil {
		return err
	}
	account.DailyAdds++
	account.LastAddAt = lastAddAt
	return nil
}

func (r *memRepo) IncrementSoftErrors(ctx context.Context, ownerID int64, accountID int, kind string, at int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, err := r.account(ownerID, accountID)
	if err != nil {
		return err
	}
	account.SoftErrors++
	account.LastErrorKind = kind
	account.LastErrorAt = at
	return nil
}

func (r *memRepo) ResetDailyCounters(ctx context.Context, ownerID int64, accountID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, err := r.account(ownerID, accountID)
	if err != nil {
		return err
	}
	account.DailyAdds = 0
	account.SoftErrors = 0
	return nil
}

func (r *memRepo) ResetAllDailyCounters(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, owner := range r.owners {
		for i := range owner.Accounts {
			owner.Accounts[i].DailyAdds = 0
			owner.Accounts[i].SoftErrors = 0
		}
		n++
	}
	return n, nil
}

func (r *memRepo) GetTask(ctx context.Context, ownerID int64, taskID int) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, err := r.task(ownerID, taskID)
	if err != nil {
		return nil, err
	}
	out := *task
	return &out, nil
}

func (r *memRepo) AddTask(ctx context.Context, ownerID int64) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[ownerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	task := models.Task{
		TaskID:    owner.NextTaskID,
		Status:    models.TaskStatusDraft,
		CreatedAt: time.Now(),
	}
	owner.NextTaskID++
	owner.Tasks = append(owner.Tasks, task)
	out := task
	return &out, nil
}

func (r *memRepo) UpdateTask(ctx context.Context, ownerID int64, taskID int, update models.TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, err := r.task(ownerID, taskID)
	if err != nil {
		return err
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.CursorIndex != nil {
		task.CursorIndex = *update.CursorIndex
	}
	if update.AddedCount != nil {
		task.AddedCount = *update.AddedCount
	}
	if update.ProgressMessageID != nil {
		task.ProgressMessageID = *update.ProgressMessageID
	}
	return nil
}

func (r *memRepo) IncrementAddedCount(ctx context.Context, ownerID int64, taskID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, err := r.task(ownerID, taskID)
	if err != nil {
		return err
	}
	task.AddedCount++
	return nil
}

func (r *memRepo) RemoveTask(ctx context.Context, ownerID int64, taskID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[ownerID]
	if !ok {
		return database.ErrNotFound
	}
	for i := range owner.Tasks {
		if owner.Tasks[i].TaskID == taskID {
			owner.Tasks = append(owner.Tasks[:i], owner.Tasks[i+1:]...)
			return nil
		}
	}
	return database.ErrNotFound
}

func (r *memRepo) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]repository.OwnerTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.OwnerTask
	for _, owner := range r.owners {
		for _, t := range owner.Tasks {
			if t.Status == status {
				out = append(out, repository.OwnerTask{OwnerID: owner.ChatID, Task: t})
			}
		}
	}
	return out, nil
}

func (r *memRepo) account(ownerID int64, accountID int) (*models.WorkerAccount, error) {
	owner, ok := r.owners[ownerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	for i := range owner.Accounts {
		if owner.Accounts[i].AccountID == accountID {
			return &owner.Accounts[i], nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *memRepo) task(ownerID int64, taskID int) (*models.Task, error) {
	owner, ok := r.owners[ownerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	for i := range owner.Tasks {
		if owner.Tasks[i].TaskID == taskID {
			return &owner.Tasks[i], nil
		}
	}
	return nil, database.ErrNotFound
}

func copyOwner(owner *models.Owner) *models.Owner {
	out := *owner
	out.Accounts = append([]models.WorkerAccount(nil), owner.Accounts...)
	out.Tasks = append([]models.Task(nil), owner.Tasks...)
	return &out
}

// fakeClient is a scripted telegram.Client. Invite outcomes are dequeued per
// call; an empty queue means success.
type fakeClient struct {
	mu       sync.Mutex
	selfID   int64
	chats    map[string]telegram.ChatRef
	joinable map[string]bool
	members  map[int64][]models.Candidate
	partErrs []error
	invites  []error
	invited  []models.Candidate
	attempts int
	onInvite func(attempt int)
	closed   bool
}

func newFakeClient(selfID int64) *fakeClient {
	return &fakeClient{
		selfID:   selfID,
		chats:    make(map[string]telegram.ChatRef),
		joinable: make(map[string]bool),
		members:  make(map[int64][]models.Candidate),
	}
}

func (c *fakeClient) addChat(name string, ref telegram.ChatRef, members []models.Candidate) {
	c.chats[name] = ref
	c.members[ref.ID] = members
}

func (c *fakeClient) queueInvites(errs ...error) {
	c.mu.Lock()
	c.invites = append(c.invites, errs...)
	c.mu.Unlock()
}

func (c *fakeClient) SelfID() int64 { return c.selfID }

func (c *fakeClient) ResolveChat(ctx context.Context, chat string) (telegram.ChatRef, error) {
	ref, ok := c.chats[chat]
	if !ok {
		return telegram.ChatRef{}, fmt.Errorf("chat %s not found", chat)
	}
	if c.joinable[chat] {
		return telegram.ChatRef{}, telegram.ErrNotJoined
	}
	return ref, nil
}

func (c *fakeClient) JoinChat(ctx context.Context, chat string) (telegram.ChatRef, error) {
	ref, ok := c.chats[chat]
	if !ok {
		return telegram.ChatRef{}, fmt.Errorf("chat %s not found", chat)
	}
	c.joinable[chat] = false
	return ref, nil
}

func (c *fakeClient) queuePartErrs(errs ...error) {
	c.mu.Lock()
	c.partErrs = append(c.partErrs, errs...)
	c.mu.Unlock()
}

func (c *fakeClient) Participants(ctx context.Context, chat telegram.ChatRef, offset, limit int) ([]models.Candidate, error) {
	c.mu.Lock()
	if len(c.partErrs) > 0 {
		err := c.partErrs[0]
		c.partErrs = c.partErrs[1:]
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.mu.Unlock()

	members := c.members[chat.ID]
	if offset >= len(members) {
		return nil, nil
	}
	end := offset + limit
	if end > len(members) {
		end = len(members)
	}
	return members[offset:end], nil
}

func (c *fakeClient) Invite(ctx context.Context, chat telegram.ChatRef, candidate models.Candidate) error {
	c.mu.Lock()
	var err error
	if len(c.invites) > 0 {
		err = c.invites[0]
		c.invites = c.invites[1:]
	}
	if err == nil {
		c.invited = append(c.invited, candidate)
	}
	c.attempts++
	attempt := c.attempts
	hook := c.onInvite
	c.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	return err
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// fakeDialer hands out one shared fakeClient for every session string unless
// a per-session client or error is registered.
type fakeDialer struct {
	mu      sync.Mutex
	client  *fakeClient
	clients map[string]*fakeClient
	errs    map[string]error
	dials   int
}

func newFakeDialer(client *fakeClient) *fakeDialer {
	return &fakeDialer{
		client:  client,
		clients: make(map[string]*fakeClient),
		errs:    make(map[string]error),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, sessionString string) (telegram.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err, ok := d.errs[sessionString]; ok {
		return nil, err
	}
	if client, ok := d.clients[sessionString]; ok {
		return client, nil
	}
	return d.client, nil
}

// recNotifier records every notification and progress report.
type recNotifier struct {
	mu       sync.Mutex
	messages []string
	progress []string
	nextID   int
	editFail bool
}

func newRecNotifier() *recNotifier {
	return &recNotifier{nextID: 100}
}

func (n *recNotifier) Notify(ctx context.Context, ownerID int64, text string) {
	n.mu.Lock()
	n.messages = append(n.messages, text)
	n.mu.Unlock()
}

func (n *recNotifier) SendProgress(ctx context.Context, ownerID int64, messageID int, text string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, text)
	if messageID != 0 && !n.editFail {
		return messageID, nil
	}
	n.nextID++
	return n.nextID, nil
}

func (n *recNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// memCandidateStore is an in-memory CandidateStore.
type memCandidateStore struct {
	mu   sync.Mutex
	sets map[string][]models.Candidate
}

func newMemCandidateStore() *memCandidateStore {
	return &memCandidateStore{sets: make(map[string][]models.Candidate)}
}

func (s *memCandidateStore) Put(ctx context.Context, ownerID int64, taskID int, candidates []models.Candidate) error {
	s.mu.Lock()
	s.sets[candidateKey(ownerID, taskID)] = append([]models.Candidate(nil), candidates...)
	s.mu.Unlock()
	return nil
}

func (s *memCandidateStore) Get(ctx context.Context, ownerID int64, taskID int) ([]models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[candidateKey(ownerID, taskID)]
	if !ok || len(set) == 0 {
		return nil, ErrNoCandidates
	}
	return append([]models.Candidate(nil), set...), nil
}

func (s *memCandidateStore) Drop(ctx context.Context, ownerID int64, taskID int) error {
	s.mu.Lock()
	delete(s.sets, candidateKey(ownerID, taskID))
	s.mu.Unlock()
	return nil
}
