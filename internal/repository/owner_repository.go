package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/telefleet/telefleet/internal/models"
	"github.com/telefleet/telefleet/pkg/database"
)

// OwnerTask pairs a task with the owner it is embedded in, for queries that
// cross owner boundaries (boot recovery, audits).
type OwnerTask struct {
	OwnerID int64
	Task    models.Task
}

type OwnerRepository interface {
	EnsureOwner(ctx context.Context, chatID int64) (*models.Owner, error)
	GetOwner(ctx context.Context, chatID int64) (*models.Owner, error)
	FindAccountOwner(ctx context.Context, accountID int) (*models.Owner, error)

	GetAccount(ctx context.Context, ownerID int64, accountID int) (*models.WorkerAccount, error)
	AddAccount(ctx context.Context, ownerID int64, phone, sessionString string) (*models.WorkerAccount, error)
	UpdateAccount(ctx context.Context, ownerID int64, accountID int, update models.AccountUpdate) error
	IncrementDailyAdds(ctx context.Context, ownerID int64, accountID int, lastAddAt int64) error
	IncrementSoftErrors(ctx context.Context, ownerID int64, accountID int, kind string, at int64) error
	ResetDailyCounters(ctx context.Context, ownerID int64, accountID int) error
	ResetAllDailyCounters(ctx context.Context) (int64, error)

	GetTask(ctx context.Context, ownerID int64, taskID int) (*models.Task, error)
	AddTask(ctx context.Context, ownerID int64) (*models.Task, error)
	UpdateTask(ctx context.Context, ownerID int64, taskID int, update models.TaskUpdate) error
	IncrementAddedCount(ctx context.Context, ownerID int64, taskID int) error
	RemoveTask(ctx context.Context, ownerID int64, taskID int) error
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]OwnerTask, error)
}

type ownerRepository struct {
	collection *mongo.Collection
}

func NewOwnerRepository(db *mongo.Database) OwnerRepository {
	return &ownerRepository{
		collection: db.Collection("owners"),
	}
}

func (r *ownerRepository) EnsureOwner(ctx context.Context, chatID int64) (*models.Owner, error) {
	now := time.Now()
	update := bson.M{
		"$setOnInsert": bson.M{
			"chat_id":         chatID,
			"accounts":        []models.WorkerAccount{},
			"tasks":           []models.Task{},
			"next_account_id": 1,
			"next_task_id":    1,
			"created_at":      now,
		},
		"$set": bson.M{"updated_at": now},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var owner models.Owner
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"chat_id": chatID}, update, opts).Decode(&owner)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure owner %d: %w", chatID, err)
	}
	return &owner, nil
}

func (r *ownerRepository) GetOwner(ctx context.Context, chatID int64) (*models.Owner, error) {
	var owner models.Owner
	err := r.collection.FindOne(ctx, bson.M{"chat_id": chatID}).Decode(&owner)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get owner %d: %w", chatID, err)
	}
	return &owner, nil
}

func (r *ownerRepository) FindAccountOwner(ctx context.Context, accountID int) (*models.Owner, error) {
	var owner models.Owner
	err := r.collection.FindOne(ctx, bson.M{"accounts.account_id": accountID}).Decode(&owner)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find owner of account %d: %w", accountID, err)
	}
	return &owner, nil
}

func (r *ownerRepository) GetAccount(ctx context.Context, ownerID int64, accountID int) (*models.WorkerAccount, error) {
	owner, err := r.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range owner.Accounts {
		if owner.Accounts[i].AccountID == accountID {
			return &owner.Accounts[i], nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *ownerRepository) AddAccount(ctx context.Context, ownerID int64, phone, sessionString string) (*models.WorkerAccount, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before models.Owner
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"chat_id": ownerID},
		bson.M{"$inc": bson.M{"next_account_id": 1}},
		opts,
	).Decode(&before)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to allocate account id: %w", err)
	}

	account := models.WorkerAccount{
		AccountID:     before.NextAccountID,
		Phone:         phone,
		SessionString: sessionString,
		LoggedIn:      sessionString != "",
		CreatedAt:     time.Now(),
	}

	_, err = r.collection.UpdateOne(ctx,
		bson.M{"chat_id": ownerID},
		bson.M{
			"$push": bson.M{"accounts": account},
			"$set":  bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add account: %w", err)
	}
	return &account, nil
}

func (r *ownerRepository) UpdateAccount(ctx context.Context, ownerID int64, accountID int, update models.AccountUpdate) error {
	set := bson.M{"updated_at": time.Now()}

	if update.SessionString != nil {
		set["accounts.$[a].session_string"] = *update.SessionString
	}
	if update.LoggedIn != nil {
		set["accounts.$[a].logged_in"] = *update.LoggedIn
	}
	if update.BannedForAdding != nil {
		set["accounts.$[a].banned_for_adding"] = *update.BannedForAdding
	}
	if update.FloodWaitUntil != nil {
		set["accounts.$[a].flood_wait_until"] = *update.FloodWaitUntil
	}
	if update.DailyAdds != nil {
		set["accounts.$[a].daily_adds"] = *update.DailyAdds
	}
	if update.SoftErrors != nil {
		set["accounts.$[a].soft_errors"] = *update.SoftErrors
	}
	if update.LastAddAt != nil {
		set["accounts.$[a].last_add_at"] = *update.LastAddAt
	}
	if update.LastErrorKind != nil {
		set["accounts.$[a].last_error_kind"] = *update.LastErrorKind
	}
	if update.LastErrorAt != nil {
		set["accounts.$[a].last_error_at"] = *update.LastErrorAt
	}

	return r.updateFiltered(ctx, ownerID, bson.M{"$set": set},
		bson.M{"a.account_id": accountID}, "account", accountID)
}

func (r *ownerRepository) IncrementDailyAdds(ctx context.Context, ownerID int64, accountID int, lastAddAt int64) error {
	update := bson.M{
		"$inc": bson.M{"accounts.$[a].daily_adds": 1},
		"$set": bson.M{
			"accounts.$[a].last_add_at": lastAddAt,
			"updated_at":                time.Now(),
		},
	}
	return r.updateFiltered(ctx, ownerID, update, bson.M{"a.account_id": accountID}, "account", accountID)
}

func (r *ownerRepository) IncrementSoftErrors(ctx context.Context, ownerID int64, accountID int, kind string, at int64) error {
	update := bson.M{
		"$inc": bson.M{"accounts.$[a].soft_errors": 1},
		"$set": bson.M{
			"accounts.$[a].last_error_kind": kind,
			"accounts.$[a].last_error_at":   at,
			"updated_at":                    time.Now(),
		},
	}
	return r.updateFiltered(ctx, ownerID, update, bson.M{"a.account_id": accountID}, "account", accountID)
}

func (r *ownerRepository) ResetDailyCounters(ctx context.Context, ownerID int64, accountID int) error {
	update := bson.M{
		"$set": bson.M{
			"accounts.$[a].daily_adds":  0,
			"accounts.$[a].soft_errors": 0,
			"updated_at":                time.Now(),
		},
	}
	return r.updateFiltered(ctx, ownerID, update, bson.M{"a.account_id": accountID}, "account", accountID)
}

func (r *ownerRepository) ResetAllDailyCounters(ctx context.Context) (int64, error) {
	res, err := r.collection.UpdateMany(ctx,
		bson.M{"accounts.0": bson.M{"$exists": true}},
		bson.M{"$set": bson.M{
			"accounts.$[].daily_adds":  0,
			"accounts.$[].soft_errors": 0,
			"updated_at":               time.Now(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *ownerRepository) GetTask(ctx context.Context, ownerID int64, taskID int) (*models.Task, error) {
	owner, err := r.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range owner.Tasks {
		if owner.Tasks[i].TaskID == taskID {
			return &owner.Tasks[i], nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *ownerRepository) AddTask(ctx context.Context, ownerID int64) (*models.Task, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before models.Owner
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"chat_id": ownerID},
		bson.M{"$inc": bson.M{"next_task_id": 1}},
		opts,
	).Decode(&before)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("failed to allocate task id: %w", err)
	}

	now := time.Now()
	task := models.Task{
		TaskID:    before.NextTaskID,
		Status:    models.TaskStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = r.collection.UpdateOne(ctx,
		bson.M{"chat_id": ownerID},
		bson.M{
			"$push": bson.M{"tasks": task},
			"$set":  bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add task: %w", err)
	}
	return &task, nil
}

func (r *ownerRepository) UpdateTask(ctx context.Context, ownerID int64, taskID int, update models.TaskUpdate) error {
	now := time.Now()
	set := bson.M{
		"tasks.$[t].updated_at": now,
		"updated_at":            now,
	}

	if update.Status != nil {
		set["tasks.$[t].status"] = *update.Status
	}
	if update.CursorIndex != nil {
		set["tasks.$[t].cursor_index"] = *update.CursorIndex
	}
	if update.AddedCount != nil {
		set["tasks.$[t].added_count"] = *update.AddedCount
	}
	if update.ProgressMessageID != nil {
		set["tasks.$[t].progress_message_id"] = *update.ProgressMessageID
	}

	return r.updateFiltered(ctx, ownerID, bson.M{"$set": set},
		bson.M{"t.task_id": taskID}, "task", taskID)
}

func (r *ownerRepository) IncrementAddedCount(ctx context.Context, ownerID int64, taskID int) error {
	update := bson.M{
		"$inc": bson.M{"tasks.$[t].added_count": 1},
		"$set": bson.M{"tasks.$[t].updated_at": time.Now()},
	}
	return r.updateFiltered(ctx, ownerID, update, bson.M{"t.task_id": taskID}, "task", taskID)
}

func (r *ownerRepository) RemoveTask(ctx context.Context, ownerID int64, taskID int) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"chat_id": ownerID},
		bson.M{
			"$pull": bson.M{"tasks": bson.M{"task_id": taskID}},
			"$set":  bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to remove task %d: %w", taskID, err)
	}
	if res.ModifiedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (r *ownerRepository) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]OwnerTask, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"tasks.status": status})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer cursor.Close(ctx)

	var out []OwnerTask
	for cursor.Next(ctx) {
		var owner models.Owner
		if err := cursor.Decode(&owner); err != nil {
			return nil, fmt.Errorf("failed to decode owner: %w", err)
		}
		for _, task := range owner.Tasks {
			if task.Status == status {
				out = append(out, OwnerTask{OwnerID: owner.ChatID, Task: task})
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owners: %w", err)
	}
	return out, nil
}

func (r *ownerRepository) updateFiltered(ctx context.Context, ownerID int64, update bson.M, filter bson.M, entity string, id int) error {
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{filter},
	})

	res, err := r.collection.UpdateOne(ctx, bson.M{"chat_id": ownerID}, update, opts)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", entity, id, err)
	}
	if res.MatchedCount == 0 {
		return database.ErrNotFound
	}
	return nil
}
