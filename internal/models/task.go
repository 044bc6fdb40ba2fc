package models

import "time"

type TaskStatus string

const (
	TaskStatusDraft     TaskStatus = "draft"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is one scrape-and-add job. Chats are stored as the identifiers the
// owner supplied (public @username or t.me invite link) and resolved to
// concrete channels at task start.
type Task struct {
	TaskID            int        `bson:"task_id" json:"task_id"`
	Status            TaskStatus `bson:"status" json:"status"`
	SourceChats       []string   `bson:"source_chats" json:"source_chats"`
	TargetChat        string     `bson:"target_chat" json:"target_chat"`
	AssignedAccounts  []int      `bson:"assigned_accounts" json:"assigned_accounts"`
	CursorIndex       int        `bson:"cursor_index" json:"cursor_index"`
	AddedCount        int        `bson:"added_count" json:"added_count"`
	ProgressMessageID int        `bson:"progress_message_id,omitempty" json:"-"`
	CreatedAt         time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `bson:"updated_at" json:"updated_at"`
}

// IsActive reports whether the task should currently be driven by a running
// job. Derived from the status so the two can never disagree.
func (t *Task) IsActive() bool {
	return t.Status == TaskStatusActive
}

// Configured reports whether the task has everything it needs to start.
func (t *Task) Configured() bool {
	return len(t.SourceChats) > 0 && t.TargetChat != "" && len(t.AssignedAccounts) > 0
}

// MaxSourceChats bounds how many source chats one task may scrape.
const MaxSourceChats = 5

// TaskUpdate is a partial update applied to one embedded task.
type TaskUpdate struct {
	Status            *TaskStatus
	CursorIndex       *int
	AddedCount        *int
	ProgressMessageID *int
}

// TaskSnapshot is the read-only view handed to the UI layer.
type TaskSnapshot struct {
	TaskID           int        `json:"task_id"`
	Status           TaskStatus `json:"status"`
	Running          bool       `json:"running"`
	SourceChats      []string   `json:"source_chats"`
	TargetChat       string     `json:"target_chat"`
	AssignedAccounts []int      `json:"assigned_accounts"`
	CursorIndex      int        `json:"cursor_index"`
	AddedCount       int        `json:"added_count"`
}
