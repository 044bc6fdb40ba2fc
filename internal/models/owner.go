package models

import "time"

// Owner is one end customer of the bot. Worker accounts and adding tasks are
// embedded sub-documents: they have no identity outside their owner record.
type Owner struct {
	ChatID        int64           `bson:"chat_id" json:"chat_id"`
	Accounts      []WorkerAccount `bson:"accounts" json:"accounts"`
	Tasks         []Task          `bson:"tasks" json:"tasks"`
	NextAccountID int             `bson:"next_account_id" json:"next_account_id"`
	NextTaskID    int             `bson:"next_task_id" json:"next_task_id"`
	CreatedAt     time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at" json:"updated_at"`
}

// WorkerAccount is a borrowed user session used for scraping and adding.
type WorkerAccount struct {
	AccountID       int       `bson:"account_id" json:"account_id"`
	Phone           string    `bson:"phone" json:"phone"`
	SessionString   string    `bson:"session_string,omitempty" json:"-"`
	LoggedIn        bool      `bson:"logged_in" json:"logged_in"`
	BannedForAdding bool      `bson:"banned_for_adding" json:"banned_for_adding"`
	FloodWaitUntil  int64     `bson:"flood_wait_until" json:"flood_wait_until"`
	DailyAdds       int       `bson:"daily_adds" json:"daily_adds"`
	SoftErrors      int       `bson:"soft_errors" json:"soft_errors"`
	LastAddAt       int64     `bson:"last_add_at" json:"last_add_at"`
	LastErrorKind   string    `bson:"last_error_kind,omitempty" json:"last_error_kind,omitempty"`
	LastErrorAt     int64     `bson:"last_error_at,omitempty" json:"last_error_at,omitempty"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
}

// AccountUpdate is a partial update applied to one embedded account.
// Nil fields are left untouched.
type AccountUpdate struct {
	SessionString   *string
	LoggedIn        *bool
	BannedForAdding *bool
	FloodWaitUntil  *int64
	DailyAdds       *int
	SoftErrors      *int
	LastAddAt       *int64
	LastErrorKind   *string
	LastErrorAt     *int64
}
