// Package store is the durable queue store: accounts, join requests,
// notifications and per-day counters behind a driver-neutral interface.
// The join pipeline and the control channel never see SQL.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by InsertPending when the (account, link)
// pair already exists in the queue.
var ErrDuplicate = errors.New("join request already queued")

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

type AccountStatus string

const (
	AccountUninitialized AccountStatus = "uninitialized"
	AccountActive        AccountStatus = "active"
	AccountDisabled      AccountStatus = "disabled"
)

// Account is one managed identity owning a WhatsApp session. Accounts
// are created on first connect and disabled rather than deleted.
type Account struct {
	ID        int64
	Name      string
	Status    AccountStatus
	CreatedAt time.Time
}

type JoinStatus string

const (
	StatusPending    JoinStatus = "pending"
	StatusProcessing JoinStatus = "processing"
	StatusCompleted  JoinStatus = "completed"
	StatusFailed     JoinStatus = "failed"
)

// Terminal reports whether the status is a final outcome.
func (s JoinStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JoinRequest is a durable record of intent to join one group by invite
// link. Status only ever moves pending -> processing -> completed|failed;
// attempts grows by one on every processing transition.
type JoinRequest struct {
	ID            int64
	AccountID     int64
	Link          string
	Status        JoinStatus
	Attempts      int
	LastAttempt   *time.Time
	ResultMessage string
	AddedAt       time.Time
	CompletedAt   *time.Time
}

// QueueStats summarizes one account's queue by status.
type QueueStats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

type Notification struct {
	ID        int64
	UserID    int64
	Message   string
	Type      string
	IsRead    bool
	CreatedAt time.Time
}

// CounterField names one statistics column. Only the listed values are
// accepted; UpsertCounter rejects anything else.
type CounterField string

const (
	CounterLinksCollected CounterField = "links_collected"
	CounterGroupsJoined   CounterField = "groups_joined"
	CounterGroupsFailed   CounterField = "groups_failed"
)

// Today returns the current UTC date in the format statistics rows
// are keyed by.
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// DailyStat holds per-account counters for one calendar date
// (formatted 2006-01-02).
type DailyStat struct {
	AccountID      int64
	Date           string
	LinksCollected int
	GroupsJoined   int
	GroupsFailed   int
}

// Store is the persistence contract the core depends on. Every mutation
// is atomic at the single-record level; no multi-record transactions
// are required of implementations.
type Store interface {
	// Accounts.
	CreateAccount(ctx context.Context, name string) (Account, error)
	AccountByName(ctx context.Context, name string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error

	// Join queue.
	InsertPending(ctx context.Context, accountID int64, link string) (int64, error)
	FetchPending(ctx context.Context, accountID int64, limit int) ([]JoinRequest, error)
	UpdateStatus(ctx context.Context, id int64, status JoinStatus, message string) error
	QueueStats(ctx context.Context, accountID int64) (QueueStats, error)
	ClearQueue(ctx context.Context, accountID int64, status JoinStatus) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Statistics.
	UpsertCounter(ctx context.Context, accountID int64, date string, field CounterField, delta int) error
	StatsForDate(ctx context.Context, accountID int64, date string) (DailyStat, error)

	// Notifications.
	InsertNotification(ctx context.Context, userID int64, message, ntype string) (int64, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	UnreadNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error)

	Close() error
}
