package types

import (
	"context"
	"strings"
	"time"
)

// Filter narrows a task-service listing. Every non-nil field is sent in the
// same request.
type Filter struct {
	CompletedMin *time.Time
	DueMin       *time.Time
	UpdatedMin   *time.Time
}

// IsZero reports whether no predicate is set.
func (f Filter) IsZero() bool {
	return f.CompletedMin == nil && f.DueMin == nil && f.UpdatedMin == nil
}

// FilterSupport declares which date predicates a service honours.
type FilterSupport struct {
	CompletedMin bool
	DueMin       bool
	UpdatedMin   bool
}

// Service is the third-party task service.
//
// Implementations enforce their own per-call rate limiting and return
// errors wrapping ErrTransient or ErrPermanent so callers can decide
// whether to retry.
type Service interface {
	// ListTaskLists returns every task list visible to the account.
	ListTaskLists(ctx context.Context) ([]TaskList, error)

	// ListTasks returns the tasks of one list matching all predicates of f
	// in a single logical call, including tombstones.
	ListTasks(ctx context.Context, taskListID string, f Filter) ([]Task, error)

	// SupportedFilters reports which predicates ListTasks accepts.
	SupportedFilters() FilterSupport

	// CreateTask inserts t into the list and returns the stored copy
	// carrying the service's native id.
	CreateTask(ctx context.Context, taskListID string, t Task) (Task, error)

	// UpdateTask overwrites the task identified by t.ID.
	UpdateTask(ctx context.Context, taskListID string, t Task) (Task, error)

	// DeleteTask removes a task. The service offers no undo.
	DeleteTask(ctx context.Context, taskListID, taskID string) error
}

// Store is a relational task store. The local embedded database and the
// shared remote database have the same shape.
type Store interface {
	// LoadAll returns every row, tombstones included.
	LoadAll(ctx context.Context) ([]Task, error)

	// UpsertMany writes all tasks in one transaction.
	UpsertMany(ctx context.Context, tasks []Task) error

	// DeleteMany purges rows by native id. Missing ids are ignored.
	DeleteMany(ctx context.Context, ids []string) error

	// LinkService records service native ids keyed by canonical id.
	LinkService(ctx context.Context, links map[string]string) error

	// LastSyncedAt returns the watermark of a target, or the zero time.
	LastSyncedAt(ctx context.Context, target string) (time.Time, error)

	// SetLastSyncedAt stores the watermark of a target.
	SetLastSyncedAt(ctx context.Context, target string, t time.Time) error
}

// Counter is implemented by stores that can count rows cheaply.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// ListResolver is implemented by services whose task lists can be named by
// an alias such as "@default".
type ListResolver interface {
	// ResolveTaskList returns the native id of taskListID. Native ids are
	// returned unchanged.
	ResolveTaskList(ctx context.Context, taskListID string) (string, error)
}

// IsListAlias reports whether id names a list indirectly, e.g. "@default".
func IsListAlias(id string) bool {
	return strings.HasPrefix(id, "@")
}
