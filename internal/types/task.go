// Package types defines the task model shared by every sync component.
//
// A Task is the unit of synchronization. The same logical task can live in
// three stores at once (local database, remote database, task service) under
// different native ids; CanonicalID ties those copies together once the
// engine has merged them.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusDeleted:
		return true
	}
	return false
}

// Source identifies one of the three task stores.
type Source string

const (
	SourceLocal   Source = "local"
	SourceRemote  Source = "remote"
	SourceService Source = "service"
)

// Sources lists every source in destination phase order. The service comes
// last because it is the least recoverable destination.
var Sources = []Source{SourceLocal, SourceRemote, SourceService}

// Priority returns the tie-break rank of a source. Higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceService:
		return 3
	case SourceLocal:
		return 2
	case SourceRemote:
		return 1
	}
	return 0
}

// IsRelational reports whether the source is one of the SQL stores.
func (s Source) IsRelational() bool {
	return s == SourceLocal || s == SourceRemote
}

// ParseSource converts a string to a Source.
func ParseSource(v string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(v))) {
	case SourceLocal:
		return SourceLocal, nil
	case SourceRemote:
		return SourceRemote, nil
	case SourceService:
		return SourceService, nil
	}
	return "", fmt.Errorf("unknown source %q", v)
}

// Task is a task as seen by one source.
type Task struct {
	// ID is the native id inside the source that produced this copy.
	ID string `json:"id" yaml:"id"`

	// CanonicalID is the merged identity. Relational stores persist it;
	// service copies get it assigned by the planner.
	CanonicalID string `json:"canonical_id,omitempty" yaml:"canonical_id,omitempty"`

	// ServiceID is the task service's native id recorded on relational rows
	// once the task has been pushed to or pulled from the service.
	ServiceID string `json:"service_id,omitempty" yaml:"service_id,omitempty"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Notes       string `json:"notes,omitempty" yaml:"notes,omitempty"`

	Due         *time.Time `json:"due,omitempty" yaml:"due,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at" yaml:"modified_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	Status     Status `json:"status" yaml:"status"`
	TaskListID string `json:"tasklist_id,omitempty" yaml:"tasklist_id,omitempty"`
	Source     Source `json:"source" yaml:"source"`

	SyncVersion int64 `json:"sync_version" yaml:"sync_version"`
}

// Key returns the identity used for merging: the canonical id when known,
// otherwise the native id.
func (t *Task) Key() string {
	if t.CanonicalID != "" {
		return t.CanonicalID
	}
	return t.ID
}

// IsDeleted reports whether the task is a tombstone.
func (t *Task) IsDeleted() bool {
	return t.Status == StatusDeleted
}

// Validate checks the fields every store requires.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.ModifiedAt.IsZero() {
		return fmt.Errorf("modified_at is required")
	}
	if t.Status != StatusDeleted && strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// SetDefaults fills in missing timestamps and status.
func (t *Task) SetDefaults(now time.Time) {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.ModifiedAt.IsZero() {
		t.ModifiedAt = now
	}
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.Due != nil {
		d := *t.Due
		c.Due = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	return c
}

// SameDay reports whether two optional timestamps fall on the same UTC day.
// Two nil values are the same day.
func SameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// TaskList is a named container of tasks in the task service.
type TaskList struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Updated time.Time `json:"updated"`
}

// TaskVersion is one source's copy of a logical task, fed to the conflict
// resolver. It is never persisted.
type TaskVersion struct {
	TaskID         string
	Source         Source
	ModifiedAt     time.Time
	Payload        Task
	SourcePriority int
}

// NewVersion wraps a task as a TaskVersion.
func NewVersion(t Task) TaskVersion {
	return TaskVersion{
		TaskID:         t.Key(),
		Source:         t.Source,
		ModifiedAt:     t.ModifiedAt,
		Payload:        t,
		SourcePriority: t.Source.Priority(),
	}
}

// RemoteDBConfig describes a shared remote database target.
type RemoteDBConfig struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Name         string     `json:"name"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}
