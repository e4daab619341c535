package gtasks

import (
	"time"

	"google.golang.org/api/tasks/v1"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// API status values.
const (
	statusNeedsAction = "needsAction"
	statusCompleted   = "completed"
)

// toTask converts an API task. The API has no creation time and no
// separate description; its notes field carries the description.
func toTask(t *tasks.Task, taskListID string) types.Task {
	out := types.Task{
		ID:          t.Id,
		Title:       t.Title,
		Description: t.Notes,
		ModifiedAt:  parseTime(t.Updated),
		TaskListID:  taskListID,
		Source:      types.SourceService,
	}

	switch {
	case t.Deleted:
		out.Status = types.StatusDeleted
	case t.Status == statusCompleted:
		out.Status = types.StatusCompleted
	default:
		out.Status = types.StatusPending
	}

	if due := parseTime(t.Due); !due.IsZero() {
		d := dueDate(due)
		out.Due = &d
	}
	if t.Completed != nil {
		if c := parseTime(*t.Completed); !c.IsZero() {
			out.CompletedAt = &c
		}
	}
	return out
}

// fromTask builds the request body for an insert or update.
func fromTask(t types.Task) *tasks.Task {
	out := &tasks.Task{
		Id:     t.ID,
		Title:  t.Title,
		Notes:  t.Description,
		Status: statusNeedsAction,
	}
	if t.Status == types.StatusCompleted {
		out.Status = statusCompleted
		if t.CompletedAt != nil {
			c := t.CompletedAt.UTC().Format(time.RFC3339)
			out.Completed = &c
		}
	}
	if t.Due != nil {
		// Only the date part is stored by the API
		out.Due = dueDate(*t.Due).Format(time.RFC3339)
	}
	return out
}

func dueDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
