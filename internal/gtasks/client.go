// Package gtasks adapts the Google Tasks API to types.Service.
//
// Every call waits on a shared rate limiter before it is issued and every
// error is classified as transient or permanent so the retry policy of the
// caller can act on it.
package gtasks

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// Scope is the OAuth scope required by the client.
const Scope = tasks.TasksScope

// Defaults for Options.
const (
	DefaultRequestsPerSecond = 5
	DefaultBurst             = 5
	DefaultPageSize          = 100
)

// Options configures a Client.
type Options struct {
	// RequestsPerSecond caps the call rate. Zero means the default.
	RequestsPerSecond float64
	Burst             int
	PageSize          int64

	Logger *log.Logger
}

// Client is a types.Service backed by Google Tasks.
type Client struct {
	srv      *tasks.Service
	limiter  *rate.Limiter
	pageSize int64
	logger   *log.Logger

	mu      sync.Mutex
	aliases map[string]string // "@default" -> native list id
}

var (
	_ types.Service      = (*Client)(nil)
	_ types.ListResolver = (*Client)(nil)
)

// New creates a client that authenticates with httpClient, typically the
// client returned by auth.Client.
func New(ctx context.Context, httpClient *http.Client, opts Options, extra ...option.ClientOption) (*Client, error) {
	clientOpts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)
	srv, err := tasks.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks service: %w", err)
	}
	return NewFromService(srv, opts), nil
}

// NewFromService wraps an existing tasks.Service.
func NewFromService(srv *tasks.Service, opts Options) *Client {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[gtasks] ", log.LstdFlags)
	}
	return &Client{
		srv:      srv,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		pageSize: pageSize,
		logger:   logger,
		aliases:  make(map[string]string),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// ListTaskLists implements types.Service.
func (c *Client) ListTaskLists(ctx context.Context) ([]types.TaskList, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var out []types.TaskList
	call := c.srv.Tasklists.List().MaxResults(c.pageSize)
	err := call.Pages(ctx, func(page *tasks.TaskLists) error {
		for _, l := range page.Items {
			out = append(out, types.TaskList{ID: l.Id, Title: l.Title, Updated: parseTime(l.Updated)})
		}
		if page.NextPageToken != "" {
			return c.wait(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list task lists", err)
	}
	return out, nil
}

// SupportedFilters implements types.Service.
//
// The API combines date predicates with AND, so sending completedMin or
// dueMin next to updatedMin would hide tasks without a due date or an open
// status. Completing a task or moving its due date also bumps its update
// time, so updatedMin alone covers all three conditions in one request.
func (c *Client) SupportedFilters() types.FilterSupport {
	return types.FilterSupport{UpdatedMin: true}
}

// ListTasks implements types.Service. Deleted, hidden and completed tasks
// are always included.
func (c *Client) ListTasks(ctx context.Context, taskListID string, f types.Filter) ([]types.Task, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	call := c.srv.Tasks.List(taskListID).
		MaxResults(c.pageSize).
		ShowDeleted(true).
		ShowHidden(true).
		ShowCompleted(true)
	if f.UpdatedMin != nil {
		call = call.UpdatedMin(formatTime(*f.UpdatedMin))
	}
	if f.CompletedMin != nil {
		call = call.CompletedMin(formatTime(*f.CompletedMin))
	}
	if f.DueMin != nil {
		call = call.DueMin(formatTime(*f.DueMin))
	}

	var out []types.Task
	pages := 0
	err := call.Pages(ctx, func(page *tasks.Tasks) error {
		pages++
		for _, t := range page.Items {
			out = append(out, toTask(t, taskListID))
		}
		if page.NextPageToken != "" {
			return c.wait(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list tasks of "+taskListID, err)
	}
	if pages > 1 {
		c.logger.Printf("Read %d tasks of %s in %d pages", len(out), taskListID, pages)
	}
	return out, nil
}

// ResolveTaskList implements types.ListResolver. Aliases are looked up once
// and cached for the life of the client.
func (c *Client) ResolveTaskList(ctx context.Context, taskListID string) (string, error) {
	if !types.IsListAlias(taskListID) {
		return taskListID, nil
	}
	c.mu.Lock()
	id, ok := c.aliases[taskListID]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	l, err := c.srv.Tasklists.Get(taskListID).Context(ctx).Do()
	if err != nil {
		return "", classify("resolve task list "+taskListID, err)
	}
	c.mu.Lock()
	c.aliases[taskListID] = l.Id
	c.mu.Unlock()
	c.logger.Printf("Task list %s is %s (%s)", taskListID, l.Id, l.Title)
	return l.Id, nil
}

// CreateTask implements types.Service. The returned task carries the
// native list id even when taskListID is an alias.
func (c *Client) CreateTask(ctx context.Context, taskListID string, t types.Task) (types.Task, error) {
	taskListID, err := c.ResolveTaskList(ctx, taskListID)
	if err != nil {
		return types.Task{}, err
	}
	if err := c.wait(ctx); err != nil {
		return types.Task{}, err
	}
	body := fromTask(t)
	body.Id = ""
	created, err := c.srv.Tasks.Insert(taskListID, body).Context(ctx).Do()
	if err != nil {
		return types.Task{}, classify("create task", err)
	}
	return toTask(created, taskListID), nil
}

// UpdateTask implements types.Service.
func (c *Client) UpdateTask(ctx context.Context, taskListID string, t types.Task) (types.Task, error) {
	if t.ID == "" {
		return types.Task{}, types.Permanent(fmt.Errorf("update task: id is required"))
	}
	taskListID, err := c.ResolveTaskList(ctx, taskListID)
	if err != nil {
		return types.Task{}, err
	}
	if err := c.wait(ctx); err != nil {
		return types.Task{}, err
	}
	updated, err := c.srv.Tasks.Update(taskListID, t.ID, fromTask(t)).Context(ctx).Do()
	if err != nil {
		return types.Task{}, classify("update task "+t.ID, err)
	}
	return toTask(updated, taskListID), nil
}

// DeleteTask implements types.Service.
func (c *Client) DeleteTask(ctx context.Context, taskListID, taskID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.srv.Tasks.Delete(taskListID, taskID).Context(ctx).Do(); err != nil {
		return classify("delete task "+taskID, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
