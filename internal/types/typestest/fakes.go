// Package typestest provides in-memory implementations of the store and
// service interfaces for tests.
package typestest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// MemoryStore is an in-memory types.Store.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]types.Task
	watermarks map[string]time.Time

	// LoadErr, UpsertErr and DeleteErr are returned by the matching call
	// when set.
	LoadErr   error
	UpsertErr error
	DeleteErr error

	UpsertCalls int
	DeleteCalls int
}

// NewMemoryStore returns a store seeded with tasks.
func NewMemoryStore(tasks ...types.Task) *MemoryStore {
	s := &MemoryStore{
		tasks:      make(map[string]types.Task),
		watermarks: make(map[string]time.Time),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return s
}

// LoadAll implements types.Store.
func (s *MemoryStore) LoadAll(ctx context.Context) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	out := make([]types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertMany implements types.Store.
func (s *MemoryStore) UpsertMany(ctx context.Context, tasks []types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	for _, t := range tasks {
		// Like the SQL stores, an older write never replaces a newer row.
		if prev, ok := s.tasks[t.ID]; ok && t.ModifiedAt.Before(prev.ModifiedAt) {
			continue
		}
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

// DeleteMany implements types.Store.
func (s *MemoryStore) DeleteMany(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for _, id := range ids {
		delete(s.tasks, id)
	}
	return nil
}

// LinkService implements types.Store.
func (s *MemoryStore) LinkService(ctx context.Context, links map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	for id, t := range s.tasks {
		if sid, ok := links[t.Key()]; ok {
			t.ServiceID = sid
			s.tasks[id] = t
		}
	}
	return nil
}

// LastSyncedAt implements types.Store.
func (s *MemoryStore) LastSyncedAt(ctx context.Context, target string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[target], nil
}

// SetLastSyncedAt implements types.Store.
func (s *MemoryStore) SetLastSyncedAt(ctx context.Context, target string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[target] = t
	return nil
}

// Count implements types.Counter.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks), nil
}

// Get returns a copy of the row with the given id.
func (s *MemoryStore) Get(id string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t.Clone(), ok
}

// FakeService is an in-memory types.Service that counts calls.
type FakeService struct {
	mu     sync.Mutex
	lists  []types.TaskList
	tasks  map[string]map[string]types.Task // list id -> task id -> task
	nextID int

	// Now stamps the modification time of written tasks.
	Now func() time.Time

	// Support is returned by SupportedFilters.
	Support types.FilterSupport

	// Aliases maps list aliases such as "@default" to native list ids.
	// Writes addressed to an alias land in the native list, as they do at
	// the real service.
	Aliases map[string]string

	// ListErr fails ListTaskLists; ListTasksErr fails ListTasks per list.
	ListErr      error
	ListTasksErr map[string]error

	// FailWrites maps a task title (create) or id (update/delete) to a
	// sequence of errors returned by successive calls before succeeding.
	FailWrites map[string][]error

	ListTaskListsCalls int
	ListTasksCalls     int
	Filters            []types.Filter
	CreateCalls        int
	UpdateCalls        int
	DeleteCalls        int
}

// NewFakeService returns a service holding the given lists.
func NewFakeService(lists ...types.TaskList) *FakeService {
	f := &FakeService{
		lists:        lists,
		tasks:        make(map[string]map[string]types.Task),
		ListTasksErr: make(map[string]error),
		FailWrites:   make(map[string][]error),
		Aliases:      make(map[string]string),
		Support:      types.FilterSupport{CompletedMin: true, DueMin: true, UpdatedMin: true},
		Now:          time.Now,
	}
	for _, l := range lists {
		f.tasks[l.ID] = make(map[string]types.Task)
	}
	return f
}

// Seed stores tasks directly, bypassing call accounting.
func (f *FakeService) Seed(tasks ...types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		t.Source = types.SourceService
		if _, ok := f.tasks[t.TaskListID]; !ok {
			f.tasks[t.TaskListID] = make(map[string]types.Task)
			f.lists = append(f.lists, types.TaskList{ID: t.TaskListID, Title: t.TaskListID})
		}
		f.tasks[t.TaskListID][t.ID] = t.Clone()
	}
}

// All returns every stored task sorted by id.
func (f *FakeService) All() []types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Task
	for _, byID := range f.tasks {
		for _, t := range byID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResetCalls zeroes the call counters.
func (f *FakeService) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListTaskListsCalls, f.ListTasksCalls = 0, 0
	f.CreateCalls, f.UpdateCalls, f.DeleteCalls = 0, 0, 0
	f.Filters = nil
}

// ListTaskLists implements types.Service.
func (f *FakeService) ListTaskLists(ctx context.Context) ([]types.TaskList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListTaskListsCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := append([]types.TaskList(nil), f.lists...)
	return out, nil
}

// ListTasks implements types.Service. Predicates are applied as a union so a
// task matching any of them is returned.
func (f *FakeService) ListTasks(ctx context.Context, listID string, filter types.Filter) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListTasksCalls++
	f.Filters = append(f.Filters, filter)
	if err := f.ListTasksErr[listID]; err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range f.tasks[listID] {
		if !filter.IsZero() && !matches(t, filter) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matches(t types.Task, f types.Filter) bool {
	if f.UpdatedMin != nil && !t.ModifiedAt.Before(*f.UpdatedMin) {
		return true
	}
	if f.DueMin != nil && t.Due != nil && !t.Due.Before(*f.DueMin) {
		return true
	}
	if f.CompletedMin != nil && t.CompletedAt != nil && !t.CompletedAt.Before(*f.CompletedMin) {
		return true
	}
	return false
}

// SupportedFilters implements types.Service.
func (f *FakeService) SupportedFilters() types.FilterSupport {
	return f.Support
}

// ResolveTaskList implements types.ListResolver. Unknown aliases are
// returned unchanged.
func (f *FakeService) ResolveTaskList(ctx context.Context, listID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.native(listID), nil
}

func (f *FakeService) native(listID string) string {
	if id, ok := f.Aliases[listID]; ok {
		return id
	}
	return listID
}

func (f *FakeService) popFailure(key string) error {
	seq := f.FailWrites[key]
	if len(seq) == 0 {
		return nil
	}
	f.FailWrites[key] = seq[1:]
	return seq[0]
}

// CreateTask implements types.Service.
func (f *FakeService) CreateTask(ctx context.Context, listID string, t types.Task) (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listID = f.native(listID)
	f.CreateCalls++
	if err := f.popFailure(t.Title); err != nil {
		return types.Task{}, err
	}
	if _, ok := f.tasks[listID]; !ok {
		return types.Task{}, types.Permanent(fmt.Errorf("task list %s: %w", listID, types.ErrNotFound))
	}
	f.nextID++
	t = t.Clone()
	t.ID = fmt.Sprintf("svc-%d", f.nextID)
	t.CanonicalID = ""
	t.ServiceID = ""
	t.Notes = ""
	t.TaskListID = listID
	t.Source = types.SourceService
	t.SyncVersion = 0
	t.ModifiedAt = f.Now()
	f.tasks[listID][t.ID] = t
	return t.Clone(), nil
}

// UpdateTask implements types.Service.
func (f *FakeService) UpdateTask(ctx context.Context, listID string, t types.Task) (types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	listID = f.native(listID)
	f.UpdateCalls++
	if err := f.popFailure(t.ID); err != nil {
		return types.Task{}, err
	}
	if _, ok := f.tasks[listID][t.ID]; !ok {
		return types.Task{}, types.Permanent(fmt.Errorf("task %s: %w", t.ID, types.ErrNotFound))
	}
	t = t.Clone()
	t.CanonicalID = ""
	t.ServiceID = ""
	t.Notes = ""
	t.TaskListID = listID
	t.Source = types.SourceService
	t.SyncVersion = 0
	t.ModifiedAt = f.Now()
	f.tasks[listID][t.ID] = t
	return t.Clone(), nil
}

// DeleteTask implements types.Service.
func (f *FakeService) DeleteTask(ctx context.Context, listID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	listID = f.native(listID)
	f.DeleteCalls++
	if err := f.popFailure(taskID); err != nil {
		return err
	}
	delete(f.tasks[listID], taskID)
	return nil
}
