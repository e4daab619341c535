package plan

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/dedup"
	"github.com/mschirtzinger/tasksync/internal/loader"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/types"
)

var (
	jan1 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	feb1 = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	mar1 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func quietPlanner(strategy resolve.Strategy) *Planner {
	return NewPlanner(strategy, "", log.New(io.Discard, "", 0))
}

func task(id, title string, modified time.Time) types.Task {
	return types.Task{ID: id, Title: title, Status: types.StatusPending, ModifiedAt: modified, CreatedAt: modified}
}

func linked(t types.Task, canonical, serviceID, list string) types.Task {
	t.CanonicalID = canonical
	t.ServiceID = serviceID
	t.TaskListID = list
	return t
}

func inList(t types.Task, list string) types.Task {
	t.TaskListID = list
	return t
}

func snap(src types.Source, tasks ...types.Task) *loader.Snapshot {
	out := make([]types.Task, len(tasks))
	for i, t := range tasks {
		t.Source = src
		out[i] = t
	}
	return &loader.Snapshot{Source: src, Tasks: out, Complete: true, FailedLists: map[string]bool{}}
}

// input dedups every snapshot the way the engine does and targets every
// source present.
func input(local, remote, service *loader.Snapshot) Input {
	in := Input{
		Snapshots:  make(map[types.Source]*loader.Snapshot),
		Deduped:    make(map[types.Source]dedup.Result),
		AllowPurge: true,
	}
	for _, s := range []*loader.Snapshot{local, remote, service} {
		if s == nil {
			continue
		}
		in.Snapshots[s.Source] = s
		in.Deduped[s.Source] = dedup.Deduplicate(s.Tasks)
		in.Destinations = append(in.Destinations, s.Source)
	}
	return in
}

func build(t *testing.T, in Input) *Plan {
	t.Helper()
	p, err := quietPlanner(nil).Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("plan does not validate: %v", err)
	}
	return p
}

type opSummary struct {
	Kind     OpKind
	ID       string
	TargetID string
	List     string
	Title    string
}

func summarize(d *DestinationPlan) []opSummary {
	if d == nil {
		return nil
	}
	var out []opSummary
	for _, op := range d.Operations {
		out = append(out, opSummary{Kind: op.Kind, ID: op.CanonicalID, TargetID: op.TargetID, List: op.TaskListID, Title: op.Task.Title})
	}
	return out
}

func TestBuild_FirstRunFromService(t *testing.T) {
	service := snap(types.SourceService,
		inList(task("s1", "one", jan1), "L1"),
		inList(task("s2", "two", jan1), "L1"),
		inList(task("s3", "three", jan1), "L1"),
		inList(task("s4", "four", jan1), "L2"),
		inList(task("s5", "five", jan1), "L2"),
	)
	p := build(t, input(snap(types.SourceLocal), snap(types.SourceRemote), service))

	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		d := p.For(dest)
		if got := d.Count(OpCreate); got != 5 || len(d.Operations) != 5 {
			t.Errorf("%s: expected 5 creates, got %+v", dest, summarize(d))
		}
		for _, op := range d.Operations {
			row := op.Task
			if row.ID != row.CanonicalID || row.ServiceID != row.ID {
				t.Errorf("%s: created row must use the service id as identity, got %+v", dest, row)
			}
			if row.TaskListID == "" {
				t.Errorf("%s: created row lost its task list", dest)
			}
		}
	}
	if !p.For(types.SourceService).Empty() {
		t.Errorf("service must be untouched, got %+v", summarize(p.For(types.SourceService)))
	}
}

func TestBuild_NewerServiceVersionWins(t *testing.T) {
	local := snap(types.SourceLocal, linked(task("l1", "Buy milk", jan1), "l1", "s1", "L1"))
	remote := snap(types.SourceRemote, linked(task("l1", "Buy milk", jan1), "l1", "s1", "L1"))
	service := snap(types.SourceService, inList(task("s1", "Buy oat milk", feb1), "L1"))

	p := build(t, input(local, remote, service))

	want := []opSummary{{Kind: OpUpdate, ID: "l1", TargetID: "l1", Title: "Buy oat milk"}}
	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		if diff := cmp.Diff(want, summarize(p.For(dest))); diff != "" {
			t.Errorf("%s plan mismatch (-want +got):\n%s", dest, diff)
		}
		if got := p.For(dest).Operations[0].Task.ModifiedAt; !got.Equal(feb1) {
			t.Errorf("%s: written row must carry the winner's modification time, got %v", dest, got)
		}
	}
	if !p.For(types.SourceService).Empty() {
		t.Errorf("service already holds the winner, got %+v", summarize(p.For(types.SourceService)))
	}
}

func TestBuild_NewerServiceVersionMatchedByContent(t *testing.T) {
	local := snap(types.SourceLocal, task("l1", "Buy milk", jan1))
	remote := snap(types.SourceRemote, task("l1", "Buy milk", jan1))
	service := snap(types.SourceService, inList(task("s1", "buy milk ", feb1), "L1"))

	p := build(t, input(local, remote, service))

	if p.Identities != 1 {
		t.Fatalf("expected the service task to match by fingerprint, got %d identities", p.Identities)
	}
	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		d := p.For(dest)
		if len(d.Operations) != 1 || d.Operations[0].Kind != OpUpdate {
			t.Fatalf("%s: expected one update, got %+v", dest, summarize(d))
		}
		row := d.Operations[0].Task
		if row.ServiceID != "s1" || row.CanonicalID != "l1" || !row.ModifiedAt.Equal(feb1) {
			t.Errorf("%s: unexpected row %+v", dest, row)
		}
	}
	if !p.For(types.SourceService).Empty() {
		t.Errorf("service must be a no-op, got %+v", summarize(p.For(types.SourceService)))
	}
}

func TestBuild_UnsyncedTaskIsCreatedNotDeleted(t *testing.T) {
	cases := []struct {
		name    string
		local   *loader.Snapshot
		remote  *loader.Snapshot
		service *loader.Snapshot
		missing []types.Source
	}{
		{
			name:    "only remote",
			local:   snap(types.SourceLocal, task("keep", "keep", jan1)),
			remote:  snap(types.SourceRemote, task("r1", "remote only", jan1)),
			service: snap(types.SourceService),
			missing: []types.Source{types.SourceLocal, types.SourceService},
		},
		{
			name:    "only local",
			local:   snap(types.SourceLocal, task("l1", "local only", jan1)),
			remote:  snap(types.SourceRemote),
			service: snap(types.SourceService),
			missing: []types.Source{types.SourceRemote, types.SourceService},
		},
		{
			name:    "only service",
			local:   snap(types.SourceLocal),
			remote:  snap(types.SourceRemote),
			service: snap(types.SourceService, inList(task("s1", "service only", jan1), "L1")),
			missing: []types.Source{types.SourceLocal, types.SourceRemote},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := build(t, input(tc.local, tc.remote, tc.service))
			if n := p.Count(OpDelete); n != 0 {
				t.Fatalf("absence must never produce deletes, got %d", n)
			}
			for _, dest := range tc.missing {
				if p.For(dest).Count(OpCreate) == 0 {
					t.Errorf("%s: expected the task to be recreated", dest)
				}
			}
		})
	}
}

func TestBuild_TombstonePropagatesAndPurges(t *testing.T) {
	gone := linked(task("x", "Call mom", feb1), "x", "s-x", "L1")
	gone.Status = types.StatusDeleted
	local := snap(types.SourceLocal, gone)
	remote := snap(types.SourceRemote, linked(task("x", "Call mom", jan1), "x", "s-x", "L1"))
	service := snap(types.SourceService, inList(task("s-x", "Call mom", jan1), "L1"))

	p := build(t, input(local, remote, service))

	rd := p.For(types.SourceRemote)
	if len(rd.Operations) != 1 || rd.Operations[0].Kind != OpDelete || rd.Operations[0].Hard {
		t.Fatalf("expected one tombstone delete in remote, got %+v", rd.Operations)
	}
	if !rd.Operations[0].Task.IsDeleted() {
		t.Error("remote delete must write a tombstone row")
	}
	sd := summarize(p.For(types.SourceService))
	if diff := cmp.Diff([]opSummary{{Kind: OpDelete, ID: "x", TargetID: "s-x", List: "L1", Title: "Call mom"}}, sd); diff != "" {
		t.Errorf("service plan mismatch (-want +got):\n%s", diff)
	}
	if !p.For(types.SourceLocal).Empty() {
		t.Errorf("local already holds the tombstone")
	}

	want := []Purge{{CanonicalID: "x", Rows: map[types.Source]string{types.SourceLocal: "x", types.SourceRemote: "x"}, AwaitService: true}}
	if diff := cmp.Diff(want, p.Purges); diff != "" {
		t.Errorf("purges mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_NoPurgeWithoutFullParticipation(t *testing.T) {
	gone := linked(task("x", "Call mom", feb1), "x", "s-x", "L1")
	gone.Status = types.StatusDeleted
	in := input(snap(types.SourceLocal, gone), nil, snap(types.SourceService))
	in.AllowPurge = false

	p := build(t, in)
	if len(p.Purges) != 0 {
		t.Errorf("expected no purges, got %+v", p.Purges)
	}
}

func TestBuild_DeletedWinnerNeverCreates(t *testing.T) {
	gone := task("x", "Call mom", feb1)
	gone.Status = types.StatusDeleted
	p := build(t, input(snap(types.SourceLocal, gone), snap(types.SourceRemote), snap(types.SourceService)))
	if p.Changes() != 0 {
		t.Errorf("a tombstone must not be created elsewhere, got %d operations", p.Changes())
	}
}

func TestBuild_WindowedServiceSnapshot(t *testing.T) {
	since := feb1
	windowed := func(tasks ...types.Task) *loader.Snapshot {
		s := snap(types.SourceService, tasks...)
		s.Complete = false
		s.Since = since
		return s
	}

	t.Run("unchanged outside window", func(t *testing.T) {
		row := linked(task("a", "old", jan1), "a", "s-a", "L1")
		p := build(t, input(snap(types.SourceLocal, row), snap(types.SourceRemote, row), windowed()))
		if p.Changes() != 0 {
			t.Errorf("expected no operations, got %+v", summarize(p.For(types.SourceService)))
		}
	})

	t.Run("changed locally inside window", func(t *testing.T) {
		row := linked(task("a", "renamed", mar1), "a", "s-a", "L1")
		p := build(t, input(snap(types.SourceLocal, row), nil, windowed()))
		want := []opSummary{{Kind: OpUpdate, ID: "a", TargetID: "s-a", List: "L1", Title: "renamed"}}
		if diff := cmp.Diff(want, summarize(p.For(types.SourceService))); diff != "" {
			t.Errorf("service plan mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("never pushed", func(t *testing.T) {
		p := build(t, input(snap(types.SourceLocal, inList(task("a", "new", jan1), "L1")), nil, windowed()))
		if p.For(types.SourceService).Count(OpCreate) != 1 {
			t.Errorf("expected a create, got %+v", summarize(p.For(types.SourceService)))
		}
	})
}

func TestBuild_FailedListIsSkipped(t *testing.T) {
	service := snap(types.SourceService)
	service.Complete = false
	service.FailedLists["L2"] = true

	local := snap(types.SourceLocal,
		inList(task("a", "in good list", jan1), "L1"),
		inList(task("b", "in failed list", jan1), "L2"),
	)
	p := build(t, input(local, nil, service))

	got := summarize(p.For(types.SourceService))
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only the L1 task to be pushed, got %+v", got)
	}
}

func TestBuild_RetiresDuplicates(t *testing.T) {
	local := snap(types.SourceLocal,
		task("d1", "Pay rent", jan1),
		task("d2", "pay  RENT", feb1),
	)
	p := build(t, input(local, snap(types.SourceRemote), snap(types.SourceService)))

	var deletes []Operation
	for _, op := range p.For(types.SourceLocal).Operations {
		if op.Kind == OpDelete {
			deletes = append(deletes, op)
		}
	}
	if len(deletes) != 1 || deletes[0].TargetID != "d1" || !deletes[0].Hard || deletes[0].Reason != ReasonDuplicate {
		t.Fatalf("expected a hard delete of d1, got %+v", deletes)
	}
	if p.For(types.SourceRemote).Count(OpCreate) != 1 || p.For(types.SourceService).Count(OpCreate) != 1 {
		t.Error("the survivor must be created once in every other destination")
	}
	if p.Retired != 1 {
		t.Errorf("Retired = %d", p.Retired)
	}
}

func TestBuild_DuplicateKeptWhenSurvivingElsewhere(t *testing.T) {
	local := snap(types.SourceLocal,
		linked(task("d1", "Pay rent", jan1), "d1", "", ""),
		linked(task("d2", "Pay rent", feb1), "d2", "", ""),
	)
	remote := snap(types.SourceRemote, linked(task("d1", "Pay rent", jan1), "d1", "", ""))

	p := build(t, input(local, remote, nil))
	if n := p.Count(OpDelete); n != 0 {
		t.Errorf("d1 survives in remote and must not be deleted, got %d deletes", n)
	}
	if p.Identities != 2 {
		t.Errorf("expected d1 and d2 to stay separate identities, got %d", p.Identities)
	}
}

func TestBuild_RetiredDuplicateHandsOverServiceLink(t *testing.T) {
	local := snap(types.SourceLocal,
		linked(task("d1", "Pay rent", jan1), "d1", "s1", "L1"),
		linked(task("d2", "Pay rent", feb1), "d2", "", "L1"),
	)
	service := snap(types.SourceService, inList(task("s1", "Pay rent", jan1), "L1"))

	p := build(t, input(local, nil, service))

	want := []opSummary{
		{Kind: OpDelete, ID: "d1", TargetID: "d1", Title: "Pay rent"},
		{Kind: OpUpdate, ID: "d2", TargetID: "d2", Title: "Pay rent"},
	}
	if diff := cmp.Diff(want, summarize(p.For(types.SourceLocal))); diff != "" {
		t.Errorf("local plan mismatch (-want +got):\n%s", diff)
	}
	if got := p.For(types.SourceLocal).Operations[1].Task.ServiceID; got != "s1" {
		t.Errorf("survivor must take over the service link, got %q", got)
	}
	if !p.For(types.SourceService).Empty() {
		t.Errorf("service copy must be kept, got %+v", summarize(p.For(types.SourceService)))
	}
}

func TestBuild_MatchesUnsyncedRowsByContent(t *testing.T) {
	local := snap(types.SourceLocal, task("a", "Review PR", jan1))
	remote := snap(types.SourceRemote, task("b", "review pr", feb1))

	p := build(t, input(local, remote, snap(types.SourceService)))
	if p.Identities != 1 {
		t.Fatalf("expected one identity, got %d", p.Identities)
	}
	if p.Count(OpCreate) != 1 || p.For(types.SourceService).Count(OpCreate) != 1 {
		t.Errorf("expected only the service create, got local=%+v remote=%+v",
			summarize(p.For(types.SourceLocal)), summarize(p.For(types.SourceRemote)))
	}
}

func TestBuild_StrictStrategyRefusesAmbiguity(t *testing.T) {
	local := snap(types.SourceLocal, linked(task("a", "one", jan1), "a", "", ""))
	remote := snap(types.SourceRemote, linked(task("a", "two", jan1), "a", "", ""))

	strict, err := resolve.ByName(resolve.Strict)
	if err != nil {
		t.Fatal(err)
	}
	_, err = quietPlanner(strict).Build(input(local, remote, nil))
	if !errors.Is(err, types.ErrConflictAmbiguous) {
		t.Errorf("expected ErrConflictAmbiguous, got %v", err)
	}
}

func TestBuild_OlderWinnerKeepsDestinationTime(t *testing.T) {
	local := linked(task("l1", "Buy milk", jan1), "l1", "s1", "L1")
	remote := linked(task("l1", "Buy bread", feb1), "l1", "s1", "L1")
	service := inList(task("s1", "Buy milk", jan1), "L1")

	preferLocal, err := resolve.ByName(resolve.PreferLocal)
	if err != nil {
		t.Fatal(err)
	}
	in := input(snap(types.SourceLocal, local), snap(types.SourceRemote, remote), snap(types.SourceService, service))
	p, err := quietPlanner(preferLocal).Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ops := p.For(types.SourceRemote).Operations
	if len(ops) != 1 || ops[0].Kind != OpUpdate {
		t.Fatalf("expected one remote update, got %+v", summarize(p.For(types.SourceRemote)))
	}
	row := ops[0].Task
	if row.Title != "Buy milk" || !row.ModifiedAt.Equal(feb1) {
		t.Errorf("remote row must carry the local content at the remote time, got %q at %v", row.Title, row.ModifiedAt)
	}

	in = input(snap(types.SourceLocal, local), snap(types.SourceRemote, row), snap(types.SourceService, service))
	again, err := quietPlanner(preferLocal).Build(in)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if n := again.Changes(); n != 0 {
		t.Errorf("second build planned %d changes", n)
	}
}

func TestValidate_DetectsConflictingOperations(t *testing.T) {
	p := New(types.SourceLocal)
	p.add(types.SourceLocal, Operation{Kind: OpCreate, CanonicalID: "a", Task: task("a", "a", jan1)})
	p.add(types.SourceLocal, Operation{Kind: OpDelete, CanonicalID: "a", TargetID: "a"})

	if err := p.Validate(); !errors.Is(err, types.ErrPlanInconsistent) {
		t.Errorf("expected ErrPlanInconsistent, got %v", err)
	}
}

func TestValidate_DetectsCreateAndDeleteAcrossDestinations(t *testing.T) {
	p := New(types.SourceLocal, types.SourceService)
	p.add(types.SourceLocal, Operation{Kind: OpCreate, CanonicalID: "x", Task: task("x", "x", jan1)})
	p.add(types.SourceService, Operation{Kind: OpDelete, CanonicalID: "x", TargetID: "s1", TaskListID: "L1"})

	err := p.Validate()
	if !errors.Is(err, types.ErrPlanInconsistent) {
		t.Fatalf("expected ErrPlanInconsistent, got %v", err)
	}
	if !strings.Contains(err.Error(), "x is created in local and deleted in service") {
		t.Errorf("unexpected message: %v", err)
	}

	ok := New(types.SourceLocal, types.SourceService)
	ok.add(types.SourceLocal, Operation{Kind: OpCreate, CanonicalID: "x", Task: task("x", "x", jan1)})
	ok.add(types.SourceService, Operation{Kind: OpDelete, CanonicalID: "y", TargetID: "s2", TaskListID: "L1"})
	if err := ok.Validate(); err != nil {
		t.Errorf("independent operations rejected: %v", err)
	}
}

func TestValidate_ServiceOperationNeedsList(t *testing.T) {
	p := New(types.SourceService)
	p.add(types.SourceService, Operation{Kind: OpCreate, CanonicalID: "a", Task: task("", "a", jan1)})
	if err := p.Validate(); !errors.Is(err, types.ErrPlanInconsistent) {
		t.Errorf("expected ErrPlanInconsistent, got %v", err)
	}
}

// world applies plans to in-memory sources the way the executor would.
type world struct {
	local, remote, service map[string]types.Task
	clock                  time.Time
	next                   int
}

func newWorld() *world {
	return &world{
		local:   map[string]types.Task{},
		remote:  map[string]types.Task{},
		service: map[string]types.Task{},
		clock:   mar1.AddDate(0, 1, 0),
	}
}

func sorted(m map[string]types.Task) []types.Task {
	out := make([]types.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *world) input() Input {
	return input(
		snap(types.SourceLocal, sorted(w.local)...),
		snap(types.SourceRemote, sorted(w.remote)...),
		snap(types.SourceService, sorted(w.service)...),
	)
}

func (w *world) stamp() time.Time {
	w.clock = w.clock.Add(time.Minute)
	return w.clock
}

func (w *world) serviceCopy(t types.Task, id string) types.Task {
	return types.Task{
		ID:          id,
		Title:       t.Title,
		Description: t.Description,
		Due:         t.Due,
		Status:      t.Status,
		CompletedAt: t.CompletedAt,
		TaskListID:  t.TaskListID,
		ModifiedAt:  w.stamp(),
		Source:      types.SourceService,
	}
}

func (w *world) apply(p *Plan) {
	for src, rows := range map[types.Source]map[string]types.Task{types.SourceLocal: w.local, types.SourceRemote: w.remote} {
		for _, op := range p.For(src).Operations {
			if op.Kind == OpDelete && op.Hard {
				delete(rows, op.TargetID)
				continue
			}
			rows[op.Task.ID] = op.Task
		}
	}

	links := map[string]string{}
	for _, op := range p.For(types.SourceService).Operations {
		switch op.Kind {
		case OpCreate:
			w.next++
			id := fmt.Sprintf("svc-%d", w.next)
			w.service[id] = w.serviceCopy(op.Task, id)
			links[op.CanonicalID] = id
		case OpUpdate:
			w.service[op.TargetID] = w.serviceCopy(op.Task, op.TargetID)
		case OpDelete:
			delete(w.service, op.TargetID)
		}
	}
	for _, rows := range []map[string]types.Task{w.local, w.remote} {
		for id, t := range rows {
			if sid, ok := links[t.Key()]; ok {
				t.ServiceID = sid
				rows[id] = t
			}
		}
	}

	for _, pg := range p.Purges {
		delete(w.local, pg.Rows[types.SourceLocal])
		delete(w.remote, pg.Rows[types.SourceRemote])
	}
}

func TestBuild_SecondRunIsEmpty(t *testing.T) {
	w := newWorld()

	gone := linked(task("x", "Call mom", mar1), "x", "s-x", "L1")
	gone.Status = types.StatusDeleted
	renamed := linked(task("y", "Gym at 7", mar1), "y", "s-y", "L1")
	renamed.Notes = "bring towel"

	for _, tk := range []types.Task{
		inList(task("a", "Write report", jan1), "L1"),
		task("d1", "Pay rent", jan1),
		task("d2", "Pay rent", feb1),
		gone,
		renamed,
	} {
		w.local[tk.ID] = tk
	}
	for _, tk := range []types.Task{
		task("r1", "Review PR", feb1),
		linked(task("x", "Call mom", jan1), "x", "s-x", "L1"),
		linked(task("y", "Gym", jan1), "y", "s-y", "L1"),
	} {
		w.remote[tk.ID] = tk
	}
	for _, tk := range []types.Task{
		inList(task("s-x", "Call mom", jan1), "L1"),
		inList(task("s-y", "Gym", jan1), "L1"),
		inList(task("s-z", "Dentist", feb1), "L2"),
	} {
		w.service[tk.ID] = tk
	}

	first := build(t, w.input())
	if first.Changes() == 0 {
		t.Fatal("first run must have work to do")
	}
	w.apply(first)

	second := build(t, w.input())
	if second.Changes() != 0 || len(second.Purges) != 0 {
		for _, src := range types.Sources {
			t.Logf("%s: %+v", src, summarize(second.For(src)))
		}
		t.Fatalf("second run must be a no-op, got %d operations and %d purges", second.Changes(), len(second.Purges))
	}

	if _, ok := w.local["x"]; ok {
		t.Error("tombstone x must have been purged")
	}
	if len(w.service) != 5 {
		t.Errorf("expected 5 service tasks (a, d2, r1, y, s-z), got %d", len(w.service))
	}
	if got := w.local["y"].Notes; got != "bring towel" {
		t.Errorf("local notes lost: %q", got)
	}
}
