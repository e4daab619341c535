package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/audit"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/plan"
	"github.com/mschirtzinger/tasksync/internal/retry"
	"github.com/mschirtzinger/tasksync/internal/types"
	"github.com/mschirtzinger/tasksync/internal/types/typestest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const account = "me@example.com"

type fixture struct {
	local   *typestest.MemoryStore
	remote  *typestest.MemoryStore
	service *typestest.FakeService
	locks   *lock.Manager
	events  []Event
	engine  *Engine
}

func newFixture(t *testing.T, withRemote, withService bool) *fixture {
	t.Helper()
	return newFixtureWithList(t, withRemote, withService, "L1")
}

func newFixtureWithList(t *testing.T, withRemote, withService bool, defaultList string) *fixture {
	t.Helper()
	f := &fixture{
		local: typestest.NewMemoryStore(),
		locks: lock.NewManager(""),
	}

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "deletions.jsonl"), 0)
	if err != nil {
		t.Fatalf("audit.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	cfg := Config{
		Local:           f.local,
		Audit:           auditLog,
		Locks:           f.locks,
		DefaultTaskList: defaultList,
		Policy:          &retry.Policy{MaxAttempts: 1},
		Notifier:        NotifierFunc(func(e Event) { f.events = append(f.events, e) }),
		Logger:          log.New(io.Discard, "", 0),
		Now:             func() time.Time { return now },
	}
	if withRemote {
		f.remote = typestest.NewMemoryStore()
		cfg.Remote = f.remote
	}
	if withService {
		f.service = typestest.NewFakeService(types.TaskList{ID: "L1", Title: "Inbox"}, types.TaskList{ID: "L2", Title: "Work"})
		f.service.Now = func() time.Time { return now }
		cfg.Service = f.service
	}

	f.engine, err = New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return f
}

func serviceTask(id, title, list string) types.Task {
	at := now.AddDate(0, 0, -1)
	return types.Task{ID: id, Title: title, Status: types.StatusPending, TaskListID: list, ModifiedAt: at, CreatedAt: at}
}

func localTask(id, title string) types.Task {
	at := now.AddDate(0, 0, -2)
	return types.Task{ID: id, CanonicalID: id, Title: title, Status: types.StatusPending, ModifiedAt: at, CreatedAt: at, Source: types.SourceLocal}
}

func (f *fixture) run(t *testing.T, opts RunOptions) *Result {
	t.Helper()
	if opts.Account == "" {
		opts.Account = account
	}
	res, err := f.engine.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return res
}

func TestRun_FirstRunPullsFromService(t *testing.T) {
	f := newFixture(t, true, true)
	f.service.Seed(
		serviceTask("s1", "Buy milk", "L1"),
		serviceTask("s2", "Call mom", "L1"),
		serviceTask("s3", "Pay rent", "L1"),
		serviceTask("s4", "Write report", "L2"),
		serviceTask("s5", "Review PR", "L2"),
	)

	res := f.run(t, RunOptions{})

	if res.Selection.State != Full {
		t.Errorf("expected a full run, got %s", res.Selection.State)
	}
	want := map[types.Source]int{types.SourceLocal: 5, types.SourceRemote: 5, types.SourceService: 0}
	if diff := cmp.Diff(want, res.Report.Created()); diff != "" {
		t.Errorf("Created() mismatch (-want +got):\n%s", diff)
	}
	if f.service.CreateCalls+f.service.UpdateCalls+f.service.DeleteCalls != 0 {
		t.Error("service must not be written on a pull")
	}
	if !res.Report.OK() {
		t.Errorf("report must be OK: %+v", res.Report)
	}

	row, ok := f.local.Get("s4")
	if !ok || row.ServiceID != "s4" || row.TaskListID != "L2" {
		t.Errorf("unexpected local row %+v", row)
	}
}

func TestRun_SecondRunIsEmpty(t *testing.T) {
	f := newFixture(t, true, true)
	f.service.Seed(serviceTask("s1", "Buy milk", "L1"), serviceTask("s2", "Pay rent", "L2"))
	if err := f.local.UpsertMany(context.Background(), []types.Task{localTask("l1", "Local only")}); err != nil {
		t.Fatal(err)
	}

	first := f.run(t, RunOptions{})
	if first.Plan.Changes() == 0 {
		t.Fatal("first run must change something")
	}

	f.service.ResetCalls()
	second := f.run(t, RunOptions{})

	if second.Selection.State != Incremental {
		t.Errorf("expected an incremental run, got %s", second.Selection.State)
	}
	if n := second.Plan.Changes(); n != 0 {
		t.Errorf("second run planned %d changes: %+v", n, second.Plan.Destinations)
	}
	if f.service.ListTasksCalls != 2 {
		t.Errorf("incremental load must issue one call per list, got %d", f.service.ListTasksCalls)
	}
	if f.service.CreateCalls+f.service.UpdateCalls+f.service.DeleteCalls != 0 {
		t.Error("second run must not write to the service")
	}
}

func TestRun_DefaultListAliasIsStable(t *testing.T) {
	f := newFixtureWithList(t, true, true, "@default")
	f.service.Aliases["@default"] = "L1"
	if err := f.local.UpsertMany(context.Background(), []types.Task{localTask("l1", "Local only")}); err != nil {
		t.Fatal(err)
	}

	first := f.run(t, RunOptions{})
	if got := first.Plan.For(types.SourceService).Count(plan.OpCreate); got != 1 {
		t.Fatalf("expected one service create, got %d", got)
	}
	for _, op := range first.Plan.For(types.SourceService).Operations {
		if op.TaskListID != "L1" {
			t.Errorf("service operation addressed to %q, want L1", op.TaskListID)
		}
	}
	for name, store := range map[string]*typestest.MemoryStore{"local": f.local, "remote": f.remote} {
		row, ok := store.Get("l1")
		if !ok {
			t.Fatalf("%s row l1 missing", name)
		}
		if row.TaskListID != "L1" {
			t.Errorf("%s row stores list %q, want L1", name, row.TaskListID)
		}
	}

	second := f.run(t, RunOptions{})
	if n := second.Plan.Changes(); n != 0 {
		for _, dest := range types.Sources {
			if dp := second.Plan.For(dest); dp != nil {
				for _, op := range dp.Operations {
					t.Logf("%s %s %s reason=%s list=%q", dest, op.Kind, op.CanonicalID, op.Reason, op.Task.TaskListID)
				}
			}
		}
		t.Errorf("second run planned %d changes, want 0", n)
	}
}

func TestRun_NewerServiceVersionWins(t *testing.T) {
	f := newFixture(t, true, true)
	local := localTask("l1", "Buy milk")
	local.ModifiedAt = now.AddDate(0, 0, -30)
	ctx := context.Background()
	if err := f.local.UpsertMany(ctx, []types.Task{local}); err != nil {
		t.Fatal(err)
	}
	if err := f.remote.UpsertMany(ctx, []types.Task{local}); err != nil {
		t.Fatal(err)
	}
	f.service.Seed(serviceTask("s1", "buy milk", "L1"))

	res := f.run(t, RunOptions{})

	for _, dest := range []types.Source{types.SourceLocal, types.SourceRemote} {
		if got := res.Plan.For(dest).Count(plan.OpUpdate); got != 1 {
			t.Errorf("%s: expected one update, got %d", dest, got)
		}
	}
	if got := len(res.Plan.For(types.SourceService).Operations); got != 0 {
		t.Errorf("service must be a no-op, got %d operations", got)
	}
	row, _ := f.local.Get("l1")
	if row.ServiceID != "s1" {
		t.Errorf("local row must be linked to s1, got %q", row.ServiceID)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f := newFixture(t, true, true)
	f.service.Seed(serviceTask("s1", "Buy milk", "L1"))
	if err := f.local.UpsertMany(context.Background(), []types.Task{localTask("l1", "Local only")}); err != nil {
		t.Fatal(err)
	}
	upserts := f.local.UpsertCalls

	res := f.run(t, RunOptions{DryRun: true})

	if res.Plan == nil || res.Plan.Changes() == 0 {
		t.Fatal("dry run must still produce the plan")
	}
	if !res.Report.DryRun {
		t.Error("report must be marked as dry run")
	}
	if f.local.UpsertCalls != upserts || f.remote.UpsertCalls != 0 || f.service.CreateCalls != 0 {
		t.Error("dry run must not write to any destination")
	}
	if at, _ := f.local.LastSyncedAt(context.Background(), WatermarkTarget(types.SourceService, account)); !at.IsZero() {
		t.Error("dry run must not advance watermarks")
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, false, true)
	lease, err := f.locks.TryLock(account)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	if _, err := f.engine.Run(context.Background(), RunOptions{Account: account}); !errors.Is(err, types.ErrAlreadySyncing) {
		t.Fatalf("expected ErrAlreadySyncing, got %v", err)
	}
	if f.service.ListTaskListsCalls != 0 {
		t.Error("a rejected run must not touch any source")
	}
}

func TestRun_ServiceUnavailable(t *testing.T) {
	t.Run("empty local store aborts", func(t *testing.T) {
		f := newFixture(t, false, true)
		f.service.ListErr = types.Transient(errors.New("connection refused"))

		res, err := f.engine.Run(context.Background(), RunOptions{Account: account})
		if !errors.Is(err, types.ErrSourceUnavailable) {
			t.Fatalf("expected ErrSourceUnavailable, got %v", err)
		}
		if res.Report.Error == "" || res.Plan != nil {
			t.Errorf("aborted run must report the error and carry no plan: %+v", res)
		}
	})

	t.Run("populated local store continues degraded", func(t *testing.T) {
		f := newFixture(t, true, true)
		f.service.ListErr = types.Transient(errors.New("connection refused"))
		if err := f.local.UpsertMany(context.Background(), []types.Task{localTask("l1", "Local only")}); err != nil {
			t.Fatal(err)
		}

		res := f.run(t, RunOptions{})

		if diff := cmp.Diff([]types.Source{types.SourceService}, res.Report.Degraded); diff != "" {
			t.Errorf("Degraded mismatch (-want +got):\n%s", diff)
		}
		if res.Report.Created()[types.SourceRemote] != 1 {
			t.Errorf("remote must still be synced: %+v", res.Report.Created())
		}
		if res.Plan.InScope(types.SourceService) {
			t.Error("degraded service must be out of scope")
		}
		var degraded bool
		for _, e := range f.events {
			if e.Type == EventSourceDegraded && e.Source == types.SourceService {
				degraded = true
			}
		}
		if !degraded {
			t.Error("expected a source_degraded event")
		}
	})
}

func TestRun_LocalUnavailableAborts(t *testing.T) {
	f := newFixture(t, false, true)
	f.local.LoadErr = types.Permanent(errors.New("database is locked"))

	_, err := f.engine.Run(context.Background(), RunOptions{Account: account})
	if !types.IsFatal(err) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
}

func TestRun_Direction(t *testing.T) {
	tests := []struct {
		name string
		opts RunOptions
		want []types.Source
	}{
		{"both ways", RunOptions{}, []types.Source{types.SourceLocal, types.SourceRemote, types.SourceService}},
		{"push only", RunOptions{PushOnly: true}, []types.Source{types.SourceRemote, types.SourceService}},
		{"pull only", RunOptions{PullOnly: true}, []types.Source{types.SourceLocal}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, true)
			if err := f.local.UpsertMany(context.Background(), []types.Task{localTask("l1", "Local only")}); err != nil {
				t.Fatal(err)
			}
			f.service.Seed(serviceTask("s1", "Service only", "L1"))

			res := f.run(t, tt.opts)

			var got []types.Source
			for _, src := range types.Sources {
				if res.Plan.InScope(src) {
					got = append(got, src)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("destinations mismatch (-want +got):\n%s", diff)
			}
			if _, ok := f.local.Get("s1"); ok == tt.opts.PushOnly {
				t.Errorf("local copy of s1 present = %v", ok)
			}
		})
	}

	t.Run("both flags", func(t *testing.T) {
		f := newFixture(t, false, true)
		if _, err := f.engine.Run(context.Background(), RunOptions{Account: account, PushOnly: true, PullOnly: true}); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestRun_EmitsEvents(t *testing.T) {
	f := newFixture(t, true, true)
	f.service.Seed(serviceTask("s1", "Buy milk", "L1"))

	res := f.run(t, RunOptions{})

	var got []string
	for _, e := range f.events {
		if e.RunID != res.Report.RunID {
			t.Errorf("event %s carries run id %q", e.Type, e.RunID)
		}
		name := string(e.Type)
		if e.Source != "" {
			name += ":" + string(e.Source)
		}
		got = append(got, name)
	}
	want := []string{
		"run_started",
		"phase_complete:local",
		"phase_complete:remote",
		"phase_complete:service",
		"run_complete",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_AdvancesWatermarks(t *testing.T) {
	f := newFixture(t, true, true)
	var stamped time.Time
	f.engine.cfg.RemoteSynced = func(ctx context.Context, at time.Time) error {
		stamped = at
		return nil
	}
	f.service.Seed(serviceTask("s1", "Buy milk", "L1"))

	f.run(t, RunOptions{})

	st, err := f.engine.Status(context.Background(), account)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.State != Incremental || st.Tasks != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	for _, dest := range types.Sources {
		if !st.Watermarks[dest].Equal(now) {
			t.Errorf("%s watermark = %v, want %v", dest, st.Watermarks[dest], now)
		}
	}
	if !stamped.Equal(now) {
		t.Errorf("remote stamp = %v", stamped)
	}
}

func TestRun_FailedListHoldsServiceWatermark(t *testing.T) {
	f := newFixture(t, false, true)
	f.service.Seed(serviceTask("s1", "Buy milk", "L1"), serviceTask("s2", "Write report", "L2"))
	f.service.ListTasksErr["L2"] = types.Permanent(errors.New("forbidden"))

	res := f.run(t, RunOptions{})

	sr := res.Report.For(types.SourceService)
	if len(sr.Failed) != 1 || sr.Failed[0].Op != OpLoad {
		t.Fatalf("expected one load failure, got %+v", sr.Failed)
	}
	if sr.Synced || res.Report.OK() {
		t.Error("a partial service load must not count as synced")
	}

	st, err := f.engine.Status(context.Background(), account)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if !st.Watermarks[types.SourceService].IsZero() {
		t.Errorf("service watermark advanced to %v", st.Watermarks[types.SourceService])
	}
	if !st.Watermarks[types.SourceLocal].Equal(now) {
		t.Errorf("local watermark = %v, want %v", st.Watermarks[types.SourceLocal], now)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error without a local store")
	}
	if _, err := New(Config{Local: typestest.NewMemoryStore()}); err == nil {
		t.Error("expected an error without an audit log")
	}
}
