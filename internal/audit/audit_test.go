package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/types"
	"github.com/mschirtzinger/tasksync/internal/types/typestest"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit", "deletions.jsonl"), 0)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func entry(run, id string, at time.Time) Entry {
	return Entry{
		RunID:       run,
		Time:        at,
		Destination: types.SourceService,
		TaskID:      "svc-" + id,
		CanonicalID: id,
		TaskListID:  "L1",
		Reason:      "deleted",
		Task: types.Task{
			ID:         "svc-" + id,
			Title:      "Task " + id,
			Notes:      "keep me",
			Status:     types.StatusDeleted,
			ModifiedAt: at,
			TaskListID: "L1",
		},
	}
}

func TestRecordAndReadAll(t *testing.T) {
	l := testLog(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	want := []Entry{entry("run-1", "a", at), entry("run-1", "b", at.Add(time.Second))}
	for _, e := range want {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	got, err := ReadAll(l.Path())
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadAll() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordStampsTime(t *testing.T) {
	l := testLog(t)
	e := entry("run-1", "a", time.Time{})
	e.Time = time.Time{}
	if err := l.Record(e); err != nil {
		t.Fatal(err)
	}
	got, err := ReadAll(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Time.IsZero() {
		t.Errorf("entry time must be stamped, got %+v", got)
	}
}

func TestReadAll_MissingLogIsEmpty(t *testing.T) {
	got, err := ReadAll(filepath.Join(t.TempDir(), "nothing.jsonl"))
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestReadAll_IncludesRotatedBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deletions.jsonl")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	old, err := Open(filepath.Join(dir, "deletions-2024-04-01T00-00-00.000.jsonl"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := old.Record(entry("run-0", "old", at.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	_ = old.Close()

	cur, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()
	if err := cur.Record(entry("run-1", "new", at)); err != nil {
		t.Fatal(err)
	}

	got, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].CanonicalID != "old" || got[1].CanonicalID != "new" {
		t.Errorf("expected backup entries first, got %+v", got)
	}
}

func TestReadAll_RejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletions.jsonl")
	if err := os.WriteFile(path, []byte("{\"run_id\":\"x\"}\nnot json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadAll(path); err == nil {
		t.Error("expected an error for a corrupt line")
	}
}

func TestFilter(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{entry("run-1", "a", at), entry("run-2", "b", at.Add(time.Hour)), entry("run-2", "a", at.Add(2*time.Hour))}

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"all", Query{}, 3},
		{"by canonical id", Query{TaskID: "a"}, 2},
		{"by native id", Query{TaskID: "svc-b"}, 1},
		{"by run", Query{RunID: "run-2"}, 2},
		{"since", Query{Since: at.Add(30 * time.Minute)}, 2},
		{"combined", Query{TaskID: "a", RunID: "run-2"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filter(entries, tt.q); len(got) != tt.want {
				t.Errorf("Filter() returned %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReplay(t *testing.T) {
	store := typestest.NewMemoryStore()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	e := entry("run-1", "a", now.AddDate(0, 0, -1))
	e.Task.ServiceID = "svc-a"

	restored, err := Replay(context.Background(), store, e, now)
	if err != nil {
		t.Fatalf("Replay() failed: %v", err)
	}

	row, ok := store.Get("a")
	if !ok {
		t.Fatal("task was not restored under its canonical id")
	}
	if row.Status != types.StatusPending || row.IsDeleted() {
		t.Errorf("restored task must be live, got %s", row.Status)
	}
	if row.ServiceID != "" {
		t.Errorf("service link must be cleared, got %q", row.ServiceID)
	}
	if !row.ModifiedAt.Equal(now) || row.Notes != "keep me" || row.TaskListID != "L1" {
		t.Errorf("unexpected restored row %+v", row)
	}
	if restored.ID != "a" {
		t.Errorf("returned task id = %q", restored.ID)
	}
}

func TestReplay_RequiresTitle(t *testing.T) {
	e := entry("run-1", "a", time.Now())
	e.Task.Title = ""
	if _, err := Replay(context.Background(), typestest.NewMemoryStore(), e, time.Now()); err == nil {
		t.Error("expected an error for an entry without title")
	}
}
