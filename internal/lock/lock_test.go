package lock

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/mschirtzinger/tasksync/internal/types"
)

func TestTryLock_RejectsSecondRun(t *testing.T) {
	m := NewManager(t.TempDir())

	lease, err := m.TryLock("me@example.com")
	if err != nil {
		t.Fatalf("TryLock() failed: %v", err)
	}
	if _, err := m.TryLock("me@example.com"); !errors.Is(err, types.ErrAlreadySyncing) {
		t.Fatalf("expected ErrAlreadySyncing, got %v", err)
	}

	lease.Release()
	lease.Release()

	again, err := m.TryLock("me@example.com")
	if err != nil {
		t.Fatalf("lock must be free after release: %v", err)
	}
	again.Release()
}

func TestTryLock_AccountsAreIndependent(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.TryLock("a@example.com")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	b, err := m.TryLock("b@example.com")
	if err != nil {
		t.Fatalf("different accounts must not block each other: %v", err)
	}
	defer b.Release()

	if !m.Held("a@example.com") || !m.Held("b@example.com") {
		t.Error("both accounts must be held")
	}
}

func TestTryLock_AcrossManagers(t *testing.T) {
	dir := t.TempDir()
	first := NewManager(dir)
	second := NewManager(dir)

	lease, err := first.TryLock("me")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.TryLock("me"); !errors.Is(err, types.ErrAlreadySyncing) {
		t.Fatalf("expected the file lock to exclude another holder, got %v", err)
	}
	lease.Release()

	lease, err = second.TryLock("me")
	if err != nil {
		t.Fatalf("lock must be free after release: %v", err)
	}
	lease.Release()
}

func TestTryLock_Concurrent(t *testing.T) {
	m := NewManager("")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if lease, err := m.TryLock("me"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				_ = lease
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestLockPath_SanitizesAccount(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	lease, err := m.TryLock("../evil/account")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	if _, err := os.Stat(m.lockPath("../evil/account")); err != nil {
		t.Errorf("lock file must be created inside the lock dir: %v", err)
	}
	if got := m.lockPath("../evil/account"); got != dir+"/.._evil_account.lock" {
		t.Errorf("lockPath = %q", got)
	}
}

func TestTryLock_RequiresAccount(t *testing.T) {
	if _, err := NewManager("").TryLock(""); err == nil {
		t.Error("expected an error for an empty account")
	}
}
