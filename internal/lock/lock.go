// Package lock serializes sync runs per account.
//
// A Manager hands out at most one Lease per account. Inside a process this is
// a mutex-guarded set; across processes (the CLI and a running daemon) it is
// a non-blocking flock on <dir>/<account>.lock. A second request while a run
// is in flight fails with types.ErrAlreadySyncing instead of waiting.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// Manager owns the per-account locks of one process.
type Manager struct {
	dir string

	mu   sync.Mutex
	held map[string]bool
}

// NewManager creates a Manager whose lock files live in dir. An empty dir
// disables the cross-process lock.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, held: make(map[string]bool)}
}

// Lease is a held account lock. Release it exactly once.
type Lease struct {
	m       *Manager
	account string
	file    *os.File
	once    sync.Once
}

// Account returns the locked account.
func (l *Lease) Account() string {
	return l.account
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@+-]`)

// lockPath maps an account to its lock file.
func (m *Manager) lockPath(account string) string {
	return filepath.Join(m.dir, unsafeChars.ReplaceAllString(account, "_")+".lock")
}

// TryLock acquires the lock of account without blocking.
func (m *Manager) TryLock(account string) (*Lease, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[account] {
		return nil, fmt.Errorf("%w: %s", types.ErrAlreadySyncing, account)
	}

	lease := &Lease{m: m, account: account}
	if m.dir != "" {
		file, err := m.flock(account)
		if err != nil {
			return nil, err
		}
		lease.file = file
	}

	m.held[account] = true
	return lease, nil
}

func (m *Manager) flock(account string) (*os.File, error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := m.lockPath(account)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 - derived from data dir
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EWOULDBLOCK {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s (held by another process)", types.ErrAlreadySyncing, account)
	}
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// Record the holder for operators inspecting a stuck lock
	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())
	return file, nil
}

// Held reports whether this process holds the lock of account.
func (m *Manager) Held(account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[account]
}

// Release gives the lock back. Further calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.file != nil {
			_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
			_ = l.file.Close()
		}
		l.m.mu.Lock()
		delete(l.m.held, l.account)
		l.m.mu.Unlock()
	})
}
