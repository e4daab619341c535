// Package audit keeps an append-only JSONL record of every deletion the
// engine performs.
//
// Each entry carries the full payload of the removed task and the reason for
// the removal. Entries are written before the destination call is made, so a
// deletion is recoverable from the log even if the call fails or the process
// dies halfway through a run. The log rotates by size through lumberjack;
// rotated files are never pruned.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// DefaultMaxSizeMB is the size at which the log file rotates.
const DefaultMaxSizeMB = 50

// Entry is one audited deletion.
type Entry struct {
	RunID       string       `json:"run_id"`
	Time        time.Time    `json:"time"`
	Account     string       `json:"account,omitempty"`
	Destination types.Source `json:"destination"`
	TaskID      string       `json:"task_id"`
	CanonicalID string       `json:"canonical_id"`
	TaskListID  string       `json:"tasklist_id,omitempty"`
	Reason      string       `json:"reason"`
	Hard        bool         `json:"hard,omitempty"`
	Task        types.Task   `json:"task"`
}

// Recorder is what the executor needs from an audit log.
type Recorder interface {
	Record(e Entry) error
}

// Log appends entries to a rotating JSONL file.
type Log struct {
	mu   sync.Mutex
	path string
	w    *lumberjack.Logger
}

// Open prepares the log at path. The file is created on first write.
func Open(path string, maxSizeMB int) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	return &Log{
		path: path,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 0, // keep every rotated file
			LocalTime:  false,
			Compress:   false,
		},
	}, nil
}

// Path returns the active log file.
func (l *Log) Path() string {
	return l.path
}

// Record appends e as a single JSON line.
func (l *Log) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// files returns the rotated backups (oldest first) followed by the active
// file. lumberjack names backups <name>-<timestamp><ext>.
func files(path string) ([]string, error) {
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(path, ext) + "-"
	backups, err := filepath.Glob(prefix + "*" + ext)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit backups: %w", err)
	}
	sort.Strings(backups)
	return append(backups, path), nil
}

// ReadAll returns every entry of the log at path, oldest first. A missing
// log is empty.
func ReadAll(path string) ([]Entry, error) {
	paths, err := files(path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, p := range paths {
		got, err := readFile(p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

func readFile(path string) ([]Entry, error) {
	// #nosec G304 - path comes from configuration
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("invalid audit entry at %s:%d: %w", filepath.Base(path), lineNum, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// Query narrows ReadAll results.
type Query struct {
	TaskID string // matches native or canonical id
	RunID  string
	Since  time.Time
}

// Filter returns the entries matching q, oldest first.
func Filter(entries []Entry, q Query) []Entry {
	var out []Entry
	for _, e := range entries {
		if q.TaskID != "" && e.TaskID != q.TaskID && e.CanonicalID != q.TaskID {
			continue
		}
		if q.RunID != "" && e.RunID != q.RunID {
			continue
		}
		if !q.Since.IsZero() && e.Time.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Replay re-inserts the payload of e into store as a live task so that the
// next run recreates it everywhere. The service link is cleared because the
// service copy is gone.
func Replay(ctx context.Context, store types.Store, e Entry, now time.Time) (types.Task, error) {
	t := e.Task.Clone()
	key := e.CanonicalID
	if key == "" {
		key = t.Key()
	}
	t.ID = key
	t.CanonicalID = key
	t.ServiceID = ""
	t.Source = types.SourceLocal
	t.ModifiedAt = now
	t.SyncVersion++
	if t.Status == types.StatusDeleted {
		t.Status = types.StatusPending
		t.CompletedAt = nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if strings.TrimSpace(t.Title) == "" {
		return types.Task{}, fmt.Errorf("audit entry for %s has no title to restore", key)
	}

	if err := store.UpsertMany(ctx, []types.Task{t}); err != nil {
		return types.Task{}, fmt.Errorf("failed to restore %s: %w", key, err)
	}
	if err := store.LinkService(ctx, map[string]string{key: ""}); err != nil {
		return types.Task{}, fmt.Errorf("failed to clear service link of %s: %w", key, err)
	}
	return t, nil
}
