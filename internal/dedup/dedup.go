// Package dedup collapses duplicate tasks inside a single source.
//
// Tasks are grouped by fingerprint. In a group with more than one member the
// survivor is the copy with the latest ModifiedAt, ties broken by the
// lexicographically smallest native id. Everyone else is reported as removed.
// Nothing is deleted here; the executor issues (and audits) the deletes.
package dedup

import (
	"sort"

	"github.com/mschirtzinger/tasksync/internal/signature"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// ReasonDuplicate is recorded on removals produced by Deduplicate.
const ReasonDuplicate = "duplicate"

// Removal is a task flagged as not eligible for the merge.
type Removal struct {
	Task        types.Task
	SurvivorID  string
	Fingerprint string
	Reason      string
}

// Result is the outcome of deduplicating one source.
type Result struct {
	Survivors []types.Task
	Removed   []Removal
}

// RemovedKeys returns the merge keys of the removed tasks.
func (r *Result) RemovedKeys() map[string]bool {
	keys := make(map[string]bool, len(r.Removed))
	for _, rm := range r.Removed {
		keys[rm.Task.Key()] = true
	}
	return keys
}

// Deduplicate splits tasks into survivors and removals. Tombstones are
// never grouped: each deleted task survives as-is. Survivors keep input
// order.
func Deduplicate(tasks []types.Task) Result {
	groups := make(map[string][]int)
	for i := range tasks {
		if tasks[i].IsDeleted() {
			continue
		}
		fp := signature.Fingerprint(tasks[i])
		groups[fp] = append(groups[fp], i)
	}

	removed := make(map[int]Removal)
	for fp, idx := range groups {
		if len(idx) < 2 {
			continue
		}
		winner := idx[0]
		for _, i := range idx[1:] {
			if better(tasks[i], tasks[winner]) {
				winner = i
			}
		}
		for _, i := range idx {
			if i == winner {
				continue
			}
			removed[i] = Removal{
				Task:        tasks[i],
				SurvivorID:  tasks[winner].ID,
				Fingerprint: fp,
				Reason:      ReasonDuplicate,
			}
		}
	}

	res := Result{Survivors: make([]types.Task, 0, len(tasks)-len(removed))}
	for i, t := range tasks {
		if rm, ok := removed[i]; ok {
			res.Removed = append(res.Removed, rm)
			continue
		}
		res.Survivors = append(res.Survivors, t)
	}
	sort.Slice(res.Removed, func(i, j int) bool {
		return res.Removed[i].Task.ID < res.Removed[j].Task.ID
	})
	return res
}

// better reports whether a should survive over b.
func better(a, b types.Task) bool {
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.After(b.ModifiedAt)
	}
	return a.ID < b.ID
}
