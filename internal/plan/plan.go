// Package plan turns deduplicated snapshots into per-destination operations.
//
// A Plan is computed before any destination is touched. It holds one
// operation list per destination plus the tombstones that may be purged once
// every destination has confirmed the delete.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// OpKind is the kind of change applied to a destination.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Reasons attached to operations.
const (
	ReasonMissing   = "missing"
	ReasonChanged   = "changed"
	ReasonRestored  = "restored"
	ReasonDeleted   = "deleted"
	ReasonDuplicate = "duplicate"
)

// Operation is one change to one destination.
type Operation struct {
	Kind        OpKind `json:"operation" yaml:"operation"`
	CanonicalID string `json:"canonical_id" yaml:"canonical_id"`
	TargetID    string `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	TaskListID  string `json:"tasklist_id,omitempty" yaml:"tasklist_id,omitempty"`
	Reason      string `json:"reason" yaml:"reason"`

	// Hard deletes remove the row instead of writing a tombstone. They are
	// used for retired duplicates in relational stores.
	Hard bool `json:"hard,omitempty" yaml:"hard,omitempty"`

	Task types.Task `json:"task" yaml:"task"`
}

// DestinationPlan is the ordered operation list of one destination.
type DestinationPlan struct {
	Destination types.Source `json:"destination" yaml:"destination"`
	Operations  []Operation  `json:"operations" yaml:"operations"`
}

// Empty reports whether the destination phase can be skipped.
func (d *DestinationPlan) Empty() bool {
	return d == nil || len(d.Operations) == 0
}

// Count returns the number of operations of a kind.
func (d *DestinationPlan) Count(kind OpKind) int {
	if d == nil {
		return 0
	}
	n := 0
	for _, op := range d.Operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Purge is a tombstone that can be removed from the relational stores once
// the task service has confirmed the delete.
type Purge struct {
	CanonicalID string `json:"canonical_id" yaml:"canonical_id"`

	// Rows maps a relational source to the native id of its tombstone row.
	Rows map[types.Source]string `json:"rows" yaml:"rows"`

	// AwaitService is true when the plan also deletes the task at the
	// service; the purge must wait for that call to succeed.
	AwaitService bool `json:"await_service" yaml:"await_service"`
}

// Plan is the full set of operations of one run.
type Plan struct {
	Destinations map[types.Source]*DestinationPlan `json:"destinations" yaml:"destinations"`
	Purges       []Purge                           `json:"purges,omitempty" yaml:"purges,omitempty"`

	Identities int `json:"identities" yaml:"identities"`
	NoOps      int `json:"noops" yaml:"noops"`
	Retired    int `json:"retired" yaml:"retired"`
}

// New returns an empty plan for the given destinations.
func New(destinations ...types.Source) *Plan {
	p := &Plan{Destinations: make(map[types.Source]*DestinationPlan)}
	for _, d := range destinations {
		p.Destinations[d] = &DestinationPlan{Destination: d}
	}
	return p
}

// For returns the plan of a destination, or nil when it is out of scope.
func (p *Plan) For(dest types.Source) *DestinationPlan {
	return p.Destinations[dest]
}

// InScope reports whether a destination takes part in the plan.
func (p *Plan) InScope(dest types.Source) bool {
	_, ok := p.Destinations[dest]
	return ok
}

// Changes returns the total number of operations.
func (p *Plan) Changes() int {
	n := 0
	for _, d := range p.Destinations {
		n += len(d.Operations)
	}
	return n
}

// Count returns the number of operations of a kind across destinations.
func (p *Plan) Count(kind OpKind) int {
	n := 0
	for _, d := range p.Destinations {
		n += d.Count(kind)
	}
	return n
}

func (p *Plan) add(dest types.Source, op Operation) {
	d, ok := p.Destinations[dest]
	if !ok {
		return
	}
	d.Operations = append(d.Operations, op)
}

func (p *Plan) sortOperations() {
	for _, d := range p.Destinations {
		sort.SliceStable(d.Operations, func(i, j int) bool {
			a, b := d.Operations[i], d.Operations[j]
			if a.TaskListID != b.TaskListID {
				return a.TaskListID < b.TaskListID
			}
			if a.Kind != b.Kind {
				return kindOrder(a.Kind) < kindOrder(b.Kind)
			}
			return a.CanonicalID < b.CanonicalID
		})
	}
	sort.Slice(p.Purges, func(i, j int) bool { return p.Purges[i].CanonicalID < p.Purges[j].CanonicalID })
}

func kindOrder(k OpKind) int {
	switch k {
	case OpDelete:
		return 0
	case OpUpdate:
		return 1
	default:
		return 2
	}
}

// Validate checks the internal invariants of the plan. A violation is a
// defect in the planner and is reported as types.ErrPlanInconsistent.
func (p *Plan) Validate() error {
	var problems []string

	// canonical id -> destinations, across the whole plan
	created := make(map[string][]types.Source)
	deleted := make(map[string][]types.Source)
	for dest, d := range p.Destinations {
		if d.Destination != dest {
			problems = append(problems, fmt.Sprintf("destination %s holds plan for %s", dest, d.Destination))
		}
		seen := make(map[string]OpKind)
		for _, op := range d.Operations {
			if op.CanonicalID == "" {
				problems = append(problems, fmt.Sprintf("%s: %s operation without canonical id", dest, op.Kind))
				continue
			}
			if prev, ok := seen[op.CanonicalID]; ok {
				problems = append(problems, fmt.Sprintf("%s: %s both %s and %s", dest, op.CanonicalID, prev, op.Kind))
			}
			seen[op.CanonicalID] = op.Kind

			switch op.Kind {
			case OpCreate:
				created[op.CanonicalID] = append(created[op.CanonicalID], dest)
				if op.Task.IsDeleted() {
					problems = append(problems, fmt.Sprintf("%s: create of deleted task %s", dest, op.CanonicalID))
				}
			case OpUpdate, OpDelete:
				if op.Kind == OpDelete {
					deleted[op.CanonicalID] = append(deleted[op.CanonicalID], dest)
				}
				if op.TargetID == "" {
					problems = append(problems, fmt.Sprintf("%s: %s of %s without target id", dest, op.Kind, op.CanonicalID))
				}
			default:
				problems = append(problems, fmt.Sprintf("%s: unknown operation %q", dest, op.Kind))
			}
			if dest == types.SourceService && op.TaskListID == "" {
				problems = append(problems, fmt.Sprintf("service: %s of %s without task list", op.Kind, op.CanonicalID))
			}
		}
	}

	ids := make([]string, 0, len(created))
	for id := range created {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if dels, ok := deleted[id]; ok {
			problems = append(problems, fmt.Sprintf("%s is created in %s and deleted in %s", id, joinSources(created[id]), joinSources(dels)))
		}
	}

	for _, pg := range p.Purges {
		if len(created[pg.CanonicalID]) > 0 {
			problems = append(problems, fmt.Sprintf("%s is both created and purged", pg.CanonicalID))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", types.ErrPlanInconsistent, strings.Join(problems, "; "))
	}
	return nil
}

func joinSources(srcs []types.Source) string {
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = string(s)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
