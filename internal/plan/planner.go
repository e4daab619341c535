package plan

import (
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mschirtzinger/tasksync/internal/dedup"
	"github.com/mschirtzinger/tasksync/internal/loader"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/signature"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// DefaultTaskList is the service list used for new tasks that carry none.
const DefaultTaskList = "@default"

// Input is everything the planner looks at.
type Input struct {
	// Snapshots holds one snapshot per participating source. Missing
	// sources (degraded or not configured) contribute no versions.
	Snapshots map[types.Source]*loader.Snapshot

	// Deduped holds the dedup result per source. When a source has a
	// snapshot but no entry here, all of its tasks are survivors.
	Deduped map[types.Source]dedup.Result

	// Destinations are the sources that receive operations.
	Destinations []types.Source

	// AllowPurge permits removing tombstones. Only set it when every
	// configured source takes part in the run.
	AllowPurge bool

	// DefaultTaskList overrides the planner's default list for this build,
	// typically with the native id an alias resolved to.
	DefaultTaskList string
}

// Planner computes plans.
type Planner struct {
	Strategy        resolve.Strategy
	DefaultTaskList string
	logger          *log.Logger
}

// NewPlanner creates a Planner. A nil strategy means newest_wins.
func NewPlanner(strategy resolve.Strategy, defaultList string, logger *log.Logger) *Planner {
	if strategy == nil {
		strategy = resolve.Default()
	}
	if defaultList == "" {
		defaultList = DefaultTaskList
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[plan] ", log.LstdFlags)
	}
	return &Planner{Strategy: strategy, DefaultTaskList: defaultList, logger: logger}
}

// identity is every copy of one logical task.
type identity struct {
	key       string
	copies    map[types.Source]types.Task
	serviceID string
}

func (id *identity) relational() []types.Task {
	var out []types.Task
	for _, src := range []types.Source{types.SourceLocal, types.SourceRemote} {
		if t, ok := id.copies[src]; ok {
			out = append(out, t)
		}
	}
	return out
}

// unlinked reports whether the identity has never been merged with any
// other copy: a single relational row without canonical or service id.
func (id *identity) unlinked() bool {
	if len(id.copies) != 1 || id.serviceID != "" {
		return false
	}
	for src, t := range id.copies {
		if !src.IsRelational() || t.CanonicalID != "" || t.IsDeleted() {
			return false
		}
	}
	return true
}

type index struct {
	byKey     map[string]*identity
	byService map[string]string // service native id -> key
	logger    *log.Logger
}

func newIndex(logger *log.Logger) *index {
	return &index{
		byKey:     make(map[string]*identity),
		byService: make(map[string]string),
		logger:    logger,
	}
}

func (x *index) get(key string) *identity {
	id, ok := x.byKey[key]
	if !ok {
		id = &identity{key: key, copies: make(map[types.Source]types.Task)}
		x.byKey[key] = id
	}
	return id
}

func (x *index) keys() []string {
	keys := make([]string, 0, len(x.byKey))
	for k := range x.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (x *index) link(id *identity, serviceID string) {
	if serviceID == "" {
		return
	}
	if owner, ok := x.byService[serviceID]; ok && owner != id.key {
		x.logger.Printf("WARNING: service task %s linked to both %s and %s, keeping %s", serviceID, owner, id.key, owner)
		return
	}
	if id.serviceID == "" {
		id.serviceID = serviceID
	}
	x.byService[serviceID] = id.key
}

func (x *index) addRelational(src types.Source, t types.Task) {
	id := x.get(t.Key())
	if prev, ok := id.copies[src]; ok {
		keep, drop := prev, t
		if t.ModifiedAt.After(prev.ModifiedAt) || (t.ModifiedAt.Equal(prev.ModifiedAt) && t.ID < prev.ID) {
			keep, drop = t, prev
		}
		x.logger.Printf("WARNING: %s rows %s and %s share identity %s, ignoring %s", src, prev.ID, t.ID, id.key, drop.ID)
		id.copies[src] = keep
	} else {
		id.copies[src] = t
	}
	x.link(id, t.ServiceID)
}

// matchRelational pairs never-synced local and remote rows that have the
// same content but different native ids.
func (x *index) matchRelational() {
	localByFP := make(map[string][]string)
	var remoteOnly []string
	for _, key := range x.keys() {
		id := x.byKey[key]
		if !id.unlinked() {
			continue
		}
		if t, ok := id.copies[types.SourceLocal]; ok {
			fp := signature.Fingerprint(t)
			localByFP[fp] = append(localByFP[fp], key)
		} else {
			remoteOnly = append(remoteOnly, key)
		}
	}

	for _, key := range remoteOnly {
		remote := x.byKey[key].copies[types.SourceRemote]
		fp := signature.Fingerprint(remote)
		candidates := localByFP[fp]
		if len(candidates) == 0 {
			continue
		}
		target := x.byKey[candidates[0]]
		localByFP[fp] = candidates[1:]
		target.copies[types.SourceRemote] = remote
		delete(x.byKey, key)
	}
}

// serviceCandidates indexes identities that could still claim an unlinked
// service task by fingerprint.
func (x *index) serviceCandidates() map[string][]string {
	byFP := make(map[string][]string)
	for _, key := range x.keys() {
		id := x.byKey[key]
		if id.serviceID != "" {
			continue
		}
		if _, ok := id.copies[types.SourceService]; ok {
			continue
		}
		rel := newest(id.relational())
		if rel == nil || rel.IsDeleted() {
			continue
		}
		fp := signature.Fingerprint(*rel)
		byFP[fp] = append(byFP[fp], key)
	}
	return byFP
}

func (x *index) addService(t types.Task, candidates map[string][]string) {
	if key, ok := x.byService[t.ID]; ok {
		x.byKey[key].copies[types.SourceService] = t
		return
	}

	if !t.IsDeleted() {
		fp := signature.Fingerprint(t)
		for len(candidates[fp]) > 0 {
			key := candidates[fp][0]
			candidates[fp] = candidates[fp][1:]
			id := x.byKey[key]
			if id.serviceID != "" {
				continue
			}
			id.copies[types.SourceService] = t
			x.link(id, t.ID)
			return
		}
	}

	id := x.get(t.ID)
	if _, taken := id.copies[types.SourceService]; taken || (id.serviceID != "" && id.serviceID != t.ID) {
		x.logger.Printf("WARNING: service task %s collides with identity %s, skipping", t.ID, id.key)
		return
	}
	id.copies[types.SourceService] = t
	x.link(id, t.ID)
}

// serviceKey maps a service task to its identity key.
func (x *index) serviceKey(t types.Task) string {
	if key, ok := x.byService[t.ID]; ok {
		return key
	}
	return t.ID
}

func newest(tasks []types.Task) *types.Task {
	var best *types.Task
	for i := range tasks {
		if best == nil || tasks[i].ModifiedAt.After(best.ModifiedAt) {
			best = &tasks[i]
		}
	}
	return best
}

func survivors(in Input, src types.Source) []types.Task {
	if res, ok := in.Deduped[src]; ok {
		return res.Survivors
	}
	if snap := in.Snapshots[src]; snap != nil {
		return snap.Tasks
	}
	return nil
}

// Build computes the plan. It fails only when the resolution strategy
// refuses to pick a winner.
func (p *Planner) Build(in Input) (*Plan, error) {
	if in.DefaultTaskList != "" && in.DefaultTaskList != p.DefaultTaskList {
		bp := *p
		bp.DefaultTaskList = in.DefaultTaskList
		p = &bp
	}

	var dests []types.Source
	for _, d := range in.Destinations {
		if in.Snapshots[d] != nil {
			dests = append(dests, d)
		}
	}
	plan := New(dests...)

	x := newIndex(p.logger)
	for _, src := range []types.Source{types.SourceLocal, types.SourceRemote} {
		for _, t := range survivors(in, src) {
			x.addRelational(src, t)
		}
	}
	x.matchRelational()
	candidates := x.serviceCandidates()
	for _, t := range survivors(in, types.SourceService) {
		x.addService(t, candidates)
	}

	p.retire(plan, x, in)

	for _, key := range x.keys() {
		id := x.byKey[key]
		if err := p.merge(plan, id, in); err != nil {
			return nil, err
		}
	}
	plan.Identities = len(x.byKey)
	plan.sortOperations()

	p.logger.Printf("Planned %d operations over %d identities (%d no-ops, %d retired duplicates, %d purges)",
		plan.Changes(), plan.Identities, plan.NoOps, plan.Retired, len(plan.Purges))
	return plan, nil
}

// retire handles dedup removals. A removed copy whose identity still
// survives somewhere is put back as that source's copy; an identity with no
// survivor anywhere is deleted from every source holding it.
func (p *Planner) retire(plan *Plan, x *index, in Input) {
	retired := make(map[string]map[types.Source]types.Task)

	for _, src := range types.Sources {
		res, ok := in.Deduped[src]
		if !ok {
			continue
		}
		for _, rm := range res.Removed {
			key := rm.Task.Key()
			if src == types.SourceService {
				key = x.serviceKey(rm.Task)
			}
			if id, ok := x.byKey[key]; ok {
				if _, held := id.copies[src]; !held {
					p.logger.Printf("Keeping %s duplicate %s: identity %s survives elsewhere", src, rm.Task.ID, key)
					id.copies[src] = rm.Task
					if src == types.SourceService {
						x.link(id, rm.Task.ID)
					} else {
						x.link(id, rm.Task.ServiceID)
					}
				}
				continue
			}
			if retired[key] == nil {
				retired[key] = make(map[types.Source]types.Task)
			}
			retired[key][src] = rm.Task
		}
	}

	keys := make([]string, 0, len(retired))
	for k := range retired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		plan.Retired++
		for _, src := range types.Sources {
			t, ok := retired[key][src]
			if !ok || !plan.InScope(src) {
				continue
			}
			if src == types.SourceService && in.Snapshots[src].FailedLists[t.TaskListID] {
				continue
			}
			plan.add(src, Operation{
				Kind:        OpDelete,
				CanonicalID: key,
				TargetID:    t.ID,
				TaskListID:  serviceList(src, t.TaskListID),
				Reason:      ReasonDuplicate,
				Hard:        src.IsRelational(),
				Task:        t.Clone(),
			})
		}
	}
}

func serviceList(dest types.Source, list string) string {
	if dest == types.SourceService {
		return list
	}
	return ""
}

func (p *Planner) merge(plan *Plan, id *identity, in Input) error {
	versions := make([]types.TaskVersion, 0, len(id.copies))
	for _, src := range types.Sources {
		if t, ok := id.copies[src]; ok {
			t.Source = src
			v := types.NewVersion(t)
			v.TaskID = id.key
			versions = append(versions, v)
		}
	}
	winner, err := p.Strategy.Resolve(versions)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", id.key, err)
	}

	desired := p.desired(id, winner, versions)

	awaitService := false
	for _, dest := range types.Sources {
		if !plan.InScope(dest) {
			continue
		}
		op, ok := p.diff(id, dest, desired, winner.Source, in.Snapshots[dest])
		if !ok {
			plan.NoOps++
			continue
		}
		if dest == types.SourceService && op.Kind == OpDelete {
			awaitService = true
		}
		plan.add(dest, op)
	}

	if in.AllowPurge && desired.IsDeleted() && p.purgeable(id, in) {
		pg := Purge{CanonicalID: id.key, Rows: make(map[types.Source]string), AwaitService: awaitService}
		for src, t := range id.copies {
			if src.IsRelational() {
				pg.Rows[src] = t.ID
			}
		}
		if len(pg.Rows) > 0 {
			plan.Purges = append(plan.Purges, pg)
		}
	}
	return nil
}

// purgeable reports whether no destination skipped this identity.
func (p *Planner) purgeable(id *identity, in Input) bool {
	snap := in.Snapshots[types.SourceService]
	if snap == nil {
		return false
	}
	list := p.listFor(id, types.Task{})
	return !snap.FailedLists[list]
}

// desired builds the payload every destination should converge to.
func (p *Planner) desired(id *identity, winner types.TaskVersion, versions []types.TaskVersion) types.Task {
	d := winner.Payload.Clone()
	d.Source = winner.Source
	d.CanonicalID = id.key
	d.ServiceID = id.serviceID

	rel := newest(id.relational())
	if winner.Source == types.SourceService && rel != nil {
		// Notes and creation time are not carried by the service.
		d.Notes = rel.Notes
		if !rel.CreatedAt.IsZero() && (d.CreatedAt.IsZero() || rel.CreatedAt.Before(d.CreatedAt)) {
			d.CreatedAt = rel.CreatedAt
		}
	}
	if d.TaskListID == "" || types.IsListAlias(d.TaskListID) {
		d.TaskListID = p.listFor(id, types.Task{})
	}

	var maxVersion int64
	for _, v := range versions {
		if v.Payload.SyncVersion > maxVersion {
			maxVersion = v.Payload.SyncVersion
		}
	}
	d.SyncVersion = maxVersion + 1
	return d
}

// listFor picks the service task list of an identity.
func (p *Planner) listFor(id *identity, desired types.Task) string {
	if t, ok := id.copies[types.SourceService]; ok && t.TaskListID != "" {
		return t.TaskListID
	}
	if desired.TaskListID != "" {
		return desired.TaskListID
	}
	for _, t := range id.relational() {
		if t.TaskListID != "" && !types.IsListAlias(t.TaskListID) {
			return t.TaskListID
		}
	}
	return p.DefaultTaskList
}

// diff returns the operation that brings dest to desired, or false when
// dest already matches.
func (p *Planner) diff(id *identity, dest types.Source, desired types.Task, winnerSrc types.Source, snap *loader.Snapshot) (Operation, bool) {
	cur, has := id.copies[dest]

	op := Operation{CanonicalID: id.key}
	if dest == types.SourceService {
		op.TaskListID = p.listFor(id, desired)
		if snap.FailedLists[op.TaskListID] {
			return Operation{}, false
		}
	}

	if desired.IsDeleted() {
		switch {
		case has && !cur.IsDeleted():
			op.Kind, op.Reason, op.TargetID = OpDelete, ReasonDeleted, cur.ID
		case !has && dest == types.SourceService && id.serviceID != "" && !snap.Complete:
			// Outside the window the service copy may still be live.
			op.Kind, op.Reason, op.TargetID = OpDelete, ReasonDeleted, id.serviceID
		default:
			return Operation{}, false
		}
		op.Task = landable(p.row(dest, id, desired, op.TargetID), dest, cur, has)
		return op, true
	}

	switch {
	case !has && dest == types.SourceService && id.serviceID != "" && !snap.Complete:
		// Linked but outside the window: the service copy is unchanged
		// since the window start.
		if winnerSrc == types.SourceService || desired.ModifiedAt.Before(snap.Since) {
			return Operation{}, false
		}
		op.Kind, op.Reason, op.TargetID = OpUpdate, ReasonChanged, id.serviceID
	case !has:
		op.Kind, op.Reason = OpCreate, ReasonMissing
	case cur.IsDeleted():
		op.Kind, op.Reason, op.TargetID = OpUpdate, ReasonRestored, cur.ID
	case !Equal(dest, cur, desired):
		op.Kind, op.Reason, op.TargetID = OpUpdate, ReasonChanged, cur.ID
	default:
		return Operation{}, false
	}
	op.Task = landable(p.row(dest, id, desired, op.TargetID), dest, cur, has)
	return op, true
}

// landable lifts the modification time of a relational row to that of the
// copy it replaces. Stores ignore writes older than the stored row.
func landable(row types.Task, dest types.Source, cur types.Task, has bool) types.Task {
	if has && dest.IsRelational() && cur.ModifiedAt.After(row.ModifiedAt) {
		row.ModifiedAt = cur.ModifiedAt
	}
	return row
}

// row shapes the payload written to dest. Relational creates use the
// canonical id as native id; updates keep the destination's native id.
func (p *Planner) row(dest types.Source, id *identity, desired types.Task, target string) types.Task {
	t := desired.Clone()
	switch {
	case dest == types.SourceService:
		t.ID = target
		t.TaskListID = p.listFor(id, desired)
	case target != "":
		t.ID = target
	default:
		t.ID = id.key
	}
	return t
}

// Equal reports whether cur already holds the content of desired as far as
// dest can represent it. Bookkeeping fields (modification time, source,
// sync version) never count.
func Equal(dest types.Source, cur, desired types.Task) bool {
	if cur.Title != desired.Title || cur.Description != desired.Description || cur.Status != desired.Status {
		return false
	}
	if !types.SameDay(cur.Due, desired.Due) {
		return false
	}
	if dest == types.SourceService {
		return true
	}

	if cur.Notes != desired.Notes || !sameInstant(cur.CompletedAt, desired.CompletedAt) {
		return false
	}
	if cur.CanonicalID != desired.CanonicalID {
		return false
	}
	if desired.ServiceID != "" && cur.ServiceID != desired.ServiceID {
		return false
	}
	if desired.TaskListID != "" && cur.TaskListID != desired.TaskListID {
		return false
	}
	return true
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
