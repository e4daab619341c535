// Package resolve picks the winning copy of a task present in several sources.
//
// Every policy is a Strategy so the planner can swap them without change.
// Resolution is pure: no I/O, no clock, and the result does not depend on
// the order of the input slice.
package resolve

import (
	"fmt"
	"sort"

	"github.com/mschirtzinger/tasksync/internal/signature"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Strategy names accepted by ByName.
const (
	NewestWins    = "newest_wins"
	PreferLocal   = "prefer_local"
	PreferRemote  = "prefer_remote"
	PreferService = "prefer_service"
	Strict        = "strict"
)

// Strategy resolves the versions sharing one canonical id.
type Strategy interface {
	// Name returns the configuration name of the policy.
	Name() string

	// Resolve returns the winning version. It fails with types.ErrNoVersions
	// on empty input.
	Resolve(versions []types.TaskVersion) (types.TaskVersion, error)
}

// Default returns the newest_wins policy.
func Default() Strategy {
	return newestWins{}
}

// ByName returns the strategy registered under name.
func ByName(name string) (Strategy, error) {
	switch name {
	case "", NewestWins:
		return newestWins{}, nil
	case PreferLocal:
		return preferSource{src: types.SourceLocal}, nil
	case PreferRemote:
		return preferSource{src: types.SourceRemote}, nil
	case PreferService:
		return preferSource{src: types.SourceService}, nil
	case Strict:
		return strict{}, nil
	}
	return nil, fmt.Errorf("unknown resolution strategy %q", name)
}

// Names lists the available strategies.
func Names() []string {
	return []string{NewestWins, PreferLocal, PreferRemote, PreferService, Strict}
}

type newestWins struct{}

func (newestWins) Name() string { return NewestWins }

// Resolve picks the greatest ModifiedAt; equal timestamps fall back to
// source priority service > local > remote.
func (newestWins) Resolve(versions []types.TaskVersion) (types.TaskVersion, error) {
	if len(versions) == 0 {
		return types.TaskVersion{}, types.ErrNoVersions
	}
	return ordered(versions)[0], nil
}

type preferSource struct {
	src types.Source
}

func (p preferSource) Name() string { return "prefer_" + string(p.src) }

// Resolve returns the preferred source's version when one exists and
// otherwise behaves like newest_wins.
func (p preferSource) Resolve(versions []types.TaskVersion) (types.TaskVersion, error) {
	if len(versions) == 0 {
		return types.TaskVersion{}, types.ErrNoVersions
	}
	sorted := ordered(versions)
	for _, v := range sorted {
		if v.Source == p.src {
			return v, nil
		}
	}
	return sorted[0], nil
}

type strict struct{}

func (strict) Name() string { return Strict }

// Resolve behaves like newest_wins but refuses to pick between versions
// that share the newest timestamp and disagree on content.
func (strict) Resolve(versions []types.TaskVersion) (types.TaskVersion, error) {
	if len(versions) == 0 {
		return types.TaskVersion{}, types.ErrNoVersions
	}
	sorted := ordered(versions)
	top := sorted[0]
	for _, v := range sorted[1:] {
		if !v.ModifiedAt.Equal(top.ModifiedAt) {
			break
		}
		if !signature.Equal(v.Payload, top.Payload) {
			return types.TaskVersion{}, fmt.Errorf("%w: %s differs between %s and %s at %s",
				types.ErrConflictAmbiguous, top.TaskID, top.Source, v.Source, top.ModifiedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
	return top, nil
}

// ordered returns a copy of versions sorted best-first under a total order,
// which makes every strategy independent of input order.
func ordered(versions []types.TaskVersion) []types.TaskVersion {
	out := append([]types.TaskVersion(nil), versions...)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b types.TaskVersion) bool {
	if !a.ModifiedAt.Equal(b.ModifiedAt) {
		return a.ModifiedAt.After(b.ModifiedAt)
	}
	if pa, pb := priority(a), priority(b); pa != pb {
		return pa > pb
	}
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	if a.Payload.ID != b.Payload.ID {
		return a.Payload.ID < b.Payload.ID
	}
	return signature.Fingerprint(a.Payload) < signature.Fingerprint(b.Payload)
}

func priority(v types.TaskVersion) int {
	if v.SourcePriority != 0 {
		return v.SourcePriority
	}
	return v.Source.Priority()
}
