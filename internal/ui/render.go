package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/executor"
	"github.com/mschirtzinger/tasksync/internal/plan"
	"github.com/mschirtzinger/tasksync/internal/sync"
	"github.com/mschirtzinger/tasksync/internal/types"
)

// Format selects the output encoding of a command.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// Encode writes v as JSON or YAML.
func Encode(w io.Writer, v any, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not a structured encoding", f)
}

// RunOutput is the structured form of `tsync sync`.
type RunOutput struct {
	Report *executor.Report `json:"report" yaml:"report"`
	Plan   *plan.Plan       `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// WriteResult prints the outcome of a sync run. The plan is included for
// dry runs.
func WriteResult(w io.Writer, res *sync.Result, f Format) error {
	if f != FormatText {
		out := RunOutput{Report: res.Report}
		if res.Report.DryRun {
			out.Plan = res.Plan
		}
		return Encode(w, out, f)
	}

	if res.Report.DryRun && res.Plan != nil {
		if err := WritePlan(w, res.Plan); err != nil {
			return err
		}
	}
	return WriteReport(w, res.Report)
}

// WriteReport prints a text summary of a run.
func WriteReport(w io.Writer, r *executor.Report) error {
	mode := r.Mode
	if r.DryRun {
		mode += ", dry run"
	}
	fmt.Fprintf(w, "%s Sync %s (%s)\n", RenderAccent("🔄"), RenderBold(r.Account), mode)
	for _, src := range r.Degraded {
		fmt.Fprintf(w, "  %s %s unavailable, left out of this run\n", RenderWarn("⚠"), src)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, src := range r.Destinations() {
		d := r.Results[src]
		if d.Skipped {
			fmt.Fprintf(tw, "  %s\t%s\n", src, RenderMuted("skipped"))
			continue
		}
		line := fmt.Sprintf("  %s\t+%d\t~%d\t-%d", src, d.Created, d.Updated, d.Deleted)
		if d.Purged > 0 {
			line += fmt.Sprintf("\tpurged %d", d.Purged)
		}
		switch {
		case len(d.Failed) > 0:
			line += "\t" + RenderWarn(fmt.Sprintf("%d failed", len(d.Failed)))
		case d.Synced:
			line += "\t" + RenderPass("synced")
		}
		fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failures := r.Failures(); len(failures) > 0 {
		fmt.Fprintf(w, "\n%s Failures:\n", RenderWarn("⚠"))
		for _, f := range failures {
			fmt.Fprintf(w, "  %s %s: %s\n", f.Op, f.TaskID, f.Error)
		}
	}

	elapsed := r.Duration().Round(time.Millisecond)
	switch {
	case r.Error != "":
		fmt.Fprintf(w, "%s Sync aborted: %s\n", RenderFail("✗"), r.Error)
	case r.Partial:
		fmt.Fprintf(w, "%s Sync interrupted after %v\n", RenderWarn("⚠"), elapsed)
	case r.DryRun:
		fmt.Fprintf(w, "%s Dry run complete, nothing was written\n", RenderPass("✓"))
	case r.OK():
		fmt.Fprintf(w, "%s Sync complete in %v\n", RenderPass("✓"), elapsed)
	default:
		fmt.Fprintf(w, "%s Sync finished with problems in %v\n", RenderWarn("⚠"), elapsed)
	}
	return nil
}

// WritePlan prints the operations of a plan grouped by destination.
func WritePlan(w io.Writer, p *plan.Plan) error {
	fmt.Fprintf(w, "%s Plan: %d changes across %d tasks (%d unchanged)\n",
		RenderAccent("📋"), p.Changes(), p.Identities, p.NoOps)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, src := range types.Sources {
		d := p.For(src)
		if d == nil {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%d create\t%d update\t%d delete\n",
			RenderBold(string(src)), d.Count(plan.OpCreate), d.Count(plan.OpUpdate), d.Count(plan.OpDelete))
		for _, op := range d.Operations {
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", op.Kind, op.CanonicalID, op.Task.Title, RenderMuted(op.Reason))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(p.Purges) > 0 {
		fmt.Fprintf(w, "  %d tombstones eligible for purge\n", len(p.Purges))
	}
	return nil
}

// WriteStatus prints the sync state of an account.
func WriteStatus(w io.Writer, st *sync.Status, f Format) error {
	if f != FormatText {
		return Encode(w, st, f)
	}
	fmt.Fprintf(w, "%s %s: %d local tasks, next run is %s\n",
		RenderAccent("ℹ"), RenderBold(st.Account), st.Tasks, st.StateName)

	sources := make([]string, 0, len(st.Watermarks))
	for src := range st.Watermarks {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)
	if len(sources) == 0 {
		fmt.Fprintf(w, "  %s\n", RenderMuted("never synced"))
		return nil
	}
	for _, src := range sources {
		at := st.Watermarks[types.Source(src)]
		fmt.Fprintf(w, "  %-8s last synced %s\n", src, at.Local().Format(time.RFC3339))
	}
	return nil
}
