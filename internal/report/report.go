package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"issuesync/internal/domain"
	"issuesync/internal/engine"
	"issuesync/internal/executor"
	"issuesync/internal/marker"
	"issuesync/internal/reconcile"
)

func newTable(w io.Writer, header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

// Declarations renders scan output.
func Declarations(w io.Writer, decls []marker.Declaration) {
	tw := newTable(w, table.Row{"File", "Line", "Element", "Type", "Status", "Title"})
	for _, d := range decls {
		tw.AppendRow(table.Row{d.FilePath, d.Line, d.ElementName, d.IssueType, d.Status, d.Title})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Total", len(decls)})
	tw.Render()
}

// Plan renders the operations of a plan, with their outcomes when the plan
// was applied.
func Plan(w io.Writer, plan reconcile.Plan, outcomes []executor.Outcome) {
	header := table.Row{"#", "Op", "Issue", "Element", "Title", "Note"}
	if outcomes != nil {
		header = append(header, "Result")
	}
	tw := newTable(w, header)
	for i, op := range plan.Ops {
		issue := ""
		if op.RemoteID != 0 {
			issue = fmt.Sprintf("#%d", op.RemoteID)
		}
		note := op.Reason
		if op.Reopen {
			note = "reopen"
		}
		row := table.Row{i + 1, op.Kind, issue, op.Element(), op.Title, note}
		if outcomes != nil && i < len(outcomes) {
			o := outcomes[i]
			result := string(o.Status)
			if o.Op.Kind == reconcile.KindCreate && o.RemoteID != 0 {
				result += fmt.Sprintf(" #%d", o.RemoteID)
			}
			if o.Error != "" {
				result += ": " + o.Error
			}
			row = append(row, result)
		}
		tw.AppendRow(row)
	}
	tw.Render()
}

// Summary renders the per-kind counts of a plan.
func Summary(w io.Writer, c reconcile.Counts) {
	tw := newTable(w, table.Row{"Create", "Update", "Close", "Skip"})
	tw.AppendRow(table.Row{c.Create, c.Update, c.Close, c.Skip})
	tw.Render()
}

// Errors lists per-item errors; nothing is written when there are none.
func Errors(w io.Writer, errs []error) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(w, "%d problem(s):\n", len(errs))
	for _, err := range errs {
		fmt.Fprintf(w, "  - %s\n", err)
	}
}

// Pass renders a full pass: plan, summary and problems.
func Pass(w io.Writer, p engine.Pass) {
	fmt.Fprintf(w, "run %s (%s, %s) %d file(s), %d declaration(s)\n", p.Run.ID, p.Run.Mode, p.Run.Status, p.Scan.Files, len(p.Scan.Declarations))
	if len(p.Plan.Ops) > 0 {
		Plan(w, p.Plan, p.Outcomes)
	}
	Summary(w, p.Plan.Counts())
	if p.Run.DryRun && p.Plan.Counts().Mutations() > 0 {
		fmt.Fprintln(w, "dry run: no changes were made")
	}
	Errors(w, p.Errors)
}

// Runs renders recorded runs.
func Runs(w io.Writer, runs []domain.Run) {
	tw := newTable(w, table.Row{"ID", "Mode", "Status", "Repository", "Started", "C/U/X/S", "Failures"})
	for _, r := range runs {
		mode := r.Mode
		if r.DryRun && r.Mode == engine.ModeSync {
			mode += " (dry)"
		}
		tw.AppendRow(table.Row{r.ID, mode, r.Status, r.Repository, r.StartedAt,
			fmt.Sprintf("%d/%d/%d/%d", r.Creates, r.Updates, r.Closes, r.Skips), r.Failures})
	}
	tw.Render()
}

// RunDetail renders one recorded run with its operations.
func RunDetail(w io.Writer, d engine.RunDetail) {
	Runs(w, []domain.Run{d.Run})
	tw := newTable(w, table.Row{"#", "Op", "Issue", "Element", "Title", "Status", "Note"})
	for _, op := range d.Ops {
		issue := ""
		if op.RemoteID != 0 {
			issue = fmt.Sprintf("#%d", op.RemoteID)
		}
		note := op.Reason
		if op.Error != "" {
			note = op.Error
		} else if op.Reopen {
			note = "reopen"
		}
		tw.AppendRow(table.Row{op.Seq, op.Kind, issue, op.Element, op.Title, op.Status, note})
	}
	tw.Render()
	if len(d.Run.Errors) > 0 {
		fmt.Fprintf(w, "%d problem(s):\n  - %s\n", len(d.Run.Errors), strings.Join(d.Run.Errors, "\n  - "))
	}
}

// Events renders event log entries.
func Events(w io.Writer, evts []domain.Event) {
	tw := newTable(w, table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
}

// APIKeys renders API keys without their hashes.
func APIKeys(w io.Writer, keys []domain.APIKey) {
	tw := newTable(w, table.Row{"ID", "Prefix", "Actor", "Name", "Created", "Last used"})
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = *k.LastUsedAt
		}
		tw.AppendRow(table.Row{k.ID, k.Prefix, k.ActorID, k.Name, k.CreatedAt, lastUsed})
	}
	tw.Render()
}
