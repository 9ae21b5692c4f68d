package reconcile_test

import (
	"errors"
	"testing"

	"issuesync/internal/canonical"
	"issuesync/internal/marker"
	"issuesync/internal/reconcile"
)

func issue(file, element, title, desc string) canonical.Issue {
	return canonical.FromDeclaration(marker.Declaration{
		FilePath:    file,
		ElementName: element,
		IssueType:   marker.TypeTask,
		Status:      marker.StatusTodo,
		Title:       title,
		Description: desc,
	})
}

func set(issues ...canonical.Issue) canonical.Set {
	return canonical.Set{Issues: issues}
}

func remoteFor(id int, c canonical.Issue, state reconcile.State) reconcile.RemoteIssue {
	return reconcile.RemoteIssue{ID: id, Title: c.Title, Body: c.RenderedBody, Labels: c.Labels(), State: state}
}

func kinds(p reconcile.Plan) []reconcile.Kind {
	out := make([]reconcile.Kind, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.Kind
	}
	return out
}

// apply mutates a snapshot the way a tracker would execute the plan.
func apply(remote []reconcile.RemoteIssue, plan reconcile.Plan) []reconcile.RemoteIssue {
	out := append([]reconcile.RemoteIssue(nil), remote...)
	next := 1000
	find := func(id int) *reconcile.RemoteIssue {
		for i := range out {
			if out[i].ID == id {
				return &out[i]
			}
		}
		return nil
	}
	for _, op := range plan.Ops {
		switch op.Kind {
		case reconcile.KindCreate:
			next++
			out = append(out, reconcile.RemoteIssue{ID: next, Title: op.Title, Body: op.Body, Labels: op.Labels, State: reconcile.StateOpen})
		case reconcile.KindUpdate:
			r := find(op.RemoteID)
			r.Title, r.Body, r.Labels = op.Title, op.Body, op.Labels
			if op.Reopen {
				r.State = reconcile.StateOpen
			}
		case reconcile.KindClose:
			find(op.RemoteID).State = reconcile.StateClosed
		}
	}
	return out
}

func TestScenarioEmptyDeclaredClosesFingerprinted(t *testing.T) {
	a := issue("a.cs", "A", "t", "d")
	plan, errs := reconcile.Reconcile(set(), []reconcile.RemoteIssue{remoteFor(7, a, reconcile.StateOpen)})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if len(plan.Ops) != 1 || plan.Ops[0].Kind != reconcile.KindClose || plan.Ops[0].RemoteID != 7 {
		t.Fatalf("expected [Close(7)], got %v", plan.Ops)
	}
}

func TestScenarioCreate(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	plan, _ := reconcile.Reconcile(set(c1), nil)
	if len(plan.Ops) != 1 || plan.Ops[0].Kind != reconcile.KindCreate {
		t.Fatalf("expected [Create], got %v", plan.Ops)
	}
	op := plan.Ops[0]
	if op.Fingerprint != c1.Fingerprint || op.Body != c1.RenderedBody || op.Title != "t" {
		t.Fatalf("create op carries wrong data: %+v", op)
	}
	if len(op.Labels) != 1 || op.Labels[0] != "TASK" {
		t.Fatalf("expected TASK label, got %v", op.Labels)
	}
}

func TestScenarioSkipWhenUnchanged(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	plan, _ := reconcile.Reconcile(set(c1), []reconcile.RemoteIssue{remoteFor(3, c1, reconcile.StateOpen)})
	if len(plan.Ops) != 1 || plan.Ops[0].Kind != reconcile.KindSkip || plan.Ops[0].RemoteID != 3 {
		t.Fatalf("expected [Skip(3)], got %v", plan.Ops)
	}
}

func TestScenarioUpdateReopensClosed(t *testing.T) {
	old := issue("a.cs", "A", "t", "old body")
	c1 := issue("a.cs", "A", "t", "new body")
	plan, _ := reconcile.Reconcile(set(c1), []reconcile.RemoteIssue{remoteFor(9, old, reconcile.StateClosed)})
	if len(plan.Ops) != 1 {
		t.Fatalf("expected one op, got %v", plan.Ops)
	}
	op := plan.Ops[0]
	if op.Kind != reconcile.KindUpdate || op.RemoteID != 9 || !op.Reopen || op.Body != c1.RenderedBody {
		t.Fatalf("expected Update(9, B2, reopen), got %+v", op)
	}
}

func TestClosedButCurrentIsReopened(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	plan, _ := reconcile.Reconcile(set(c1), []reconcile.RemoteIssue{remoteFor(9, c1, reconcile.StateClosed)})
	if plan.Ops[0].Kind != reconcile.KindUpdate || !plan.Ops[0].Reopen {
		t.Fatalf("closed issue with live declaration must be reopened, got %+v", plan.Ops[0])
	}
}

func TestLabelDriftTriggersUpdate(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	r := remoteFor(4, c1, reconcile.StateOpen)
	r.Labels = []string{"TASK", "triage"}
	plan, _ := reconcile.Reconcile(set(c1), []reconcile.RemoteIssue{r})
	if plan.Ops[0].Kind != reconcile.KindUpdate || plan.Ops[0].Reopen {
		t.Fatalf("expected plain update, got %+v", plan.Ops[0])
	}
}

func TestWhitespaceDriftIsIgnored(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	r := remoteFor(4, c1, reconcile.StateOpen)
	r.Body = "\r\n" + r.Body + "  \r\n\r\n"
	plan, _ := reconcile.Reconcile(set(c1), []reconcile.RemoteIssue{r})
	if plan.Ops[0].Kind != reconcile.KindSkip {
		t.Fatalf("whitespace drift must not update, got %+v", plan.Ops[0])
	}
}

func TestIdentityStabilityOnRename(t *testing.T) {
	before := issue("a.cs", "A.Run", "Old title", "old")
	after := issue("a.cs", "A.Run", "New title", "new")
	plan, _ := reconcile.Reconcile(set(after), []reconcile.RemoteIssue{remoteFor(12, before, reconcile.StateOpen)})
	if got := kinds(plan); len(got) != 1 || got[0] != reconcile.KindUpdate {
		t.Fatalf("expected a single update, got %v", got)
	}
	if plan.Ops[0].RemoteID != 12 || plan.Ops[0].Title != "New title" {
		t.Fatalf("update must target #12 with new title, got %+v", plan.Ops[0])
	}
}

func TestForeignIssuesNeverTouched(t *testing.T) {
	c1 := issue("a.cs", "A", "Same title", "d")
	foreign := []reconcile.RemoteIssue{
		{ID: 1, Title: "Same title", Body: "**File**: a.cs\nfiled by hand", Labels: []string{"TASK"}, State: reconcile.StateOpen},
		{ID: 2, Title: "other", Body: "<!-- issuesync:fingerprint=nothex -->", State: reconcile.StateOpen},
	}
	for _, declared := range []canonical.Set{set(), set(c1)} {
		plan, _ := reconcile.Reconcile(declared, foreign)
		for _, op := range plan.Ops {
			if op.RemoteID == 1 || op.RemoteID == 2 {
				t.Fatalf("foreign issue touched: %+v", op)
			}
		}
	}
}

func TestClosesComeFirst(t *testing.T) {
	stale := issue("old.cs", "Old", "t", "d")
	keep := issue("b.cs", "B", "t", "d")
	changed := issue("c.cs", "C", "t", "v2")
	fresh := issue("a.cs", "A", "t", "d")
	remote := []reconcile.RemoteIssue{
		remoteFor(5, issue("c.cs", "C", "t", "v1"), reconcile.StateOpen),
		remoteFor(2, keep, reconcile.StateOpen),
		remoteFor(8, stale, reconcile.StateOpen),
		remoteFor(1, issue("gone.cs", "Gone", "t", "d"), reconcile.StateClosed),
	}
	plan, _ := reconcile.Reconcile(set(fresh, keep, changed), remote)
	want := []reconcile.Kind{reconcile.KindClose, reconcile.KindCreate, reconcile.KindSkip, reconcile.KindUpdate, reconcile.KindSkip}
	got := kinds(plan)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if plan.Ops[0].RemoteID != 8 || plan.Ops[4].RemoteID != 1 || plan.Ops[4].Reason != reconcile.ReasonAlreadyClosed {
		t.Fatalf("unexpected close/skip targets: %v", plan.Ops)
	}
	c := plan.Counts()
	if c.Create != 1 || c.Update != 1 || c.Close != 1 || c.Skip != 2 || c.Mutations() != 3 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestIdempotence(t *testing.T) {
	declared := set(
		issue("a.cs", "A", "t", "d"),
		issue("b.cs", "B", "renamed", "d"),
		issue("c.cs", "C", "t", "reopened"),
	)
	remote := []reconcile.RemoteIssue{
		remoteFor(1, issue("b.cs", "B", "orig", "d"), reconcile.StateOpen),
		remoteFor(2, issue("c.cs", "C", "t", "reopened"), reconcile.StateClosed),
		remoteFor(3, issue("z.cs", "Z", "t", "d"), reconcile.StateOpen),
		{ID: 4, Title: "manual", Body: "no tag", State: reconcile.StateOpen},
	}
	first, _ := reconcile.Reconcile(declared, remote)
	if first.Counts().Mutations() == 0 {
		t.Fatalf("first pass should mutate")
	}
	second, _ := reconcile.Reconcile(declared, apply(remote, first))
	for _, op := range second.Ops {
		if op.Kind != reconcile.KindSkip {
			t.Fatalf("second pass must only skip, got %v", second.Ops)
		}
	}
}

func TestDuplicateDeclarationExcludesFingerprint(t *testing.T) {
	d := marker.Declaration{FilePath: "a.cs", ElementName: "A.Run", IssueType: marker.TypeBug, Status: marker.StatusTodo, Title: "x"}
	declared, errs := canonical.Build([]marker.Declaration{d, d})
	if len(errs) != 1 {
		t.Fatalf("expected duplicate error, got %v", errs)
	}
	fresh, _ := reconcile.Reconcile(declared, nil)
	if len(fresh.Ops) != 0 {
		t.Fatalf("duplicate must not be created, got %v", fresh.Ops)
	}
	existing := canonical.FromDeclaration(d)
	plan, _ := reconcile.Reconcile(declared, []reconcile.RemoteIssue{remoteFor(6, existing, reconcile.StateOpen)})
	if len(plan.Ops) != 1 || plan.Ops[0].Kind != reconcile.KindSkip || plan.Ops[0].RemoteID != 6 {
		t.Fatalf("held fingerprint must be skipped, not closed: %v", plan.Ops)
	}
}

func TestConflictingRemoteFingerprints(t *testing.T) {
	c1 := issue("a.cs", "A", "t", "d")
	remote := []reconcile.RemoteIssue{
		remoteFor(11, c1, reconcile.StateOpen),
		remoteFor(10, issue("a.cs", "A", "t", "other"), reconcile.StateOpen),
	}
	plan, errs := reconcile.Reconcile(set(c1), remote)
	if len(errs) != 1 {
		t.Fatalf("expected one invariant violation, got %v", errs)
	}
	var inv *reconcile.InvariantViolationError
	if !errors.As(errs[0], &inv) || inv.Fingerprint != c1.Fingerprint || len(inv.RemoteIDs) != 2 || inv.RemoteIDs[0] != 10 {
		t.Fatalf("unexpected error %v", errs[0])
	}
	if plan.Counts().Mutations() != 0 || plan.Counts().Skip != 2 {
		t.Fatalf("conflicting issues must only be skipped: %v", plan.Ops)
	}
}

func TestHeldFileIsNeitherClosedNorUpdated(t *testing.T) {
	a := issue("a.cs", "A", "t", "d")
	b := issue("b.cs", "B", "t", "d")
	declared := set(a)
	declared.HeldFiles = map[string]string{"b.cs": "unreadable file"}
	plan, errs := reconcile.Reconcile(declared, []reconcile.RemoteIssue{remoteFor(1, a, reconcile.StateOpen), remoteFor(2, b, reconcile.StateOpen)})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors %v", errs)
	}
	if c := plan.Counts(); c.Close != 0 || c.Skip != 2 {
		t.Fatalf("unexpected plan %+v", plan.Ops)
	}
	last := plan.Ops[len(plan.Ops)-1]
	if last.RemoteID != 2 || last.Reason != "held: unreadable file" {
		t.Fatalf("b.cs issue must be held, got %+v", last)
	}
}
