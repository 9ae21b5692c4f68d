package reconcile

import (
	"fmt"
	"sort"

	"issuesync/internal/canonical"
)

// InvariantViolationError reports several remote issues carrying the same
// fingerprint. None of them is mutated until the conflict is resolved by hand.
type InvariantViolationError struct {
	Fingerprint canonical.Fingerprint
	RemoteIDs   []int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("remote issues %v share fingerprint %s", e.RemoteIDs, e.Fingerprint)
}

// Reconcile computes the plan that brings the remote snapshot in line with the
// declared set. It is a pure function of its inputs.
func Reconcile(declared canonical.Set, remote []RemoteIssue) (Plan, []error) {
	index := make(map[canonical.Fingerprint][]RemoteIssue)
	var fps []canonical.Fingerprint
	for _, r := range remote {
		fp, ok := canonical.ParseFingerprint(r.Body)
		if !ok {
			continue
		}
		if _, seen := index[fp]; !seen {
			fps = append(fps, fp)
		}
		index[fp] = append(index[fp], r)
	}

	var (
		errs     []error
		closes   []Op
		trailing []Op
		body     []Op
	)
	conflicted := make(map[canonical.Fingerprint]bool)
	for _, fp := range fps {
		group := index[fp]
		if len(group) < 2 {
			continue
		}
		conflicted[fp] = true
		ids := make([]int, len(group))
		for i, r := range group {
			ids[i] = r.ID
			trailing = append(trailing, Skip(r.ID, fp, ReasonConflict))
		}
		sort.Ints(ids)
		errs = append(errs, &InvariantViolationError{Fingerprint: fp, RemoteIDs: ids})
	}

	declaredFPs := make(map[canonical.Fingerprint]bool, len(declared.Issues))
	for _, c := range declared.Issues {
		if _, held := declared.Held[c.Fingerprint]; held {
			continue
		}
		declaredFPs[c.Fingerprint] = true
		if conflicted[c.Fingerprint] {
			continue
		}
		matches := index[c.Fingerprint]
		if len(matches) == 0 {
			body = append(body, Create(c))
			continue
		}
		r := matches[0]
		if upToDate(c, r) {
			body = append(body, Skip(r.ID, c.Fingerprint, ReasonUpToDate))
			continue
		}
		body = append(body, Update(r.ID, c, r.State == StateClosed))
	}

	for _, fp := range fps {
		if declaredFPs[fp] || conflicted[fp] {
			continue
		}
		r := index[fp][0]
		if reason, held := declared.Held[fp]; held {
			trailing = append(trailing, Skip(r.ID, fp, "held: "+reason))
			continue
		}
		if file, ok := canonical.FileOf(r.Body); ok {
			if reason, held := declared.HeldFiles[file]; held {
				trailing = append(trailing, Skip(r.ID, fp, "held: "+reason))
				continue
			}
		}
		if r.State == StateClosed {
			trailing = append(trailing, Skip(r.ID, fp, ReasonAlreadyClosed))
			continue
		}
		closes = append(closes, Close(r.ID, fp))
	}

	sort.SliceStable(closes, func(i, j int) bool { return closes[i].RemoteID < closes[j].RemoteID })
	sort.SliceStable(trailing, func(i, j int) bool { return trailing[i].RemoteID < trailing[j].RemoteID })

	ops := make([]Op, 0, len(closes)+len(body)+len(trailing))
	ops = append(ops, closes...)
	ops = append(ops, body...)
	ops = append(ops, trailing...)
	return Plan{Ops: ops}, errs
}

func upToDate(c canonical.Issue, r RemoteIssue) bool {
	return r.State == StateOpen &&
		r.Title == c.Title &&
		canonical.Normalize(r.Body) == c.RenderedBody &&
		sameLabels(r.Labels, c.Labels())
}

func sameLabels(a, b []string) bool {
	as, bs := labelSet(a), labelSet(b)
	if len(as) != len(bs) {
		return false
	}
	for l := range as {
		if !bs[l] {
			return false
		}
	}
	return true
}

func labelSet(labels []string) map[string]bool {
	out := make(map[string]bool, len(labels))
	for _, l := range labels {
		out[l] = true
	}
	return out
}
