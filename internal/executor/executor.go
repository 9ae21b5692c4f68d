package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"issuesync/internal/reconcile"
	"issuesync/internal/tracker"
)

// DefaultConcurrency bounds in-flight tracker calls per phase.
const DefaultConcurrency = 4

// Status is the result of executing one op.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome pairs a plan op with what happened to it. RemoteID is the tracker
// issue after execution, which for creates is the newly assigned id.
type Outcome struct {
	Op       reconcile.Op `json:"op"`
	Status   Status       `json:"status"`
	RemoteID int          `json:"remote_id,omitempty"`
	Error    string       `json:"error,omitempty"`
	Err      error        `json:"-"`
}

// Executor applies plans through a tracker.
type Executor struct {
	Tracker     tracker.Tracker
	Concurrency int
	Logger      zerolog.Logger
}

// Apply executes plan and returns one Outcome per op, in plan order. Closes
// run first; creates and updates start only once every close has returned.
// Failures are recorded per op and never stop the pass.
func (e Executor) Apply(ctx context.Context, plan reconcile.Plan) []Outcome {
	outcomes := make([]Outcome, len(plan.Ops))
	var closes, rest []int
	for i, op := range plan.Ops {
		outcomes[i] = Outcome{Op: op, RemoteID: op.RemoteID}
		switch op.Kind {
		case reconcile.KindSkip:
			outcomes[i].Status = StatusSkipped
		case reconcile.KindClose:
			closes = append(closes, i)
		default:
			rest = append(rest, i)
		}
	}
	e.phase(ctx, closes, outcomes)
	e.phase(ctx, rest, outcomes)
	return outcomes
}

func (e Executor) phase(ctx context.Context, idx []int, outcomes []Outcome) {
	limit := e.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, i := range idx {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			outcomes[i].Status = StatusCancelled
			outcomes[i].Error = ctx.Err().Error()
			outcomes[i].Err = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			e.run(ctx, &outcomes[i])
		}(i)
	}
	wg.Wait()
}

func (e Executor) run(ctx context.Context, out *Outcome) {
	op := out.Op
	log := e.Logger.With().Str("op", string(op.Kind)).Str("fingerprint", string(op.Fingerprint)).Logger()
	var (
		issue tracker.RemoteIssue
		err   error
	)
	switch op.Kind {
	case reconcile.KindCreate:
		issue, err = e.Tracker.Create(ctx, op.Title, op.Body, op.Labels)
	case reconcile.KindUpdate:
		labels := op.Labels
		patch := tracker.Patch{Title: &op.Title, Body: &op.Body, Labels: &labels}
		if op.Reopen {
			open := reconcile.StateOpen
			patch.State = &open
		}
		issue, err = e.Tracker.Edit(ctx, op.RemoteID, patch)
	case reconcile.KindClose:
		closed := reconcile.StateClosed
		issue, err = e.Tracker.Edit(ctx, op.RemoteID, tracker.Patch{State: &closed})
	default:
		err = fmt.Errorf("unexpected op kind %q", op.Kind)
	}
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		out.Error = err.Error()
		log.Error().Err(err).Int("issue", op.RemoteID).Msg("op failed")
		return
	}
	out.Status = StatusApplied
	out.RemoteID = issue.ID
	log.Info().Int("issue", issue.ID).Msg(op.String())
}

// Summary tallies outcomes by status.
type Summary struct {
	Applied   int `json:"applied"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		switch o.Status {
		case StatusApplied:
			s.Applied++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Errors returns the error of every failed or cancelled outcome.
func Errors(outcomes []Outcome) []error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Op.String(), o.Err))
		}
	}
	return errs
}
